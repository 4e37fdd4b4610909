package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "hub")
	l.WithField("channel", "chat:1").Info("hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "hub" {
		t.Errorf("expected component hub, got %v", lines[0]["component"])
	}
	if lines[0]["channel"] != "chat:1" {
		t.Errorf("expected channel field, got %v", lines[0]["channel"])
	}
}

func TestLogEventUnknownEventKeepsContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "hub")
	l.LogEvent("warn", "payload_rejected", "s-1", "missing channel")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["level"] != "warn" {
		t.Errorf("expected warn level, got %v", entry["level"])
	}
	if entry["event"] != "payload_rejected" || entry["user"] != "s-1" || entry["detail"] != "missing channel" {
		t.Errorf("missing context fields: %v", entry)
	}
	if entry["message"] != "payload rejected: missing channel" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestLogEventRoutine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "hub")
	l.LogEvent("info", "channel_joined", "u1", "chat:1")

	lines := decodeLines(t, &buf)
	if got := lines[0]["message"]; got != "u1 joined chat:1" {
		t.Errorf("unexpected message %v", got)
	}
}

func TestNopDiscards(t *testing.T) {
	Nop().Error("nothing to see")
}
