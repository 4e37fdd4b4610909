package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames reads one WebSocket message and splits coalesced frames.
func readFrames(t *testing.T, conn *websocket.Conn) []message.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []message.Envelope
	for _, line := range strings.Split(string(data), "\n") {
		env, err := message.Decode([]byte(line))
		if err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func serveHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(opts)
	go h.Run()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWs)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Shutdown(2 * time.Second)
		srv.Close()
	})
	return h, srv
}

func TestWebSocketRelay(t *testing.T) {
	h, srv := serveHub(t, Options{})
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)

	for _, conn := range []*websocket.Conn{a, b} {
		if err := conn.WriteMessage(websocket.TextMessage, frame(t, message.EventJoinRoom, "chat:1")); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.Registry().MembersOf("chat:1")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sessions never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg := frame(t, message.EventBroadcast, map[string]interface{}{
		"channel": "chat:1", "event": "message", "payload": map[string]string{"text": "hi"},
	})
	if err := a.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		frames := readFrames(t, conn)
		if len(frames) != 1 || frames[0].Event != "chat:1:message" || string(frames[0].Data) != `{"text":"hi"}` {
			t.Errorf("unexpected frames %+v", frames)
		}
	}
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	h, srv := serveHub(t, Options{})
	a := dial(t, srv, nil)
	a.WriteMessage(websocket.TextMessage, frame(t, message.EventSubscribe, message.Subscribe{Channel: "c", UserID: "u1"}))
	readFrames(t, a)

	a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.barrier()
		if _, ok := h.Presence().Get("c", "u1"); !ok && h.Registry().ChannelCount() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("closed socket was never cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketOriginPolicy(t *testing.T) {
	_, srv := serveHub(t, Options{AllowedOrigins: []string{"https://study.example.com"}})

	ok := http.Header{"Origin": []string{"https://STUDY.example.com"}}
	dial(t, srv, ok)

	bad := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), bad)
	if err == nil {
		t.Fatal("disallowed origin should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	if !rl.allow() || !rl.allow() {
		t.Fatal("burst should be allowed")
	}
	if rl.allow() {
		t.Fatal("empty bucket should refuse")
	}
	now = now.Add(500 * time.Millisecond)
	if !rl.allow() {
		t.Error("half an interval should refill one token")
	}
}

func TestMessageSubject(t *testing.T) {
	cases := map[string]string{
		"room-1":      "rooms.room-1.messages",
		"a.b":         "rooms.a_b.messages",
		"study *> go": "rooms.study____go.messages",
	}
	for in, want := range cases {
		if got := MessageSubject(in); got != want {
			t.Errorf("MessageSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNatsMirror(t *testing.T) {
	url := os.Getenv("STUDYBUDDY_TEST_NATS_URL")
	if url == "" {
		t.Skip("STUDYBUDDY_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatal(err)
	}
	if err := EnsureStream(js, logger.Nop()); err != nil {
		t.Fatal(err)
	}

	msg := message.Message{ID: "nats-test-" + time.Now().Format("150405.000"), RoomID: "nats.test", Text: "hi", UserID: "u1"}
	if err := NewNatsMirror(js).Append(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	got, err := js.GetLastMsg(MessageStream, MessageSubject(msg.RoomID))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got.Data), msg.ID) {
		t.Errorf("last message %s does not carry %s", got.Data, msg.ID)
	}
}

// escapedText builds a send_message frame whose text is n emoji, each
// written as an escaped surrogate pair.
func escapedText(n int) []byte {
	text := strings.Repeat(`\ud83d\ude00`, n)
	return []byte(`{"event":"send_message","data":{"roomId":"r","userId":"u1","username":"ana","text":"` + text + `"}}`)
}

func TestWebSocketAcceptsFullLengthMessage(t *testing.T) {
	h, srv := serveHub(t, Options{})
	a := dial(t, srv, nil)
	if err := a.WriteMessage(websocket.TextMessage, frame(t, message.EventJoinRoom, "r")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.Registry().MembersOf("r")) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.WriteMessage(websocket.TextMessage, escapedText(message.MaxTextLength)); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, a)
	if len(frames) != 1 || frames[0].Event != message.EventNewMessage {
		t.Fatalf("expected new_message, got %+v", frames)
	}
	var msg message.Message
	if err := json.Unmarshal(frames[0].Data, &msg); err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(msg.Text)); n != message.MaxTextLength {
		t.Errorf("expected %d runes, got %d", message.MaxTextLength, n)
	}

	if err := a.WriteMessage(websocket.TextMessage, escapedText(message.MaxTextLength+1)); err != nil {
		t.Fatal(err)
	}
	frames = readFrames(t, a)
	if len(frames) != 1 || frames[0].Event != message.EventError {
		t.Fatalf("expected an error frame for an over-long text, got %+v", frames)
	}

	if err := a.WriteMessage(websocket.TextMessage, escapedText(1)); err != nil {
		t.Fatal(err)
	}
	frames = readFrames(t, a)
	if len(frames) != 1 || frames[0].Event != message.EventNewMessage {
		t.Errorf("connection should stay usable after a rejected text, got %+v", frames)
	}
}

func TestServeWsAfterShutdown(t *testing.T) {
	h, srv := serveHub(t, Options{})
	if err := h.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("upgrade should be refused after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %+v", resp)
	}
	if n := h.Registry().ChannelCount(); n != 0 {
		t.Errorf("expected no channels, got %d", n)
	}
}
