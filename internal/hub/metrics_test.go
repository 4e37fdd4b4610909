package hub

import (
	"context"
	"testing"
	"time"

	"github.com/erilali/studybuddy/internal/message"
	"github.com/erilali/studybuddy/internal/presence"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectSums returns every int64 sum data point keyed by instrument name
// and then by its "event" attribute ("" when absent).
func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				label, _ := dp.Attributes.Value(attribute.Key("event"))
				points[label.AsString()] += dp.Value
			}
			out[m.Name] = points
		}
	}
	return out
}

func TestMetricsAreExported(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := presence.New(presence.Options{Now: clock.Now, StaleAfter: 2 * time.Minute, SweepInterval: time.Hour})
	h := startHub(t, Options{Presence: store, MeterProvider: mp})
	a, b := h.Connect(), h.Connect()

	h.Dispatch(a, frame(t, message.EventSubscribe, message.Subscribe{Channel: "c", UserID: "u1"}))
	h.Dispatch(b, frame(t, message.EventJoinRoom, "r"))
	h.Dispatch(b, frame(t, "bogus-1", "x"))
	h.Dispatch(b, frame(t, "bogus-2", "x"))
	h.Dispatch(b, []byte("{not json"))
	h.barrier()

	clock.Advance(3 * time.Minute)
	h.requestSweep()
	h.barrier()

	got := collectSums(t, reader)
	if n := got["relay.sessions"][""]; n != 2 {
		t.Errorf("expected 2 open sessions, got %d", n)
	}
	events := got["relay.events"]
	if events[message.EventSubscribe] != 1 || events[message.EventJoinRoom] != 1 {
		t.Errorf("known events not counted: %v", events)
	}
	if events[unknownEvent] != 2 || len(events) != 3 {
		t.Errorf("unrecognised event names must collapse to %q: %v", unknownEvent, events)
	}
	rejected := got["relay.rejected"]
	if rejected[unknownEvent] != 3 || len(rejected) != 1 {
		t.Errorf("expected 3 rejections labelled %q, got %v", unknownEvent, rejected)
	}
	if n := got["presence.expired"][""]; n != 1 {
		t.Errorf("expected 1 expired entry, got %d", n)
	}
}

func TestEventLabel(t *testing.T) {
	cases := map[string]string{
		message.EventSendMessage: message.EventSendMessage,
		message.EventLeaveRoom:   message.EventLeaveRoom,
		"":                       unknownEvent,
		"room:typing":            unknownEvent,
		message.EventNewMessage:  unknownEvent,
	}
	for in, want := range cases {
		if got := eventLabel(in); got != want {
			t.Errorf("eventLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
