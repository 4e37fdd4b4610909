package hub

import (
	"context"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName    = "github.com/erilali/studybuddy/internal/hub"
	unknownEvent = "unknown"
)

// inboundEvents bounds the "event" attribute to the names clients may send.
var inboundEvents = map[string]bool{
	message.EventSubscribe:   true,
	message.EventUnsubscribe: true,
	message.EventBroadcast:   true,
	message.EventHeartbeat:   true,
	message.EventSendMessage: true,
	message.EventJoinRoom:    true,
	message.EventLeaveRoom:   true,
}

func eventLabel(event string) string {
	if inboundEvents[event] {
		return event
	}
	return unknownEvent
}

type metrics struct {
	sessions metric.Int64UpDownCounter
	events   metric.Int64Counter
	rejects  metric.Int64Counter
	expired  metric.Int64Counter
}

// newMetrics registers the hub instruments on mp, or on the global meter
// provider when mp is nil. Registration failures leave the instrument unset.
func newMetrics(mp metric.MeterProvider, log *logger.Logger) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{}
	var err error

	if m.sessions, err = meter.Int64UpDownCounter("relay.sessions",
		metric.WithDescription("Connected relay sessions")); err != nil {
		log.Warnf("failed to create relay.sessions instrument: %v", err)
	}
	if m.events, err = meter.Int64Counter("relay.events",
		metric.WithDescription("Inbound relay events by type")); err != nil {
		log.Warnf("failed to create relay.events instrument: %v", err)
	}
	if m.rejects, err = meter.Int64Counter("relay.rejected",
		metric.WithDescription("Inbound frames rejected as malformed or rate limited")); err != nil {
		log.Warnf("failed to create relay.rejected instrument: %v", err)
	}
	if m.expired, err = meter.Int64Counter("presence.expired",
		metric.WithDescription("Presence entries removed by the staleness sweep")); err != nil {
		log.Warnf("failed to create presence.expired instrument: %v", err)
	}
	return m
}

func (m *metrics) sessionOpened(ctx context.Context) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1)
	}
}

func (m *metrics) sessionClosed(ctx context.Context) {
	if m.sessions != nil {
		m.sessions.Add(ctx, -1)
	}
}

func (m *metrics) eventReceived(ctx context.Context, event string) {
	if m.events != nil {
		m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventLabel(event))))
	}
}

// rejected counts a refused frame. Frames that never decoded carry an
// empty event and are labelled unknown.
func (m *metrics) rejected(ctx context.Context, event string) {
	if m.rejects != nil {
		m.rejects.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventLabel(event))))
	}
}

func (m *metrics) presenceExpired(ctx context.Context) {
	if m.expired != nil {
		m.expired.Add(ctx, 1)
	}
}
