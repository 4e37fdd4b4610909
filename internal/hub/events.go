package hub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/google/uuid"
)

var errRateLimited = fmt.Errorf("%w: rate limit exceeded", errs.ErrValidation)

// handleFrame decodes one inbound frame and routes it. A bad frame is logged,
// dropped and answered with an error frame to its sender only.
func (h *Hub) handleFrame(s *Session, frame []byte) {
	if _, ok := h.sessions[s.ID]; !ok {
		h.logger.Debugf("dropping frame from %s: %v", s.ID, errs.ErrSessionClosed)
		return
	}
	if !s.limiter.allow() {
		h.reject(s, "", errRateLimited)
		return
	}

	env, err := message.Decode(frame)
	if err != nil {
		h.reject(s, "", err)
		return
	}
	h.metrics.eventReceived(h.ctx, env.Event)

	switch env.Event {
	case message.EventSubscribe:
		err = withPayload(env, func(p message.Subscribe) { h.subscribe(s, p) })
	case message.EventUnsubscribe:
		err = withPayload(env, func(p message.Unsubscribe) { h.unsubscribe(s, p) })
	case message.EventBroadcast:
		err = withPayload(env, func(p message.Broadcast) { h.broadcast(p) })
	case message.EventHeartbeat:
		err = withPayload(env, func(p message.Heartbeat) { h.heartbeat(p) })
	case message.EventSendMessage:
		err = withPayload(env, func(p message.SendMessage) { h.sendMessage(p) })
	case message.EventJoinRoom:
		err = withPayload(env, func(p message.Room) { h.joinRoom(s, p) })
	case message.EventLeaveRoom:
		err = withPayload(env, func(p message.Room) { h.leaveRoom(s, p) })
	default:
		err = fmt.Errorf("%w: unknown event %q", errs.ErrMalformedPayload, env.Event)
	}
	if err != nil {
		h.reject(s, env.Event, err)
	}
}

func withPayload[T interface{ Validate() error }](env message.Envelope, fn func(T)) error {
	payload, err := message.DecodeData[T](env)
	if err != nil {
		return err
	}
	fn(payload)
	return nil
}

func (h *Hub) reject(s *Session, event string, err error) {
	h.metrics.rejected(h.ctx, event)
	detail := err.Error()
	if event != "" {
		detail = event + ": " + detail
	}
	h.logger.WithField("session", s.ID).LogEvent("warn", "payload_rejected", s.ID, detail)

	reason := err.Error()
	if errors.Is(err, errRateLimited) {
		reason = "rate limit exceeded"
	}
	h.sendError(s, reason)
}

func (h *Hub) sendError(s *Session, reason string) {
	frame, err := message.Encode(message.EventError, reason)
	if err != nil {
		return
	}
	h.deliver(s, frame)
}

func (h *Hub) send(s *Session, event string, data interface{}) {
	frame, err := message.Encode(event, data)
	if err != nil {
		h.logger.Errorf("failed to encode %s: %v", event, err)
		return
	}
	h.deliver(s, frame)
}

func (h *Hub) subscribe(s *Session, p message.Subscribe) {
	if h.registry.Join(p.Channel, s.ID) {
		h.logger.LogEvent("debug", "channel_joined", s.ID, p.Channel)
	}
	if p.UserID == "" {
		return
	}

	entry := h.presence.Upsert(p.Channel, p.UserID, s.ID, p.UserInfo)
	h.announce(p.Channel, message.PresenceEvent{
		Event:    message.PresenceJoin,
		Channel:  p.Channel,
		UserID:   p.UserID,
		Metadata: entry.Metadata,
	})
	h.send(s, message.EventPresence, message.PresenceEvent{
		Event:   message.PresenceSync,
		Channel: p.Channel,
		Users:   h.presence.Snapshot(p.Channel),
	})
}

func (h *Hub) unsubscribe(s *Session, p message.Unsubscribe) {
	if h.registry.Leave(p.Channel, s.ID) {
		h.logger.LogEvent("debug", "channel_left", s.ID, p.Channel)
	}
	if p.UserID == "" {
		return
	}
	if h.presence.Remove(p.Channel, p.UserID) {
		h.announce(p.Channel, message.PresenceEvent{
			Event:   message.PresenceLeave,
			Channel: p.Channel,
			UserID:  p.UserID,
		})
	}
}

// broadcast relays the payload verbatim as "<channel>:<event>". The sender
// receives its own broadcast if it is a member.
func (h *Hub) broadcast(p message.Broadcast) {
	frame, err := message.Encode(message.BroadcastEventName(p.Channel, p.Event), p.Payload)
	if err != nil {
		h.logger.Errorf("failed to encode broadcast for %s: %v", p.Channel, err)
		return
	}
	n := h.fanOut(p.Channel, frame)
	h.logger.Debugf("relayed %s:%s to %d sessions", p.Channel, p.Event, n)
}

func (h *Hub) heartbeat(p message.Heartbeat) {
	if !h.presence.Touch(p.Channel, p.UserID) {
		h.logger.Debugf("heartbeat for unknown user %s in %s", p.UserID, p.Channel)
	}
}

func (h *Hub) sendMessage(p message.SendMessage) {
	msg := message.Message{
		ID:       uuid.NewString(),
		RoomID:   p.RoomID,
		Text:     strings.TrimSpace(p.Text),
		UserID:   p.UserID,
		Username: p.Username,
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		msg.Timestamp = p.Timestamp.UTC()
	} else {
		msg.Timestamp = h.now().UTC()
	}

	frame, err := message.Encode(message.EventNewMessage, msg)
	if err != nil {
		h.logger.Errorf("failed to encode message for %s: %v", p.RoomID, err)
		return
	}
	n := h.fanOut(p.RoomID, frame)
	h.logger.LogEvent("debug", "message_relayed", p.UserID, fmt.Sprintf("%s to %d sessions", p.RoomID, n))
	h.archiver.submit(msg)
}

func (h *Hub) joinRoom(s *Session, p message.Room) {
	if h.registry.Join(p.RoomID, s.ID) {
		h.logger.LogEvent("debug", "channel_joined", s.ID, p.RoomID)
	}
}

func (h *Hub) leaveRoom(s *Session, p message.Room) {
	if h.registry.Leave(p.RoomID, s.ID) {
		h.logger.LogEvent("debug", "channel_left", s.ID, p.RoomID)
	}
}
