// Package message contains the frames and payloads exchanged between relay
// sessions and the server.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
)

const Version = "1.0"

// Inbound event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventBroadcast   = "broadcast"
	EventHeartbeat   = "heartbeat"
	EventSendMessage = "send_message"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
)

// Outbound event names.
const (
	EventNewMessage = "new_message"
	EventPresence   = "presence"
	EventError      = "error"
)

// Presence sub-events carried in PresenceEvent.Event.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
	PresenceSync  = "sync"
)

// MaxTextLength bounds the text of a chat message, in runes.
const MaxTextLength = 2000

// MaxFrameSize is the smallest inbound frame limit that still fits a chat
// message of MaxTextLength runes when every rune arrives as an escaped
// surrogate pair (12 bytes), plus the envelope and other fields.
const MaxFrameSize = 32 << 10

// Envelope is the outer frame for every message on the wire.
type Envelope struct {
	Version string          `json:"version,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode builds a serialized envelope around data.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Version: Version, Event: event, Data: raw})
}

// Decode parses a frame. The event name is required.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", errs.ErrMalformedPayload)
	}
	return env, nil
}

// BroadcastEventName is the event name relayed broadcasts are delivered under.
func BroadcastEventName(channel, event string) string {
	return channel + ":" + event
}

type Subscribe struct {
	Channel  string                 `json:"channel"`
	UserID   string                 `json:"userId,omitempty"`
	UserInfo map[string]interface{} `json:"userInfo,omitempty"`
}

func (p Subscribe) Validate() error { return requireField("channel", p.Channel) }

type Unsubscribe struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId,omitempty"`
}

func (p Unsubscribe) Validate() error { return requireField("channel", p.Channel) }

type Broadcast struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p Broadcast) Validate() error {
	if err := requireField("channel", p.Channel); err != nil {
		return err
	}
	return requireField("event", p.Event)
}

type Heartbeat struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
}

func (p Heartbeat) Validate() error {
	if err := requireField("channel", p.Channel); err != nil {
		return err
	}
	return requireField("userId", p.UserID)
}

type SendMessage struct {
	RoomID    string     `json:"roomId"`
	Text      string     `json:"text"`
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p SendMessage) Validate() error {
	if err := requireField("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireField("userId", p.UserID); err != nil {
		return err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return fmt.Errorf("%w: text is required", errs.ErrMalformedPayload)
	}
	if len([]rune(text)) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", errs.ErrMalformedPayload, MaxTextLength)
	}
	return nil
}

// Room is the payload of join_room and leave_room.
type Room struct {
	RoomID string `json:"roomId"`
}

// UnmarshalJSON also accepts a bare string, which is how older socket
// clients send room ids.
func (r *Room) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.RoomID = id
		return nil
	}
	type plain Room
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Room(p)
	return nil
}

func (p Room) Validate() error { return requireField("roomId", p.RoomID) }

// Message is a chat message relayed to a room.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceEvent is the data of an outbound presence frame.
type PresenceEvent struct {
	Event    string                 `json:"event"`
	Channel  string                 `json:"channel"`
	UserID   string                 `json:"userId,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Users    interface{}            `json:"users,omitempty"`
}

// DecodeData unmarshals env.Data into a payload and validates it.
func DecodeData[T interface{ Validate() error }](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, fmt.Errorf("%w: %s has no data", errs.ErrMalformedPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", errs.ErrMalformedPayload, env.Event, err)
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	return payload, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", errs.ErrMalformedPayload, name)
	}
	return nil
}
