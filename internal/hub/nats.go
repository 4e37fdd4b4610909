package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/nats-io/nats.go"
)

const (
	// MessageStream holds every chat message relayed by the hub.
	MessageStream      = "ROOM_MESSAGES"
	messageSubjects    = "rooms.*.messages"
	jetstreamRetention = 24 * time.Hour
)

// MessageSubject is the JetStream subject a room's messages are published on.
// Characters with meaning in NATS subjects are replaced.
func MessageSubject(roomID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, roomID)
	return "rooms." + token + ".messages"
}

// EnsureStream creates the message stream, or updates it if it exists.
func EnsureStream(js nats.JetStreamContext, log *logger.Logger) error {
	cfg := &nats.StreamConfig{
		Name:     MessageStream,
		Subjects: []string{messageSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   jetstreamRetention,
	}

	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", cfg.Name, err)
		}
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Infof("Created stream: %s", cfg.Name)
		return nil
	}

	if _, err := js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.Name, err)
	}
	log.Infof("Updated stream: %s", cfg.Name)
	return nil
}

// NatsMirror publishes relayed chat messages to JetStream.
type NatsMirror struct {
	js nats.JetStreamContext
}

func NewNatsMirror(js nats.JetStreamContext) *NatsMirror {
	return &NatsMirror{js: js}
}

func (m *NatsMirror) Append(ctx context.Context, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := MessageSubject(msg.RoomID)
	if _, err := m.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(msg.ID)); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", errs.ErrPersistenceUnavailable, subject, err)
	}
	return nil
}
