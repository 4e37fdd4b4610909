// Package history keeps the most recent chat messages of each room.
package history

import (
	"context"
	"sync"

	"github.com/erilali/studybuddy/internal/message"
)

// DefaultLimit is how many messages are kept per room.
const DefaultLimit = 100

// Cache stores recent messages per room. Recent returns them oldest first.
type Cache interface {
	Append(ctx context.Context, msg message.Message) error
	Recent(ctx context.Context, roomID string) ([]message.Message, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	limit int
	rooms map[string][]message.Message
}

func NewMemoryCache(limit int) *MemoryCache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryCache{
		limit: limit,
		rooms: make(map[string][]message.Message),
	}
}

func (c *MemoryCache) Append(_ context.Context, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := append(c.rooms[msg.RoomID], msg)
	if over := len(msgs) - c.limit; over > 0 {
		msgs = append([]message.Message(nil), msgs[over:]...)
	}
	c.rooms[msg.RoomID] = msgs
	return nil
}

func (c *MemoryCache) Recent(_ context.Context, roomID string) ([]message.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.rooms[roomID]
	out := make([]message.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
