package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "studybuddy:room:"
	DefaultTTL = 24 * time.Hour
)

// RedisCache keeps each room's messages in a capped Redis list. Idle rooms
// expire after the TTL.
type RedisCache struct {
	rdb   *redis.Client
	limit int64
	ttl   time.Duration
}

func NewRedisCache(rdb *redis.Client, limit int, ttl time.Duration) *RedisCache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, limit: int64(limit), ttl: ttl}
}

func roomKey(roomID string) string {
	return keyPrefix + roomID + ":messages"
}

func (c *RedisCache) Append(ctx context.Context, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomKey(msg.RoomID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -c.limit, -1)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append to %s: %v", errs.ErrPersistenceUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) Recent(ctx context.Context, roomID string) ([]message.Message, error) {
	key := roomKey(roomID)
	raw, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrPersistenceUnavailable, key, err)
	}

	msgs := make([]message.Message, 0, len(raw))
	for _, item := range raw {
		var msg message.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
