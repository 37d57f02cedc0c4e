package message

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTimeout bounds every Redis round trip made by the store.
const redisTimeout = 2 * time.Second

// redisKey returns the Redis key for a room's message list.
func redisKey(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10) + ":messages"
}

// RedisStore persists messages in Redis using a list per room. Entries are
// stored in wire form so other consumers of the list can read them.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
	logger  *slog.Logger
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages per room.
func NewRedisStore(client redis.Cmdable, maxSize int) *RedisStore {
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
		logger:  slog.Default().With("component", "redis_store"),
	}
}

// Append adds a message to the room's list in Redis, trimming to maxSize.
func (s *RedisStore) Append(msg ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := json.Marshal(ToWire(msg))
	if err != nil {
		s.logger.Error("marshal message", "error", err)
		return
	}

	key := redisKey(msg.RoomID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxSize, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("append message", "room_id", msg.RoomID, "error", err)
	}
}

// Recent returns the last n messages for a room, oldest first. Entries that
// no longer decode are skipped.
func (s *RedisStore) Recent(roomID int64, n int) []ChatMessage {
	if n <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, redisKey(roomID), int64(-n), -1).Result()
	if err != nil {
		s.logger.Error("read recent messages", "room_id", roomID, "error", err)
		return nil
	}
	if len(vals) == 0 {
		return nil
	}

	msgs := make([]ChatMessage, 0, len(vals))
	for _, v := range vals {
		m, err := Decode([]byte(v))
		if err != nil {
			s.logger.Warn("skip undecodable entry", "room_id", roomID, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// DeleteRoom removes all stored messages for a room.
func (s *RedisStore) DeleteRoom(roomID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.client.Del(ctx, redisKey(roomID)).Err(); err != nil {
		s.logger.Error("delete room messages", "room_id", roomID, "error", err)
	}
}

// Count returns the number of stored messages for a room.
func (s *RedisStore) Count(roomID int64) int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, redisKey(roomID)).Result()
	if err != nil {
		s.logger.Error("count messages", "room_id", roomID, "error", err)
		return 0
	}
	return int(n)
}
