// Package cache keeps a short-lived Redis copy of recently ingested event
// descriptors. The cache is best-effort: Postgres remains the source of
// truth, and every operation degrades to a no-op when Redis is absent.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventTTL = time.Hour

// EventCache wraps a Redis client. A nil *EventCache is valid and inert,
// so callers never branch on whether caching is configured.
type EventCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis at redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*EventCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("New: parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("New: pinging redis: %w", err)
	}
	return &EventCache{rdb: client, logger: logger}, nil
}

func (c *EventCache) key(eventID string) string {
	return "event:" + eventID
}

// PutEvent stores the event descriptor under event:<id> for one hour.
// Failures are logged and swallowed.
func (c *EventCache) PutEvent(ctx context.Context, eventID string, descriptor any) {
	if c == nil || eventID == "" {
		return
	}
	raw, err := json.Marshal(descriptor)
	if err != nil {
		c.logger.Warn("event descriptor not serializable", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, c.key(eventID), raw, eventTTL).Err(); err != nil {
		c.logger.Warn("event cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// GetEvent loads a cached descriptor into dst. Returns false on miss or
// any Redis error.
func (c *EventCache) GetEvent(ctx context.Context, eventID string, dst any) bool {
	if c == nil || eventID == "" {
		return false
	}
	raw, err := c.rdb.Get(ctx, c.key(eventID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("event cache read failed", zap.String("event_id", eventID), zap.Error(err))
		}
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Close releases the underlying client.
func (c *EventCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
