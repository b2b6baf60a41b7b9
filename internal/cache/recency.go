// Package cache implements a read-through cache in front of the
// conversation store's recent(n) query. It is purely a latency
// optimization: correctness never depends on it, and a dead Redis
// degrades to store-only reads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/divanvisagie/reservoir/internal/models"
)

// ttl bounds how long a cached recent() page survives without being
// invalidated; it's a backstop against a missed Invalidate call, not the
// primary invalidation mechanism.
const ttl = 5 * time.Minute

// RecencyCache is a read-through cache in front of ConversationStore.Recent.
type RecencyCache struct {
	client *redis.Client
}

// NewRecencyCache dials addr/db and verifies connectivity before returning.
func NewRecencyCache(ctx context.Context, addr, password string, db int) (*RecencyCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RecencyCache{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *RecencyCache) Close() error { return c.client.Close() }

// HealthCheck reports whether the connection to Redis is still usable.
func (c *RecencyCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func key(partition, instance string, n int) string {
	return fmt.Sprintf("reservoir:recent:%s:%s:%d", partition, instance, n)
}

// Get returns a cached page of recent messages, or (nil, false) on a miss.
// A cache read failure is treated as a miss rather than propagated, since
// this cache is purely a latency optimization.
func (c *RecencyCache) Get(ctx context.Context, partition, instance string, n int) ([]models.Message, bool) {
	raw, err := c.client.Get(ctx, key(partition, instance, n)).Bytes()
	if err != nil {
		return nil, false
	}
	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

// Set stores a page of recent messages. Errors are swallowed for the same
// reason as Get: the cache is never load-bearing for correctness.
func (c *RecencyCache) Set(ctx context.Context, partition, instance string, n int, messages []models.Message) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return
	}
	c.client.Set(ctx, key(partition, instance, n), raw, ttl)
}

// Invalidate drops every cached recency page for (partition, instance),
// since store_message changes what "recent" means for every n. Reservoir
// does not track which specific n values are cached, so it scans the
// partition/instance's key prefix rather than keeping a side index.
func (c *RecencyCache) Invalidate(ctx context.Context, partition, instance string) {
	pattern := fmt.Sprintf("reservoir:recent:%s:%s:*", partition, instance)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}
