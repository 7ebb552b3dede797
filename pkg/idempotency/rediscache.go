package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache is a Redis copy of completed responses kept beside a Store:
// it never participates in the requestHash conflict decision. Middleware
// writes each cached response to it with Set; nothing in the request path
// calls Get, so replays are always served from the Store's record.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResponseCache constructs a cache bound to an existing Redis client.
func NewResponseCache(client *redis.Client, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{client: client, ttl: ttl}
}

type cachedEntry struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Get returns a previously cached response body for key, if present.
func (c *ResponseCache) Get(ctx context.Context, key string) (status int, body []byte, found bool) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return 0, nil, false
	}
	var entry cachedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, nil, false
	}
	return entry.Status, entry.Body, true
}

// Set stores status/body for key, to be served by Get until ttl elapses.
// Failures are non-fatal: the database remains authoritative, so a Redis
// outage only degrades latency, never correctness.
func (c *ResponseCache) Set(ctx context.Context, key string, status int, body []byte) {
	raw, err := json.Marshal(cachedEntry{Status: status, Body: body})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(key), raw, c.ttl).Err()
}

func cacheKey(key string) string {
	return fmt.Sprintf("kernel:idempotency:%s", key)
}
