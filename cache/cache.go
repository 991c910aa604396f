// Package cache provides an optional Redis-backed read-through cache for
// hot element and sequence lookups (§4.1/§4.7's current_sequence_id and
// single-ref current-version lookups). Uses the same URL-based client construction as the
// rest of the pack's go-redis consumers: a miss or stale entry always
// falls through to Postgres, so caching here never participates in the
// consistency invariants, only their latency.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osmng/editcore/model"
	"github.com/redis/go-redis/v9"
)

// Config configures the Redis cache connection.
type Config struct {
	RedisURL  string        // defaults to "redis://localhost:6379/0"
	KeyPrefix string        // defaults to "editcore:"
	TTL       time.Duration // defaults to 5s
}

// Cache is a thin, advisory read-through cache. Every method degrades to
// a cache miss on any Redis error rather than propagating it, since the
// caller always has a Postgres fallback.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and returns a Cache, or an error if the initial
// ping fails. Callers that want to run without a cache should simply not
// construct one — every Store method already tolerates a nil *Cache.
func New(ctx context.Context, config Config) (*Cache, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "editcore:"
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	return &Cache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) key(parts ...string) string {
	key := c.prefix
	for _, p := range parts {
		key += p + ":"
	}
	return key
}

// GetSequence returns the last cached current_sequence_id value, if any.
func (c *Cache) GetSequence(ctx context.Context) (int64, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, c.key("seq")).Int64()
	if err != nil {
		return 0, false
	}
	return val, true
}

// SetSequence caches the current_sequence_id value.
func (c *Cache) SetSequence(ctx context.Context, seq int64) {
	if c == nil {
		return
	}
	c.client.Set(ctx, c.key("seq"), seq, c.ttl)
}

// InvalidateSequence drops the cached current_sequence_id, called after
// any write so the next reader observes the new snapshot immediately
// rather than waiting out the TTL.
func (c *Cache) InvalidateSequence(ctx context.Context) {
	if c == nil {
		return
	}
	c.client.Del(ctx, c.key("seq"))
}

// GetElement returns the cached current version of ref, if present.
func (c *Cache) GetElement(ctx context.Context, ref model.ElementRef) (model.Element, bool) {
	if c == nil {
		return model.Element{}, false
	}
	raw, err := c.client.Get(ctx, c.elementKey(ref)).Bytes()
	if err != nil {
		return model.Element{}, false
	}
	var e model.Element
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Element{}, false
	}
	return e, true
}

// SetElement caches the current version of an element.
func (c *Cache) SetElement(ctx context.Context, e model.Element) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.elementKey(e.Ref), raw, c.ttl)
}

// InvalidateElements drops cached current-version entries for the given
// refs, called after a write touches them.
func (c *Cache) InvalidateElements(ctx context.Context, refs []model.ElementRef) {
	if c == nil || len(refs) == 0 {
		return
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = c.elementKey(r)
	}
	c.client.Del(ctx, keys...)
}

func (c *Cache) elementKey(ref model.ElementRef) string {
	return c.key("elem", ref.Type.String(), fmt.Sprintf("%d", ref.ID))
}
