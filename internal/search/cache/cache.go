// Package cache provides a Redis-backed cache for serialized search result
// pages. The cache is an optional accelerator: when Redis is unreachable the
// library serves every query from the index directly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pakfur/metascan/pkg/redis"
)

const keyPrefix = "search:"

// QueryCache stores one serialized result page per (query, page size, cursor)
// combination. Entries expire on TTL and are flushed wholesale whenever the
// library mutates, since any ingest or delete can change any page.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
	logger *slog.Logger
}

// New creates a query cache over an established Redis client.
func New(client *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &QueryCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "query-cache"),
	}
}

// Key derives the cache key for one result page. The raw query is hashed so
// arbitrary user input never appears in the keyspace.
func (c *QueryCache) Key(query string, pageSize int, cursor string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", query, pageSize, cursor)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached page for the key, or false on a miss. Redis errors
// are treated as misses.
func (c *QueryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key)
	if err != nil {
		if !redis.IsNilError(err) {
			c.logger.Warn("cache get failed", "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return []byte(val), true
}

// Set stores a serialized page. Failures are logged and swallowed: a cache
// write error must never fail the search that produced the page.
func (c *QueryCache) Set(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, key, payload, c.ttl); err != nil {
		c.logger.Warn("cache set failed", "error", err)
	}
}

// Invalidate flushes every cached search page.
func (c *QueryCache) Invalidate(ctx context.Context) {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		c.logger.Warn("cache invalidation failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Debug("query cache invalidated", "keys", deleted)
	}
}

// Stats returns cumulative hit and miss counts for this process.
func (c *QueryCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
