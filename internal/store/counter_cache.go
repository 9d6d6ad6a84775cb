package store

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterCache backs paginated listings with best-effort window counts so
// every page render does not re-run count(*) over the hypertable. Totals
// may be slightly stale; that is acceptable by contract.
//
// Redis is used when reachable; otherwise an in-process map with the same
// TTL discipline takes over (caller decides at construction, as main.go
// does for the other Redis-backed adapters).
type CounterCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger

	mu    sync.RWMutex
	local map[string]localCount
}

type localCount struct {
	value   int64
	expires time.Time
}

// NewCounterCache connects to Redis at addr. A failed ping degrades to the
// in-process fallback rather than failing startup.
func NewCounterCache(addr, password string, db int, ttl time.Duration) *CounterCache {
	c := &CounterCache{
		ttl:    ttl,
		logger: log.New(log.Writer(), "[COUNT-CACHE] ", log.LstdFlags),
		local:  make(map[string]localCount),
	}
	if ttl == 0 {
		c.ttl = 30 * time.Second
	}
	if addr == "" {
		c.logger.Printf("No Redis address configured, using in-process counter cache")
		return c
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		c.logger.Printf("Redis unreachable (%v), using in-process counter cache", err)
		return c
	}

	c.rdb = rdb
	c.logger.Printf("Counter cache backed by Redis at %s", addr)
	return c
}

func windowKey(start, end time.Time) string {
	return fmt.Sprintf("decaycloud:count:%d:%d", start.UnixMicro(), end.UnixMicro())
}

// Get returns a cached window count, or false on miss.
func (c *CounterCache) Get(ctx context.Context, start, end time.Time) (int64, bool) {
	key := windowKey(start, end)

	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return 0, false
		}
		if err != nil {
			// Degrade silently; the caller recounts.
			return 0, false
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[key]
	if !ok || time.Now().After(entry.expires) {
		return 0, false
	}
	return entry.value, true
}

// Put stores a window count with the cache TTL. Errors are best-effort.
func (c *CounterCache) Put(ctx context.Context, start, end time.Time, count int64) {
	key := windowKey(start, end)

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, strconv.FormatInt(count, 10), c.ttl).Err(); err != nil {
			c.logger.Printf("Cache put failed for %s: %v", key, err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = localCount{value: count, expires: time.Now().Add(c.ttl)}

	// Opportunistic sweep to keep the fallback map bounded.
	if len(c.local) > 4096 {
		now := time.Now()
		for k, v := range c.local {
			if now.After(v.expires) {
				delete(c.local, k)
			}
		}
	}
}

// RedisBacked reports whether the cache holds a live Redis connection,
// for health reporting.
func (c *CounterCache) RedisBacked() bool {
	return c.rdb != nil
}

// Close releases the Redis connection if one is held.
func (c *CounterCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// CountInWindowCached consults the cache before the store count.
func CountInWindowCached(ctx context.Context, events EventRepository, cache *CounterCache, start, end time.Time) (int64, error) {
	if cache != nil {
		if n, ok := cache.Get(ctx, start, end); ok {
			return n, nil
		}
	}
	n, err := events.CountInWindow(ctx, start, end)
	if err != nil {
		return 0, err
	}
	if cache != nil {
		cache.Put(ctx, start, end, n)
	}
	return n, nil
}
