// Package store caches per-IMEI device facts (firmware, model, ICCID)
// learned from Codec 12 command responses, and tracks daily per-command
// quotas. It is not a telemetry store: AVL records are never written
// here, matching spec.md §1's non-goal of no persistent telemetry
// storage.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const factTTL = 30 * 24 * time.Hour

// Cache wraps a Redis client. Unlike the teacher's package-level rdb
// global, it is constructed explicitly and passed to collaborators.
type Cache struct {
	rdb *redis.Client
}

// New connects to addr/db and pings it, matching the teacher's
// InitRedis's fail-fast behavior.
func New(addr string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func factKey(imei, field string) string {
	return "dev:" + imei + ":" + field
}

// GetFact returns the last known value of field ("fw", "model", "iccid")
// for imei, or "" if absent.
func (c *Cache) GetFact(ctx context.Context, imei, field string) string {
	val, err := c.rdb.Get(ctx, factKey(imei, field)).Result()
	if err != nil {
		return ""
	}
	return val
}

// SaveFact stores field for imei with a long TTL — this is a cache of the
// device's last-reported facts, not a source of truth.
func (c *Cache) SaveFact(ctx context.Context, imei, field, value string) error {
	return c.rdb.Set(ctx, factKey(imei, field), value, factTTL).Err()
}

func dailyCounterKey(imei, cmd string) string {
	return "cmdquota:" + imei + ":" + cmd + ":" + time.Now().UTC().Format("20060102")
}

// IncrDailyCounter atomically increments today's counter for (imei, cmd),
// setting a 25-hour expiry on first increment, and reports whether the
// post-increment count is still within limit.
func (c *Cache) IncrDailyCounter(ctx context.Context, imei, cmd string, limit int) (allowed bool, count int64, err error) {
	key := dailyCounterKey(imei, cmd)
	count, err = c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		c.rdb.Expire(ctx, key, 25*time.Hour)
	}
	return count <= int64(limit), count, nil
}
