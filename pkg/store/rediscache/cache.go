// Package rediscache wraps a store.Store with a Redis read-through cache for
// the Learning Engine's pattern lookups (spec §4.9 "pattern cache: in-memory,
// TTL 60s") and a fast-path fingerprint-cooldown check (spec §4.5). Postgres
// remains the durable source of truth and the only place fingerprint
// admission atomicity is enforced — a Redis outage degrades lookup latency,
// never correctness.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/store"
)

// patternTTL is the pattern-cache lifetime named in spec §4.9.
const patternTTL = 60 * time.Second

// Cache decorates a store.Store with Redis-backed read-through caching.
// It embeds the underlying store so every method the cache doesn't override
// passes straight through.
type Cache struct {
	store.Store
	rdb *redis.Client
	log *logrus.Logger
}

// New wraps underlying with a Redis-backed pattern/fingerprint cache.
func New(underlying store.Store, rdb *redis.Client, log *logrus.Logger) *Cache {
	return &Cache{Store: underlying, rdb: rdb, log: log}
}

func patternCacheKey(alertName, symptomFingerprint string) string {
	return "warden:pattern:" + alertName + ":" + symptomFingerprint
}

// GetPattern checks the Redis cache before falling back to the underlying
// store, caching a found pattern (misses are not cached, since a miss
// becoming a hit after pattern learning must be visible immediately).
func (c *Cache) GetPattern(ctx context.Context, alertName, symptomFingerprint string) (store.Pattern, bool, error) {
	key := patternCacheKey(alertName, symptomFingerprint)

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		var p store.Pattern
		if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
			return p, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.WithError(err).Warn("pattern cache read failed, falling back to store")
	}

	p, found, err := c.Store.GetPattern(ctx, alertName, symptomFingerprint)
	if err != nil || !found {
		return p, found, err
	}
	c.setPatternCache(ctx, key, p)
	return p, true, nil
}

func (c *Cache) setPatternCache(ctx context.Context, key string, p store.Pattern) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, patternTTL).Err(); err != nil {
		c.log.WithError(err).Warn("pattern cache write failed")
	}
}

// UpsertPatternSuccess writes through to the underlying store then
// invalidates the cache entry so the next read observes the new count
// immediately rather than waiting out the TTL.
func (c *Cache) UpsertPatternSuccess(ctx context.Context, alertName, symptomFingerprint string, commands []string, at time.Time) error {
	if err := c.Store.UpsertPatternSuccess(ctx, alertName, symptomFingerprint, commands, at); err != nil {
		return err
	}
	c.invalidatePattern(ctx, alertName, symptomFingerprint)
	return nil
}

// RecordPatternFailure writes through and invalidates, mirroring
// UpsertPatternSuccess.
func (c *Cache) RecordPatternFailure(ctx context.Context, alertName, symptomFingerprint string, at time.Time) error {
	if err := c.Store.RecordPatternFailure(ctx, alertName, symptomFingerprint, at); err != nil {
		return err
	}
	c.invalidatePattern(ctx, alertName, symptomFingerprint)
	return nil
}

func (c *Cache) invalidatePattern(ctx context.Context, alertName, symptomFingerprint string) {
	if err := c.rdb.Del(ctx, patternCacheKey(alertName, symptomFingerprint)).Err(); err != nil {
		c.log.WithError(err).Warn("pattern cache invalidation failed")
	}
}

func fingerprintFastPathKey(fingerprint string) string { return "warden:fp:" + fingerprint }

// Admit consults Redis for a fast "definitely within cooldown" rejection
// before delegating to the underlying store's atomic conditional upsert,
// which remains the single source of truth for admission (spec §4.5). A
// Redis miss never admits on its own — it only short-circuits a deny.
func (c *Cache) Admit(ctx context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error) {
	key := fingerprintFastPathKey(fingerprint)

	if ttl, err := c.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		admittedAt, _ := c.rdb.Get(ctx, key).Result()
		var at time.Time
		_ = at.UnmarshalText([]byte(admittedAt))
		return false, at, nil
	}

	admitted, priorAt, err := c.Store.Admit(ctx, fingerprint, cooldown)
	if err != nil {
		return false, priorAt, err
	}
	if admitted {
		marshaled, _ := priorAt.MarshalText()
		if err := c.rdb.Set(ctx, key, marshaled, cooldown).Err(); err != nil {
			c.log.WithError(err).Warn("fingerprint fast-path cache write failed")
		}
	}
	return admitted, priorAt, nil
}
