// cache.go implements the classification cache. Keys are content
// fingerprints, so identical events hit regardless of which request carried
// them. singleflight collapses concurrent misses for the same key into one
// computation; Redis (when configured) shares entries across instances with
// an in-process map in front of it. A missing or failing Redis degrades to
// the local map, never to an error.
package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/telemetry"
	"github.com/projectpulse/audit-engine/pkg/fingerprint"
)

const redisKeyPrefix = "ppa:classify:"

// ClassifyFunc computes a classification on cache miss.
type ClassifyFunc func(ctx context.Context, e *models.AuditEvent) (*Classification, error)

type localEntry struct {
	verdict   *Classification
	expiresAt time.Time
}

// cacheEnvelope is the Redis wire form. It carries the absolute expiry so an
// instance adopting a shared entry inherits the remaining lifetime instead of
// restarting the TTL clock.
type cacheEnvelope struct {
	Verdict   *Classification `json:"verdict"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache is the TTL-bounded classification cache.
type Cache struct {
	ttl    time.Duration
	rdb    *redis.Client
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	local map[string]localEntry
}

// NewCache creates a cache. rdb may be nil for single-instance deployments;
// only the in-process map is used then.
func NewCache(ttl time.Duration, rdb *redis.Client, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{
		ttl:    ttl,
		rdb:    rdb,
		logger: logger,
		local:  map[string]localEntry{},
	}
}

// Key derives the cache key for an event from its immutable content.
func Key(e *models.AuditEvent) string {
	c := fingerprint.Content{
		TenantID:      e.TenantID,
		EventType:     e.EventType,
		Severity:      string(e.Severity),
		Timestamp:     e.Timestamp,
		ActionDetails: e.ActionDetails,
	}
	if e.ActingUser != nil {
		c.ActingUser = *e.ActingUser
	}
	if e.EntityType != nil {
		c.EntityType = *e.EntityType
	}
	if e.EntityID != nil {
		c.EntityID = *e.EntityID
	}
	return fingerprint.Compute(c)
}

// GetOrCompute returns the cached classification for the event, computing
// and caching it on miss. Concurrent misses for the same key share one
// computation. The second return reports whether the verdict came from cache.
func (c *Cache) GetOrCompute(ctx context.Context, e *models.AuditEvent, fn ClassifyFunc) (*Classification, bool, error) {
	key := Key(e)

	if verdict := c.lookup(ctx, key); verdict != nil {
		telemetry.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return verdict, true, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have filled the cache while we queued.
		if verdict := c.lookup(ctx, key); verdict != nil {
			return verdict, nil
		}
		verdict, err := fn(ctx, e)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, verdict)
		return verdict, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		telemetry.CacheRequestsTotal.WithLabelValues("coalesced").Inc()
	} else {
		telemetry.CacheRequestsTotal.WithLabelValues("miss").Inc()
	}
	return v.(*Classification), false, nil
}

// Invalidate drops a key from both cache layers. Used when a reviewer
// overrides a classification.
func (c *Cache) Invalidate(ctx context.Context, e *models.AuditEvent) {
	key := Key(e)
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
			c.logger.Warn("classification cache invalidate failed", "error", err)
		}
	}
}

func (c *Cache) lookup(ctx context.Context, key string) *Classification {
	c.mu.Lock()
	entry, ok := c.local[key]
	if ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.verdict
	}
	if ok {
		delete(c.local, key)
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("classification cache read failed", "error", err)
		}
		return nil
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("classification cache entry corrupted", "error", err)
		return nil
	}
	entry, ok = adoptEnvelope(env, time.Now())
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.local[key] = entry
	c.mu.Unlock()
	return entry.verdict
}

// adoptEnvelope converts a shared Redis entry into the local form. The local
// copy keeps the envelope's absolute expiry, so an entry never outlives the
// TTL set by whichever instance stored it.
func adoptEnvelope(env cacheEnvelope, now time.Time) (localEntry, bool) {
	if env.Verdict == nil || !now.Before(env.ExpiresAt) {
		return localEntry{}, false
	}
	return localEntry{verdict: env.Verdict, expiresAt: env.ExpiresAt}, true
}

func (c *Cache) store(ctx context.Context, key string, verdict *Classification) {
	expiresAt := time.Now().Add(c.ttl)
	c.mu.Lock()
	c.local[key] = localEntry{verdict: verdict, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(cacheEnvelope{Verdict: verdict, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("classification cache write failed", "error", err)
	}
}
