// ratelimit.go enforces per-client request limits. With Redis configured the
// limiter is GCRA via redis_rate, shared across instances; without it a
// per-process token bucket takes over. The client key prefers the
// authenticated tenant (one noisy tenant cannot starve others) and falls
// back to the client IP for unauthenticated traffic.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

// RateLimit returns the limiter middleware. rdb may be nil; the in-process
// bucket is used then.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 300
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute / 10
		if burst < 1 {
			burst = 1
		}
	}

	if rdb != nil {
		return redisRateLimit(rdb, perMinute, burst)
	}
	return localRateLimit(perMinute, burst)
}

func clientKey(c *gin.Context) string {
	if tenantID := c.GetString(TenantIDKey); tenantID != "" {
		return "tenant:" + tenantID
	}
	return "ip:" + c.ClientIP()
}

func tooManyRequests(c *gin.Context, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"code":           "rate_limited",
			"message":        "request rate limit exceeded",
			"correlation_id": c.GetString(RequestIDKey),
		},
	})
}

func redisRateLimit(rdb *redis.Client, perMinute, burst int) gin.HandlerFunc {
	limiter := redis_rate.NewLimiter(rdb)
	limit := redis_rate.Limit{Rate: perMinute, Burst: burst, Period: time.Minute}

	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), "ppa:rl:"+clientKey(c), limit)
		if err != nil {
			// A broken limiter backend must not take the API down with it.
			c.Next()
			return
		}
		if res.Allowed == 0 {
			tooManyRequests(c, res.RetryAfter)
			return
		}
		c.Next()
	}
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

func localRateLimit(perMinute, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		buckets = map[string]*bucket{}
	)
	refillPerSec := float64(perMinute) / 60

	return func(c *gin.Context) {
		key := clientKey(c)
		now := time.Now()

		mu.Lock()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{tokens: float64(burst), lastFill: now}
			buckets[key] = b
		}
		b.tokens += now.Sub(b.lastFill).Seconds() * refillPerSec
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
		b.lastFill = now

		allowed := b.tokens >= 1
		if allowed {
			b.tokens--
		}
		mu.Unlock()

		if !allowed {
			tooManyRequests(c, time.Duration(1/refillPerSec*float64(time.Second)))
			return
		}
		c.Next()
	}
}
