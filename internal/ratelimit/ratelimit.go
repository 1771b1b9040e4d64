// Package ratelimit provides token bucket rate limiting for the transfer API.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mulehunter/mulehunter/internal/syncutil"
)

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mulehunter",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	buckets *syncutil.StripedMap[bucket]
	now     func() time.Time
}

// New creates a new rate limiter. Call Run to evict idle buckets.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: syncutil.NewStripedMap[bucket](),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Run removes buckets idle for two minutes until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) cleanup() int {
	cutoff := l.now().Add(-2 * time.Minute)
	return l.buckets.Sweep(func(_ string, b bucket) bool {
		return b.lastCheck.Before(cutoff)
	})
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	allowed := false

	l.buckets.Update(key, func(b bucket, ok bool) (bucket, bool) {
		if !ok {
			allowed = true
			return bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}, true
		}

		elapsed := now.Sub(b.lastCheck).Seconds()
		b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
		if b.tokens > float64(l.cfg.BurstSize) {
			b.tokens = float64(l.cfg.BurstSize)
		}
		b.lastCheck = now

		if b.tokens >= 1 {
			b.tokens--
			allowed = true
		}
		return b, true
	})
	return allowed
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			rejectedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}
