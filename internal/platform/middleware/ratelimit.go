package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts buckets that have not been touched for this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           10 * time.Minute,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// Limiter is a process-local set of token buckets. The HTTP middleware and
// the socket receive loops share one instance so a caller's budget covers
// both.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	cfg       RateLimitConfig
	now       func() time.Time
	lastSweep time.Time
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &Limiter{
		buckets:   make(map[string]*tokenBucket),
		cfg:       cfg,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

func (l *Limiter) bucket(key string) *tokenBucket {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if b.idleSince(now) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.BurstSize, now)
		l.buckets[key] = b
	}
	return b
}

// Allow spends one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).allow(l.now())
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateKey keys authenticated callers by identity and everyone else by IP.
func RateKey(c echo.Context) string {
	if iid, ok := c.Get("identity_id").(string); ok && iid != "" {
		return IdentityRateKey(iid)
	}
	return "ip:" + c.RealIP()
}

// IdentityRateKey is the bucket key for an authenticated identity. Socket
// receive loops use it so HTTP and socket traffic share one budget.
func IdentityRateKey(identityID string) string {
	return "identity:" + identityID
}

// RateLimit must run after authentication for identity keying to apply.
func RateLimit(l *Limiter) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.cfg.RequestsPerSecond, 'f', 0, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			b := l.bucket(RateKey(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !b.allow(l.now()) {
				h.Set("Retry-After", strconv.Itoa(b.retryAfter()))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
