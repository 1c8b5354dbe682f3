package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// visitor is one caller's token bucket.
type visitor struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// take refills from elapsed time, then spends one token. When the bucket is
// empty it reports how many whole seconds until a token accrues.
func (v *visitor) take(rate, burst float64, now time.Time) (ok bool, retryAfter int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.tokens += now.Sub(v.lastSeen).Seconds() * rate
	if v.tokens > burst {
		v.tokens = burst
	}
	v.lastSeen = now

	if v.tokens >= 1 {
		v.tokens--
		return true, 0
	}
	if rate <= 0 {
		return false, 1
	}
	return false, int((1-v.tokens)/rate) + 1
}

// limiter tracks per-key visitors and sweeps ones that have gone quiet so an
// address scan cannot grow the map without bound.
type limiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

const (
	sweepInterval = time.Minute
	visitorIdle   = 3 * time.Minute
)

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		rate:      cfg.RequestsPerSecond,
		burst:     float64(cfg.BurstSize),
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

func (l *limiter) visitor(key string, now time.Time) *visitor {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepInterval {
		for k, v := range l.visitors {
			v.mu.Lock()
			idle := now.Sub(v.lastSeen) > visitorIdle
			v.mu.Unlock()
			if idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{tokens: l.burst, lastSeen: now}
		l.visitors[key] = v
	}
	return v
}

// RateLimit returns a rate limiting middleware keyed by authenticated
// subject when available, falling back to remote IP. Each key gets its own
// token bucket, so one noisy caller cannot starve a shared NAT address.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if sub, ok := c.Get("auth_subject").(string); ok && sub != "" {
				key = sub + ":" + key
			}

			now := time.Now()
			ok, retryAfter := l.visitor(key, now).take(l.rate, l.burst, now)

			c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64))
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
