package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/careguard/internal/platform/telemetry"
)

// LoginGuard limits credential attempts per client IP with a token bucket.
// It is local to the instance and sits in front of the shared Throttle.
type LoginGuard struct {
	mu       sync.Mutex
	limiters map[string]*guardEntry
	every    rate.Limit
	burst    int
	idle     time.Duration
	metrics  *telemetry.Metrics
	now      func() time.Time
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginGuard allows burst attempts at once and one more every interval.
func NewLoginGuard(interval time.Duration, burst int, metrics *telemetry.Metrics) *LoginGuard {
	return &LoginGuard{
		limiters: make(map[string]*guardEntry),
		every:    rate.Every(interval),
		burst:    burst,
		idle:     10 * time.Minute,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Allow reports whether ip may attempt a login now.
func (g *LoginGuard) Allow(ip string) bool {
	g.mu.Lock()
	now := g.now()
	e, ok := g.limiters[ip]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.every, g.burst)}
		g.limiters[ip] = e
	}
	e.lastSeen = now
	if len(g.limiters) > 4096 {
		g.evict(now)
	}
	g.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

func (g *LoginGuard) evict(now time.Time) {
	for ip, e := range g.limiters {
		if now.Sub(e.lastSeen) > g.idle {
			delete(g.limiters, ip)
		}
	}
}

func (g *LoginGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !g.Allow(c.RealIP()) {
				g.metrics.Throttled("login")
				c.Response().Header().Set("Retry-After", "60")
				return NewAPIError(http.StatusTooManyRequests, "rate_limited", "too many login attempts")
			}
			return next(c)
		}
	}
}
