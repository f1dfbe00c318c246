package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/telemetry"
)

// WindowCounter counts hits per key inside a bounded time window.
// Implementations must be safe for concurrent use.
type WindowCounter interface {
	// Hit records one request for key and returns the number of requests
	// counted in the current window, including this one, and the time the
	// window resets.
	Hit(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

// SlidingWindow is an in-process WindowCounter. It weights the previous
// fixed window by how much of it still overlaps the sliding window.
type SlidingWindow struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	now     func() time.Time
	hits    int
}

type windowBucket struct {
	start time.Time
	prev  int
	curr  int
}

// sweepEvery bounds how often stale keys are dropped.
const sweepEvery = 1024

func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{buckets: make(map[string]*windowBucket), now: time.Now}
}

func (s *SlidingWindow) Hit(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := now.Truncate(window)

	s.hits++
	if s.hits%sweepEvery == 0 {
		s.sweep(start, window)
	}

	b, ok := s.buckets[key]
	switch {
	case !ok:
		b = &windowBucket{start: start}
		s.buckets[key] = b
	case b.start.Equal(start):
	case b.start.Add(window).Equal(start):
		b.prev, b.curr, b.start = b.curr, 0, start
	default:
		b.prev, b.curr, b.start = 0, 0, start
	}
	b.curr++

	overlap := 1 - float64(now.Sub(start))/float64(window)
	count := b.curr + int(math.Floor(float64(b.prev)*overlap))
	return count, start.Add(window), nil
}

// Len reports the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *SlidingWindow) sweep(start time.Time, window time.Duration) {
	for k, b := range s.buckets {
		if b.start.Add(window).Before(start) {
			delete(s.buckets, k)
		}
	}
}

// ThrottleConfig configures Throttle.
type ThrottleConfig struct {
	// Name labels the limiter in metrics and logs.
	Name    string
	Limit   int
	Window  time.Duration
	Counter WindowCounter
	// KeyFunc picks the caller key. Defaults to CallerKey.
	KeyFunc func(c echo.Context) string
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// CallerKey keys authenticated requests by principal and everything else
// by client IP.
func CallerKey(c echo.Context) string {
	if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
		return "p:" + p.TenantID + ":" + p.ID
	}
	return IPKey(c)
}

// IPKey keys every request by client IP. Limiters that run before
// authentication use it so rejected credentials are counted too.
func IPKey(c echo.Context) string {
	return "ip:" + c.RealIP()
}

// Throttle rejects callers that exceed cfg.Limit requests per cfg.Window
// with 429. A counter error lets the request through.
func Throttle(cfg ThrottleConfig) echo.MiddlewareFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = CallerKey
	}
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	limit := strconv.Itoa(cfg.Limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.Name + ":" + cfg.KeyFunc(c)
			count, reset, err := cfg.Counter.Hit(c.Request().Context(), key, cfg.Window)
			if err != nil {
				rid, _ := c.Get("request_id").(string)
				cfg.Logger.Error().Err(err).Str("request_id", rid).Str("limiter", cfg.Name).Msg("rate limit counter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			remaining := cfg.Limit - count
			if remaining < 0 {
				remaining = 0
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if count > cfg.Limit {
				retry := int(math.Ceil(time.Until(reset).Seconds()))
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				cfg.Metrics.Throttled(cfg.Name)
				return NewAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests")
			}
			return next(c)
		}
	}
}
