// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter defaults.
const (
	DefaultRequestsPerMinute = 60
	DefaultBurst             = 10
	DefaultCleanup           = 5 * time.Minute // Interval for dropping idle buckets
	DefaultIdle              = 10 * time.Minute
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// MemoryLimiter is a per-key token bucket held in process memory.
type MemoryLimiter struct {
	perMinute int
	burst     int
	idle      time.Duration

	mu          sync.Mutex
	buckets     map[string]*bucket
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// bucket is one key's token bucket.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithRequestsPerMinute sets the sustained refill rate.
func WithRequestsPerMinute(n int) MemoryOption {
	return func(l *MemoryLimiter) {
		if n > 0 {
			l.perMinute = n
		}
	}
}

// WithBurst sets the bucket size.
func WithBurst(n int) MemoryOption {
	return func(l *MemoryLimiter) {
		if n > 0 {
			l.burst = n
		}
	}
}

// NewMemoryLimiter creates a token bucket limiter and starts its cleanup loop.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		perMinute:   DefaultRequestsPerMinute,
		burst:       DefaultBurst,
		idle:        DefaultIdle,
		buckets:     make(map[string]*bucket),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()
	return l
}

// Allow takes one token from the key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.burst)}
		l.buckets[key] = b
	}
	b.lastAccess = now

	d := Decision{Limit: l.burst}
	if b.limiter.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(math.Floor(b.limiter.TokensAt(now)))
		return d, nil
	}

	// Time until one token is back
	r := b.limiter.ReserveN(now, 1)
	d.RetryAfter = r.DelayFrom(now)
	r.CancelAt(now)
	return d, nil
}

// Close stops the cleanup loop.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.cleanupDone) })
	return nil
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case now := <-ticker.C:
			l.cleanup(now)
		}
	}
}

// cleanup drops buckets that have not been used for a while.
func (l *MemoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.idle)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// KeyExtractor derives the rate limit key from a request.
type KeyExtractor func(*http.Request) string

// RateLimit rejects requests over the limiter's budget with 429. A limiter
// error lets the request through. onLimited, if set, is called for every
// rejection.
func RateLimit(limiter Limiter, key KeyExtractor, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if onLimited != nil {
				onLimited(r)
			}
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"code":    "RATE_LIMITED",
					"message": "too many requests, retry later",
				},
			})
		})
	}
}
