package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter_Burst(t *testing.T) {
	l := NewMemoryLimiter(WithRequestsPerMinute(1), WithBurst(3))
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
	}

	d, _ := l.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatal("4th request should be limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within a minute", d.RetryAfter)
	}

	// Keys are independent
	if d, _ := l.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Error("other key should be allowed")
	}
}

func TestMemoryLimiter_Options(t *testing.T) {
	l := NewMemoryLimiter(WithRequestsPerMinute(0), WithBurst(-1))
	defer l.Close()

	if l.perMinute != DefaultRequestsPerMinute || l.burst != DefaultBurst {
		t.Errorf("invalid options should keep defaults, got %d/%d", l.perMinute, l.burst)
	}
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()

	_, _ = l.Allow(context.Background(), "old")
	l.mu.Lock()
	l.buckets["old"].lastAccess = time.Now().Add(-2 * DefaultIdle)
	l.mu.Unlock()
	_, _ = l.Allow(context.Background(), "fresh")

	l.cleanup(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["old"]; ok {
		t.Error("idle bucket should be dropped")
	}
	if _, ok := l.buckets["fresh"]; !ok {
		t.Error("fresh bucket should be kept")
	}
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := NewMemoryLimiter(WithRequestsPerMinute(1), WithBurst(50))
	defer l.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Allow(context.Background(), "k"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

type stubLimiter struct {
	d   Decision
	err error
}

func (s stubLimiter) Allow(context.Context, string) (Decision, error) { return s.d, s.err }
func (s stubLimiter) Close() error                                      { return nil }

func TestRateLimit_Middleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	key := func(r *http.Request) string { return r.RemoteAddr }

	tests := []struct {
		name       string
		limiter    Limiter
		wantStatus int
		wantHook   bool
	}{
		{"allowed", stubLimiter{d: Decision{Allowed: true, Limit: 5, Remaining: 4}}, http.StatusNoContent, false},
		{"limited", stubLimiter{d: Decision{Limit: 5, RetryAfter: 1500 * time.Millisecond}}, http.StatusTooManyRequests, true},
		{"limiter down", stubLimiter{err: context.DeadlineExceeded}, http.StatusNoContent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooked := false
			h := RateLimit(tt.limiter, key, func(*http.Request) { hooked = true })(ok)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/x", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if hooked != tt.wantHook {
				t.Errorf("onLimited called = %v, want %v", hooked, tt.wantHook)
			}
			if rec.Code == http.StatusTooManyRequests {
				if got := rec.Header().Get("Retry-After"); got != "2" {
					t.Errorf("Retry-After = %q, want 2", got)
				}
				var body struct {
					Error struct{ Code string } `json:"error"`
				}
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error.Code != "RATE_LIMITED" {
					t.Errorf("body code = %q err=%v", body.Error.Code, err)
				}
			}
		})
	}
}

func TestNewRedisLimiter_Unreachable(t *testing.T) {
	_, err := NewRedisLimiter(context.Background(), "127.0.0.1:1", "", 0, 10, time.Minute)
	if err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	l := newRedisLimiter(client, 1, time.Minute)
	defer l.Close()

	h := RateLimit(l, func(*http.Request) string { return "k" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 while redis is down", i+1, rec.Code)
		}
	}
}

type recordedRequest struct {
	method, route string
	status        int
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) ObserveHTTP(method, route string, status int, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, recordedRequest{method, route, status})
}

func TestMetrics_RouteTemplate(t *testing.T) {
	obs := &requestLog{}
	r := mux.NewRouter()
	r.Use(Metrics(obs))
	r.HandleFunc("/api/projects/{projectId}/environment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/projects/a/environment", "/api/projects/b/environment"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	want := []recordedRequest{
		{http.MethodPost, "/api/projects/{projectId}/environment", http.StatusCreated},
		{http.MethodPost, "/api/projects/{projectId}/environment", http.StatusCreated},
		{http.MethodGet, "/health", http.StatusOK},
	}
	if len(obs.reqs) != len(want) {
		t.Fatalf("recorded %d requests, want %d", len(obs.reqs), len(want))
	}
	for i := range want {
		if obs.reqs[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, obs.reqs[i], want[i])
		}
	}
}
