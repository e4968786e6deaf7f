package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	rl := NewLimiter(cfg)
	t.Cleanup(rl.Stop)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestLimiterAllow(t *testing.T) {
	rl, clock := newTestLimiter(t, Config{RequestsPerMinute: 3})

	for i := range 3 {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("fourth request in the window should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other clients have their own window")
	}

	// A client that keeps hammering still gets a fresh window.
	*clock = clock.Add(30 * time.Second)
	if rl.Allow("10.0.0.1") {
		t.Fatal("still inside the first window")
	}
	*clock = clock.Add(31 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("new window should allow the request")
	}

	if got := rl.GetMetrics(); got.Rejected != 2 || got.ClientCount != 2 {
		t.Fatalf("unexpected metrics: %+v", got)
	}
}

func TestLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(t, Config{RequestsPerMinute: 3})
	rl.Allow("10.0.0.1")
	*clock = clock.Add(11 * time.Minute)
	rl.Allow("10.0.0.2")

	if removed := rl.cleanupStaleEntries(); removed != 1 {
		t.Fatalf("expected 1 stale client removed, got %d", removed)
	}
	if got := rl.GetMetrics().ClientCount; got != 1 {
		t.Fatalf("expected 1 tracked client, got %d", got)
	}
}

func TestMiddlewareLimitsConfiguredMethods(t *testing.T) {
	rl, _ := newTestLimiter(t, Config{RequestsPerMinute: 1, Methods: []string{http.MethodPost}})
	handler := rl.Middleware(
		func(*http.Request) string { return "10.0.0.1" },
		nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodPost, http.StatusNoContent},
		{http.MethodPost, http.StatusTooManyRequests},
		{http.MethodGet, http.StatusNoContent},
		{http.MethodGet, http.StatusNoContent},
	}
	for i, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tt.method, "/", nil))
		if rec.Code != tt.want {
			t.Fatalf("request %d (%s): expected %d, got %d", i, tt.method, tt.want, rec.Code)
		}
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Fatal("expected Retry-After header")
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rl := NewLimiter(DefaultConfig())
	rl.Stop()
	rl.Stop()
}
