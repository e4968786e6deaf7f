package trace

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chitieu/internal/log"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Output: &buf, Component: log.ComponentApp})
	m := NewMiddleware(logger, func(*http.Request) string { return "198.51.100.4" })

	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		log.FromContext(r.Context()).InfoContext(r.Context(), "inside handler")
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groups/g1/members", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("expected generated request id, got %q", seen)
	}
	if rec.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("response header %q does not match context id %q", rec.Header().Get(HeaderRequestID), seen)
	}

	out := buf.String()
	if !strings.Contains(out, "inside handler") || strings.Count(out, "request_id="+seen) < 2 {
		t.Fatalf("expected handler and access logs to carry the request id:\n%s", out)
	}
	if !strings.Contains(out, "status_code=201") || !strings.Contains(out, "client_ip=198.51.100.4") {
		t.Fatalf("access log missing response fields:\n%s", out)
	}
}

func TestMiddlewareRequestIDFromUpstream(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"well formed", "edge-7f3a.42", true},
		{"unsafe characters", "abc\" injected=1", false},
		{"too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMiddleware(log.Discard(), nil)
			h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderRequestID, tt.incoming)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(HeaderRequestID)
			if (got == tt.incoming) != tt.keep {
				t.Fatalf("incoming %q, response id %q, keep=%v", tt.incoming, got, tt.keep)
			}
		})
	}
}

func TestMiddlewareMetrics(t *testing.T) {
	m := NewMiddleware(log.Discard(), nil)
	status := http.StatusOK
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("x"))
	}))

	for _, code := range []int{http.StatusOK, http.StatusServiceUnavailable, http.StatusInternalServerError} {
		status = code
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	got := m.GetMetrics()
	if got.TotalRequests != 3 || got.ServerErrors != 2 {
		t.Fatalf("unexpected metrics: %+v", got)
	}
}
