package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cafe/dispatch-service/internal/clock"
)

func TestRateLimiterRefills(t *testing.T) {
	clk := clock.NewFake(now)
	limiter := NewRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 2, Clock: clk})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/staff", nil)
		req.RemoteAddr = "10.0.0.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if hit() != http.StatusNoContent || hit() != http.StatusNoContent {
		t.Fatalf("burst should be admitted")
	}
	if code := hit(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	clk.Advance(time.Second)
	if code := hit(); code != http.StatusNoContent {
		t.Fatalf("expected a refilled token after one second, got %d", code)
	}

	clk.Advance(time.Hour)
	if removed := limiter.Prune(clk.Now().Add(-time.Minute)); removed != 1 {
		t.Fatalf("expected idle bucket to be pruned, removed %d", removed)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	if ip := clientIP(req); ip != "10.0.0.7" {
		t.Fatalf("unexpected ip %q", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.5" {
		t.Fatalf("unexpected forwarded ip %q", ip)
	}
}

func TestLoggingMiddlewareCountsErrors(t *testing.T) {
	before := requestsErrors.Value()
	h := LoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot || requestsErrors.Value() != before+1 {
		t.Fatalf("error not counted: %d", rec.Code)
	}
}
