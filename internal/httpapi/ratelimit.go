package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cafe/dispatch-service/internal/clock"
)

type RateLimitConfig struct {
	PerMinute int
	Burst     int
	Clock     clock.Clock
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	rate   float64
	burst  float64
	bucket map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 60
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &RateLimiter{
		clock:  cfg.Clock,
		rate:   float64(cfg.PerMinute) / 60.0,
		burst:  float64(cfg.Burst),
		bucket: make(map[string]*bucket),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = minFloat(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// Prune drops buckets idle since before cutoff and reports how many went.
func (l *RateLimiter) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.bucket {
		if b.last.Before(cutoff) {
			delete(l.bucket, key)
			removed++
		}
	}
	return removed
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
