// Package middleware holds HTTP middleware shared by the API surface.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles submission traffic per client using a sliding
// one-minute window. Judge runs are expensive, so admission is the one
// endpoint worth guarding.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	log     *slog.Logger
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter allows up to perMinute requests per client key each minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   perMinute,
		log:     slog.With("component", "ratelimit"),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether another request from key fits the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.limit {
		rl.log.Warn("rate limit exceeded", "key", key, "count", w.count, "limit", rl.limit)
		return false
	}
	return true
}

// Wrap applies the limiter to a handler, keyed by client address.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message": "Too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop ends the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// sweep drops stale windows so idle clients do not pin memory.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
