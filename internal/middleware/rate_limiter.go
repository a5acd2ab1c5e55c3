// Package middleware holds HTTP middleware shared by the API server.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces per-user request limits on the API. Ingest-heavy
// clients (signal appenders, dashboard pollers) get a minute-granularity
// sliding window; counts above the burst ceiling are rejected outright.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	limit   int
	burst   int
	logger  *log.Logger
	stopCh  chan struct{}
}

type window struct {
	count   int
	startAt time.Time
}

// RateLimitConfig sets the per-user thresholds. Zero values fall back to
// 300 requests per minute with a 2x burst ceiling.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 300
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.RequestsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   cfg.RequestsPerMinute,
		burst:   cfg.Burst,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow records one request for key and reports whether it is within limits.
// The count increment under RLock races benignly; the limit is soft.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.startAt) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()
		if count > rl.burst {
			rl.logger.Printf("rejecting %s: %d requests this minute (burst ceiling %d)", key, count, rl.burst)
			return false
		}
		return count <= rl.limit
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.startAt) <= time.Minute {
		w.count++
		return w.count <= rl.burst
	}
	rl.windows[key] = &window{count: 1, startAt: now}
	return true
}

// Middleware limits by the caller identity header. Unauthenticated requests
// share one bucket; the auth layer rejects them before any handler runs
// anyway.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User")
		if key == "" {
			key = "anonymous"
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"RATE_LIMITED","message":"request rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop terminates the background window cleanup.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.startAt) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stats exposes counters for the diagnostics endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]interface{}{
		"active_windows":      len(rl.windows),
		"requests_per_minute": rl.limit,
		"burst":               rl.burst,
	}
}
