package session

import (
	"fmt"
	"math"
	"sync"
	"time"

	"parley/internal/config"
)

// RateLimiter is a fixed-window request counter keyed by user.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter returns nil when limiting is disabled; a nil limiter allows
// everything.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if !cfg.Enabled || cfg.Requests <= 0 || cfg.WindowSecs <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:   cfg.Requests,
		window:  time.Duration(cfg.WindowSecs) * time.Second,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow counts a request for key. When the window is full it returns false
// and the time until the window resets.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok || now.Sub(w.start) >= r.window {
		r.windows[key] = &window{start: now, count: 1}
		r.gc(now)
		return true, 0
	}
	if w.count >= r.limit {
		return false, w.start.Add(r.window).Sub(now)
	}
	w.count++
	return true, 0
}

// gc drops expired windows once the map grows. Caller holds r.mu.
func (r *RateLimiter) gc(now time.Time) {
	if len(r.windows) < 1024 {
		return
	}
	for k, w := range r.windows {
		if now.Sub(w.start) >= r.window {
			delete(r.windows, k)
		}
	}
}

// RetryMessage is the user-facing rejection text.
func RetryMessage(retryAfter time.Duration) string {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Too many requests. Try again in %ds.", secs)
}
