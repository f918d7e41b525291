package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit defines a fixed-window rate limit.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

var (
	// APIReadLimit covers the REST read surface per IP.
	APIReadLimit = Limit{MaxRequests: 120, Window: time.Minute}

	// WebSocketUpgradeLimit bounds reconnect storms per IP.
	WebSocketUpgradeLimit = Limit{MaxRequests: 20, Window: time.Minute}
)

type window struct {
	count int
	until time.Time
}

// RateLimiter tracks per-key fixed windows with periodic cleanup.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cleanup *time.Ticker
	done    chan struct{}
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		cleanup: time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-rl.cleanup.C:
				rl.sweep()
			case <-rl.done:
				return
			}
		}
	}()
	return rl
}

func (rl *RateLimiter) Stop() {
	rl.cleanup.Stop()
	close(rl.done)
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for key, w := range rl.windows {
		if now.After(w.until) {
			delete(rl.windows, key)
		}
	}
}

// Allow reports whether the request fits the limit and how many
// requests remain in the current window.
func (rl *RateLimiter) Allow(key string, l Limit) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.until) {
		w = &window{count: 1, until: now.Add(l.Window)}
		rl.windows[key] = w
		return true, l.MaxRequests - 1, w.until
	}
	if w.count >= l.MaxRequests {
		return false, 0, w.until
	}
	w.count++
	return true, l.MaxRequests - w.count, w.until
}

// Middleware enforces the limit per client IP.
func (rl *RateLimiter) Middleware(l Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, reset := rl.Allow(clientIP(r), l)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
