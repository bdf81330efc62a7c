package controlplane

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter caps requests per client IP on the public endpoints. Each
// client gets a fixed window that starts with its first request.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type rateWindow struct {
	resetAt time.Time
	used    int
}

// NewRateLimiter allows limit requests per client in each window.
// Non-positive values fall back to 120 per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		clients: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	ok, _ := rl.take(ip)
	return ok
}

// take counts one request for key. When the limit is reached it returns the
// time left until the client's window resets.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.clients[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(rl.window)}
		rl.clients[key] = w
	}
	if w.used >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.used++
	return true, 0
}

// Prune forgets clients whose window has ended.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.take(clientIP(r))
		if !ok {
			secs := int((wait + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, since the service runs
// behind a proxy.
func clientIP(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
