package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxVisitors bounds the per-ip table; the least recently seen client is
// forgotten first.
const maxVisitors = 10000

// rateLimiter is a sliding-window limiter keyed by client ip. Idle visitors
// age out of the table after two windows.
type rateLimiter struct {
	mu       sync.Mutex
	visitors *expirable.LRU[string, *visitor]
	rate     int           // requests allowed per window
	window   time.Duration // time window for rate limiting
	now      func() time.Time
}

// visitor tracks request timestamps for a single IP address
type visitor struct {
	mu       sync.Mutex
	requests []time.Time
}

// newRateLimiter creates a rate limiter that allows 'rate' requests per 'window'.
// Example: newRateLimiter(100, time.Minute, nil) allows 100 requests per minute per IP.
func newRateLimiter(rate int, window time.Duration, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		visitors: expirable.NewLRU[string, *visitor](maxVisitors, nil, 2*window),
		rate:     rate,
		window:   window,
		now:      now,
	}
}

// allow records a request from ip and reports whether it fits the window.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors.Get(ip)
	if !ok {
		v = &visitor{requests: make([]time.Time, 0, min(rl.rate, 64))}
	}
	// Re-adding refreshes the idle expiry.
	rl.visitors.Add(ip, v)
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.requests = kept

	if len(v.requests) >= rl.rate {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// retryAfter is how long until the oldest request in ip's window expires.
func (rl *rateLimiter) retryAfter(ip string) time.Duration {
	rl.mu.Lock()
	v, ok := rl.visitors.Get(ip)
	rl.mu.Unlock()
	if !ok {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.requests) == 0 {
		return 0
	}
	d := v.requests[0].Add(rl.window).Sub(rl.now())
	if d < 0 {
		return 0
	}
	return d
}

// getClientIP extracts the client's IP address from the request.
// X-Forwarded-For and X-Real-IP are consulted only behind a trusted proxy.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
