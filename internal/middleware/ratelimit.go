package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a fixed-window rate limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// RateLimitConfig holds a named limit for one endpoint family.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

var (
	// AccountCreationLimit throttles registration to blunt bulk signups.
	AccountCreationLimit = RateLimitConfig{Limit: 5, Window: time.Hour}

	// LoginAttemptLimit slows credential stuffing.
	LoginAttemptLimit = RateLimitConfig{Limit: 10, Window: 15 * time.Minute}

	// OAuthInitLimit caps how often one IP can start the Google flow.
	OAuthInitLimit = RateLimitConfig{Limit: 10, Window: time.Minute}

	// WebSocketUpgradeLimit caps connection churn from one address.
	WebSocketUpgradeLimit = RateLimitConfig{Limit: 20, Window: time.Minute}
)

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    config.Limit,
		window:   config.Window,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the key may proceed, along with how many
// requests remain in the current window and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	kept := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rl.requests[key] = kept

	resetTime := now.Add(rl.window)
	if len(kept) > 0 {
		resetTime = kept[0].Add(rl.window)
	}

	if len(kept) >= rl.limit {
		return false, 0, resetTime
	}

	rl.requests[key] = append(kept, now)
	return true, rl.limit - len(rl.requests[key]), resetTime
}

// cleanup drops idle keys so the map does not grow without bound.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = kept
			}
		}
		rl.mu.Unlock()
	}
}

// GetClientIP extracts the client address, honoring proxy headers.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPRateLimitMiddleware enforces the limiter per client IP and reports
// the window state through X-RateLimit headers.
func IPRateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)

			allowed, remaining, resetTime := limiter.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetTime).Seconds())+1))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
