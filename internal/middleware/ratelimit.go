package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// RateLimiter counts requests per key in fixed windows. Counters expire with
// their window, so no sweeping is needed.
type RateLimiter struct {
	window  time.Duration
	counts  *cache.Cache
	proxies Proxies
}

// NewRateLimiter keys clients by address, believing forwarding headers only
// from proxies.
func NewRateLimiter(window time.Duration, proxies Proxies) *RateLimiter {
	return &RateLimiter{window: window, counts: cache.New(window, 2*window), proxies: proxies}
}

// Allow records one request for key and reports whether it is within limit.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if err := rl.counts.Add(key, 1, rl.window); err == nil {
		return limit > 0
	}
	n, err := rl.counts.IncrementInt(key, 1)
	if err != nil {
		// The window closed between Add and IncrementInt.
		rl.counts.Set(key, 1, rl.window)
		return limit > 0
	}
	return n <= limit
}

// RateLimit limits each client IP to limit requests per window. Buckets share
// a limiter but count separately.
func RateLimit(limiter *RateLimiter, bucket string, limit int) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(limiter.window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(bucket+":"+limiter.proxies.RealIP(r), limit) {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
