package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(time.Minute, nil)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("verify:1.2.3.4", 5), "request %d", i+1)
	}
	assert.False(t, rl.Allow("verify:1.2.3.4", 5))
	assert.True(t, rl.Allow("verify:5.6.7.8", 5), "other clients are unaffected")
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(20*time.Millisecond, nil)

	for i := 0; i < 3; i++ {
		rl.Allow("k", 3)
	}
	assert.False(t, rl.Allow("k", 3))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("k", 3), "allowed again once the window closes")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(time.Minute, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	verify := RateLimit(rl, "verify", 2)(ok)
	wallet := RateLimit(rl, "wallet", 2)(ok)

	do := func(h http.Handler) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(verify).Code)
	assert.Equal(t, http.StatusOK, do(verify).Code)
	rec := do(verify)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, do(wallet).Code, "buckets count separately")
}

func TestRateLimitIgnoresSpoofedForwardingHeaders(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	rl := NewRateLimiter(time.Minute, proxies)
	h := RateLimit(rl, "verify", 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(remote, forwarded string) int {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		req.Header.Set("CF-Connecting-IP", forwarded)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// A direct client rotating the headers is still one client.
	for i, fake := range []string{"1.1.1.1", "2.2.2.2"} {
		if code := do("203.0.113.9:4000", fake); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, code, http.StatusOK)
		}
	}
	if code := do("203.0.113.9:4000", "3.3.3.3"); code != http.StatusTooManyRequests {
		t.Errorf("rotated header status = %d, want %d", code, http.StatusTooManyRequests)
	}

	// Behind the trusted proxy each forwarded client counts on its own.
	for _, client := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		if code := do("10.1.2.3:443", client); code != http.StatusOK {
			t.Errorf("client %s via proxy: status = %d, want %d", client, code, http.StatusOK)
		}
	}
}
