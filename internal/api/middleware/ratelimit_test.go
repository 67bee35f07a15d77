package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	// Bucket drained; refill takes real time.
	assert.False(t, rl.Allow())
}

func TestRateLimiter_DefaultRPS(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.Equal(t, float64(1000), rl.maxTokens)
}

func TestDeviceRateLimiter_IsolatesKeys(t *testing.T) {
	drl := NewDeviceRateLimiter(1)

	assert.True(t, drl.GetLimiter("worker-a").Allow())
	assert.False(t, drl.GetLimiter("worker-a").Allow())
	// A different device carries its own bucket.
	assert.True(t, drl.GetLimiter("worker-b").Allow())
}

func TestDeviceRateLimiter_ReusesLimiter(t *testing.T) {
	drl := NewDeviceRateLimiter(10)
	assert.Same(t, drl.GetLimiter("worker-a"), drl.GetLimiter("worker-a"))
}

func TestRateLimit_Middleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(1)(next)

	send := func(deviceID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if deviceID != "" {
			req.Header.Set("X-Device-ID", deviceID)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("worker-a").Code)

	rec := send("worker-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too Many Requests","message":"rate limit exceeded"}`, rec.Body.String())

	// Another device is unaffected by the exhausted bucket.
	assert.Equal(t, http.StatusOK, send("worker-b").Code)
}

func TestRateLimit_FallsBackToClientAddress(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(1)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
