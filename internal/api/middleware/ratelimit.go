package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
)

// RateLimiter implements a token bucket rate limiter
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter with the specified requests per second
func NewRateLimiter(rps int) *RateLimiter {
	if rps <= 0 {
		rps = 1000
	}
	return &RateLimiter{
		tokens:     float64(rps),
		maxTokens:  float64(rps),
		refillRate: float64(rps),
		lastRefill: time.Now(),
	}
}

// Allow checks if a request is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// DeviceRateLimiter maintains per-device rate limiters. Heartbeats and task
// pulls arrive per device, so the bucket key is the device rather than the
// client IP.
type DeviceRateLimiter struct {
	limiters map[string]*RateLimiter
	rps      int
	mu       sync.RWMutex
	cleanup  time.Duration
}

// NewDeviceRateLimiter creates a new per-device rate limiter
func NewDeviceRateLimiter(rps int) *DeviceRateLimiter {
	drl := &DeviceRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rps:      rps,
		cleanup:  5 * time.Minute,
	}
	go drl.cleanupLoop()
	return drl
}

func (drl *DeviceRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(drl.cleanup)
	defer ticker.Stop()
	for range ticker.C {
		drl.mu.Lock()
		drl.limiters = make(map[string]*RateLimiter)
		drl.mu.Unlock()
	}
}

// GetLimiter returns the rate limiter for a key
func (drl *DeviceRateLimiter) GetLimiter(key string) *RateLimiter {
	drl.mu.RLock()
	limiter, exists := drl.limiters[key]
	drl.mu.RUnlock()

	if exists {
		return limiter
	}

	drl.mu.Lock()
	defer drl.mu.Unlock()

	if limiter, exists = drl.limiters[key]; exists {
		return limiter
	}

	limiter = NewRateLimiter(drl.rps)
	drl.limiters[key] = limiter
	return limiter
}

// RateLimit returns a middleware that enforces per-caller rate limiting.
// The key is the device id header when present, the client address
// otherwise.
func RateLimit(rps int) func(next http.Handler) http.Handler {
	limiter := NewDeviceRateLimiter(rps)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Device-ID")
			if key == "" {
				key = r.Header.Get("X-Forwarded-For")
			}
			if key == "" {
				key = r.RemoteAddr
			}

			if !limiter.GetLimiter(key).Allow() {
				logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("caller", key).
					Msg("rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too Many Requests","message":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
