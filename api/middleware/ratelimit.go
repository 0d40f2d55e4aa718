package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP and a stricter bucket
// per user for order submissions.
type RateLimiter struct {
	config *RateLimitConfig

	buckets   map[string]*bucket
	bucketsMu sync.Mutex

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	// IP-based limits
	IPRequestsPerSecond int
	IPBurst             int

	// Order-specific limits (per user)
	OrdersPerSecond int
	OrderBurst      int

	// Cleanup
	CleanupInterval time.Duration
	BucketTTL       time.Duration
}

// DefaultRateLimitConfig returns default configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		IPRequestsPerSecond: 100,
		IPBurst:             200,

		OrdersPerSecond: 10,
		OrderBurst:      20,

		CleanupInterval: 5 * time.Minute,
		BucketTTL:       time.Hour,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	rl := &RateLimiter{
		config:        config,
		buckets:       make(map[string]*bucket),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		stopCh:        make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop stops the rate limiter
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.cleanupTicker.Stop()
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes buckets idle longer than the TTL
func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.config.BucketTTL)

	rl.bucketsMu.Lock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(threshold) {
			delete(rl.buckets, key)
		}
	}
	rl.bucketsMu.Unlock()
}

// getBucket gets or creates a bucket for a key
func (rl *RateLimiter) getBucket(key string, perSecond, burst int) *rate.Limiter {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}

	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		lastSeen: time.Now(),
	}
	rl.buckets[key] = b
	return b.limiter
}

// AllowIP checks if a request from an IP is allowed
func (rl *RateLimiter) AllowIP(ip string) bool {
	return rl.getBucket("ip:"+ip, rl.config.IPRequestsPerSecond, rl.config.IPBurst).Allow()
}

// AllowOrder checks if an order submission from a user is allowed
func (rl *RateLimiter) AllowOrder(userID string) bool {
	return rl.getBucket("order:"+userID, rl.config.OrdersPerSecond, rl.config.OrderBurst).Allow()
}

// BucketCount returns how many buckets are live
func (rl *RateLimiter) BucketCount() int {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	return len(rl.buckets)
}

// ============ HTTP Middleware ============

// RateLimitMiddleware creates an HTTP middleware for per-IP rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)

			if !rl.AllowIP(ip) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.IPRequestsPerSecond))
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests, please slow down",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClientIP extracts the client IP from the request
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	for i := len(ip) - 1; i >= 0; i-- {
		if ip[i] == ':' {
			return ip[:i]
		}
	}
	return ip
}
