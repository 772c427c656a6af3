package middleware

import (
	"net/http"
	"sync"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per organization using the organization's
// configured rate. A rate of 0 means unlimited.
type RateLimiter struct {
	ttl      time.Duration
	mu       sync.Mutex
	limiters map[uuid.UUID]*cachedLimiter
	now      func() time.Time
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long a limiter is cached before the organization's
// settings are read again.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		ttl:      5 * time.Minute,
		limiters: make(map[uuid.UUID]*cachedLimiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware must run after AuthMiddleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org, ok := OrganizationFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if org.RateLimit > 0 && !rl.limiter(org).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) limiter(org *store.Organization) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cached, ok := rl.limiters[org.ID]; ok && now.Before(cached.expiresAt) {
		return cached.limiter
	}

	burst := org.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(org.RateLimit), burst)
	rl.limiters[org.ID] = &cachedLimiter{limiter: l, expiresAt: now.Add(rl.ttl)}
	return l
}
