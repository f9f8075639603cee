package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// RateDecision is the outcome of one rate limit check
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key. limit requests are allowed per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// RateLimiter is an in-process token bucket limiter. Each key refills at
// limit/window tokens per second up to limit.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit), lastUpdate: now}
		rl.buckets[key] = b
	}

	rate := float64(limit) / window.Seconds()
	b.tokens += now.Sub(b.lastUpdate).Seconds() * rate
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}
	b.lastUpdate = now

	d := RateDecision{Limit: limit}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)
	// Time until the bucket is full again.
	d.ResetAt = now.Add(time.Duration((float64(limit) - b.tokens) / rate * float64(time.Second)))
	return d, nil
}

// Cleanup removes buckets idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > maxIdle {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(2 * interval)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// KeyFunc picks the bucket key and its limit for a request
type KeyFunc func(r *http.Request) (key string, limit int)

// OrgKey limits per organization using the tier's hourly API allowance,
// falling back to per user and then per client IP with fallbackLimit.
func OrgKey(fallbackLimit int) KeyFunc {
	return func(r *http.Request) (string, int) {
		if org, ok := orgs.FromContext(r.Context()); ok {
			return "org:" + org.ID, orgs.QuotasForTier(orgs.TierFromContext(r.Context())).APIRequestsPerHour
		}
		if ac, ok := auth.FromContext(r.Context()); ok {
			return "user:" + ac.User.ID, fallbackLimit
		}
		return "ip:" + clientIP(r), fallbackLimit
	}
}

// IPKey limits per client IP
func IPKey(limit int) KeyFunc {
	return func(r *http.Request) (string, int) {
		return "ip:" + clientIP(r), limit
	}
}

// RateLimitMiddleware applies a Limiter to requests and sets X-RateLimit-* headers
type RateLimitMiddleware struct {
	limiter Limiter
	window  time.Duration
	keyFn   KeyFunc
	metrics *observability.Metrics
}

// NewRateLimitMiddleware creates a new rate limit middleware. metrics may be nil.
func NewRateLimitMiddleware(limiter Limiter, window time.Duration, keyFn KeyFunc, metrics *observability.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, window: window, keyFn: keyFn, metrics: metrics}
}

// Handler wraps an HTTP handler with rate limiting. Limiter errors fail open.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, limit := m.keyFn(r)
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		d, err := m.limiter.Allow(r.Context(), key, limit, m.window)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitedTotal.Inc()
			}
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, fmt.Sprintf("rate limit of %d requests exceeded", d.Limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For hop, X-Real-IP, or the peer address
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
