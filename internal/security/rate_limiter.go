package security

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raaihank/pii-gateway/internal/config"
	"golang.org/x/time/rate"
)

const idleBucketTTL = time.Hour

// RateLimiter applies a per-client token bucket
type RateLimiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(cfg.RequestsPerMin, 1)
	}
	return &RateLimiter{
		enabled: cfg.Enabled && cfg.RequestsPerMin > 0,
		limit:   rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.enabled {
		return true
	}
	now := r.now()
	return r.get(clientID, now).AllowN(now, 1)
}

// RetryAfter estimates how long the client should wait for the next token
func (r *RateLimiter) RetryAfter(clientID string) time.Duration {
	if !r.enabled {
		return 0
	}
	now := r.now()
	res := r.get(clientID, now).ReserveN(now, 1)
	defer res.CancelAt(now)
	if !res.OK() {
		return time.Minute
	}
	return res.DelayFrom(now)
}

func (r *RateLimiter) get(clientID string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[clientID] = c
	}
	c.lastSeen = now
	return c.limiter
}

// CleanupOldBuckets removes clients idle for longer than an hour
func (r *RateLimiter) CleanupOldBuckets() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idleBucketTTL)
	removed := 0
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine periodically evicts idle clients until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.CleanupOldBuckets()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Middleware rejects over-limit clients with 429
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := ClientIP(req)
		if !r.Allow(id) {
			secs := int(r.RetryAfter(id).Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ClientIP returns the first forwarded address or the remote host
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
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
