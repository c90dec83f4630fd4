// Package ratelimit provides a per-key token-bucket rate limiter for the
// node's HTTP query surface, keyed by remote address (graph queries have no
// authenticated caller identity at this layer — that lives in the
// out-of-scope API gateway in front of this node).
package ratelimit

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/robosystems/graphcore/infrastructure/logging"
)

// Limiter holds one token bucket per key, created lazily on first use.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   *logging.Logger
}

// New constructs a Limiter allowing requestsPerSecond sustained, bursting up
// to burst.
func New(requestsPerSecond float64, burst int, logger *logging.Logger) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 50
	}
	if burst <= 0 {
		burst = int(requestsPerSecond * 2)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[key]
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = b
	}
	return b
}

// Allow reports whether key may proceed, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).Allow()
}

// Handler wraps next with a 429 response for callers whose bucket is empty.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if !l.Allow(key) {
			if l.logger != nil {
				l.logger.Warn(r.Context(), "rate limit exceeded", map[string]interface{}{"remote_addr": key})
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BucketCount reports how many distinct keys currently hold a bucket.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
