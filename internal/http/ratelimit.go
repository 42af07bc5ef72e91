package http

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// RateLimiter enforces per-IP request rate limits using token bucket.
type RateLimiter struct {
	limiters    sync.Map   // key → *limiterEntry
	r           rate.Limit // refill rate (requests per second)
	burst       int        // max burst size
	lastCleanup atomic.Int64
	now         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewRateLimiter creates a rate limiter.
// rpm is requests per minute, burst is the max burst allowed.
// If rpm <= 0, the rate limiter is effectively disabled (always allows).
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	rl := &RateLimiter{r: r, burst: burst, now: time.Now}
	rl.lastCleanup.Store(rl.now().UnixNano())
	return rl
}

// Allow checks if a request from the given key is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.r == 0 {
		return true // disabled
	}
	now := rl.now()
	rl.maybeCleanup(now)

	entry := rl.getOrCreate(key)
	entry.lastSeen.Store(now.UnixNano())
	if !entry.limiter.AllowN(now, 1) {
		slog.Warn("security.rate_limited", "key", key)
		return false
	}
	return true
}

// Enabled returns true if the rate limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.r > 0
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{limiter: rate.NewLimiter(rl.r, rl.burst)}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

// maybeCleanup drops entries idle for 10 minutes, at most every 5 minutes.
// It runs inline so the limiter owns no goroutine.
func (rl *RateLimiter) maybeCleanup(now time.Time) {
	last := rl.lastCleanup.Load()
	if now.UnixNano()-last < int64(5*time.Minute) {
		return
	}
	if !rl.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-10 * time.Minute).UnixNano()
	rl.limiters.Range(func(key, value any) bool {
		if value.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) size() int {
	n := 0
	rl.limiters.Range(func(any, any) bool { n++; return true })
	return n
}

// clientIP returns the host part of RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Load().Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, protocol.ErrRateLimited, "too many requests")
			return
		}
		next(w, r)
	}
}
