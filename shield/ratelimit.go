package shield

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window, per-client-IP limiter held in memory.
// Each IP may send MaxRequests within Window; the window starts at the
// first request. Paths matching an excluded prefix are never counted.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	exclude     []string

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per window per IP.
// maxRequests <= 0 disables limiting.
func NewRateLimiter(maxRequests int, window time.Duration, excludePrefixes ...string) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		exclude:     excludePrefixes,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}
}

// StartGC drops expired buckets every window until ctx is done.
func (rl *RateLimiter) StartGC(ctx context.Context) {
	interval := rl.window
	if interval < time.Minute {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// allow records one request from ip and reports whether it is within the
// limit, along with the time the current window resets.
func (rl *RateLimiter) allow(ip string) (bool, time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(rl.window)}
		rl.buckets[ip] = b
		return true, b.resetAt
	}
	b.count++
	return b.count <= rl.maxRequests, b.resetAt
}

// Middleware enforces the limit and answers 429 with the JSON envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.maxRequests <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		ok, resetAt := rl.allow(ip)
		w.Header().Set("RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		retry := int(time.Until(resetAt).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSONError(w, http.StatusTooManyRequests, "Demasiadas solicitudes, intenta más tarde")
	})
}

// ExtractIP returns the client IP from RemoteAddr. Run chi's RealIP first
// when the service sits behind a proxy.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
