package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket per client IP. Tokens refill
// continuously at rate per second up to burst.
type RateLimiter struct {
	requests     map[string]*bucket
	mu           sync.Mutex
	rate         float64
	burst        float64
	maxCacheSize int // maximum number of IPs to track
	idleAfter    time.Duration
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// bursts of up to burst. Close stops its cleanup goroutine.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		burst:        float64(burst),
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	// a bucket idle this long is full again and can be forgotten
	rl.idleAfter = time.Duration(float64(burst)/rate*float64(time.Second)) + time.Minute

	go rl.cleanup()

	return rl
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.burst - 1, lastRefill: now}
		return true
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// evictOldest drops idle entries, then 10% of whatever remains if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.dropIdle(now)

	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := len(rl.requests) / 10
		removed := 0
		for ip := range rl.requests {
			delete(rl.requests, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

func (rl *RateLimiter) dropIdle(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.idleAfter {
			delete(rl.requests, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(getClientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getClientIP uses RemoteAddr only; X-Forwarded-For is client-controlled.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.dropIdle(rl.now())
			rl.mu.Unlock()
		}
	}
}
