package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window request limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*bucket
	rate     int
	window   time.Duration
	// maxClients bounds the number of tracked IPs.
	maxClients int
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	tokens      int
	windowStart time.Time
}

// NewRateLimiter allows rate requests per window for each client.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:   make(map[string]*bucket),
		rate:       rate,
		window:     window,
		maxClients: 10000,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from ip fits in its current window, and
// if not, how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.requests[ip]
	if !ok || now.Sub(b.windowStart) >= rl.window {
		if !ok && len(rl.requests) >= rl.maxClients {
			rl.evictLocked(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.rate - 1, windowStart: now}
		return true, 0
	}
	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, b.windowStart.Add(rl.window).Sub(now)
}

// evictLocked drops expired windows, then arbitrary entries down to 90%
// of capacity.
func (rl *RateLimiter) evictLocked(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.windowStart) >= rl.window {
			delete(rl.requests, ip)
		}
	}
	for ip := range rl.requests {
		if len(rl.requests) < rl.maxClients*9/10 {
			break
		}
		delete(rl.requests, ip)
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientIP uses the TCP peer address only; forwarded headers can be spoofed.
func clientIP(r *http.Request) string {
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
			now := rl.now()
			for ip, b := range rl.requests {
				if now.Sub(b.windowStart) >= 2*rl.window {
					delete(rl.requests, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
