package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestLimiter keeps one token bucket per key (device or client address).
type requestLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRequestLimiter(perSecond float64, burst int) *requestLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst < 1 {
		burst = 1
	}

	return &requestLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: map[string]*limiterEntry{},
	}
}

func (limiter *requestLimiter) Allow(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	entry, ok := limiter.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.entries[key] = entry
	}
	entry.lastSeen = now

	allowed := entry.limiter.AllowN(now, 1)
	limiter.cleanup(now)
	return allowed
}

func (limiter *requestLimiter) cleanup(now time.Time) {
	if len(limiter.entries) < 512 {
		return
	}

	for key, entry := range limiter.entries {
		if now.Sub(entry.lastSeen) > 3*time.Minute {
			delete(limiter.entries, key)
		}
	}
}

func clientIdentity(request *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		forwardedFor := strings.TrimSpace(request.Header.Get("X-Forwarded-For"))
		if forwardedFor != "" {
			firstHop, _, _ := strings.Cut(forwardedFor, ",")
			if ip := strings.TrimSpace(firstHop); ip != "" {
				return ip
			}
		}

		realIP := strings.TrimSpace(request.Header.Get("X-Real-IP"))
		if realIP != "" {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(request.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(request.RemoteAddr)
}
