package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// corsMiddleware adds CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := ""
		for _, o := range s.cfg.Server.AllowedOrigins {
			if o == "*" {
				allowed = "*"
				break
			}
			if o == origin {
				allowed = origin
				break
			}
		}
		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a per-client token bucket refilled once per minute.
type rateLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	remaining int
	resetAt   time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
	}
}

// allow reports whether the client may make another request now.
func (l *rateLimiter) allow(clientIP string, now time.Time) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientIP]
	if !ok || now.After(b.resetAt) {
		b = &bucket{remaining: l.perMinute, resetAt: now.Add(time.Minute)}
		l.buckets[clientIP] = b

		// Keep the map from growing without bound on churny clients.
		if len(l.buckets) > 10000 {
			for ip, old := range l.buckets {
				if now.After(old.resetAt) {
					delete(l.buckets, ip)
				}
			}
		}
	}

	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// rateLimitMiddleware rejects clients over their per-minute budget. The
// webhook path is exempt: Meta retries aggressively and must always get a
// fast 200.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/webhook/messenger" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(clientIP(r), time.Now()) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the requester's IP, honoring the first hop of
// X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
