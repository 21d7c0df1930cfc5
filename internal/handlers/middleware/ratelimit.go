package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nkiryanov/gopherauth/internal/handlers/render"
	"github.com/nkiryanov/gopherauth/internal/ratelimit"
)

const rateLimitedMessage = "Too many login attempts from this IP, please try again later"

type RateLimitConfig struct {
	// Take client address from X-Forwarded-For set by reverse proxy
	TrustProxy bool
}

// Limit requests per client IP
// Limiter errors let the request through: an unavailable limiter must not lock users out
func RateLimit(limiter ratelimit.Limiter, cfg RateLimitConfig, l errorLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, cfg.TrustProxy)

			d, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				l.Error("Rate limiter failed, request allowed", "error", err, "ip", ip)
				next.ServeHTTP(w, r)
				return
			}

			resetIn := secondsUntil(d.ResetAt)
			w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("RateLimit-Reset", strconv.Itoa(resetIn))

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(resetIn))
				render.Error(w, render.RateLimitedType, rateLimitedMessage, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Client address of the request
// With trustProxy the first X-Forwarded-For entry wins
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func secondsUntil(t time.Time) int {
	return max(int(math.Ceil(time.Until(t).Seconds())), 0)
}
