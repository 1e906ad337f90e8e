package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"commhub/internal/httpapi"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderCompanyID = "X-Company-ID"
)

type IdentityFunc func(*http.Request) string

// Middleware counts every request against l and rejects it with 429 once the
// identity's window is exhausted. Rate limit headers are set on every response.
func Middleware(l Limiter, identify IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Limit(r.Context(), identify(r))
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(d.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				httpapi.WriteError(w, d.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request) string {
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// Tenant identifies callers by company and falls back to the client IP.
func Tenant(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderCompanyID)); id != "" {
		return "company:" + id
	}
	return "ip:" + ClientIP(r)
}
