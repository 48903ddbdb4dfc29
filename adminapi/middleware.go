package adminapi

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// SecurityHeaders sets standard security response headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		if requestIsSecure(r) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the bearer token when one is configured. Clients
// that keep presenting a wrong token are locked out with exponential backoff.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			writeRateLimited(w, retryAfter)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			a.limiter.recordFailure(ip)
			a.logger.Warn("admin API token rejected",
				slog.String("remote", ip),
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		a.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// initiator names who asked for an operation: the body field, then the
// X-Initiated-By header.
func initiator(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := strings.TrimSpace(r.Header.Get("X-Initiated-By")); h != "" {
		return h
	}
	return defaultInitiator
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// clientIP is the peer address. Proxy headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
