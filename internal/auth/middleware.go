package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// HashToken returns the bcrypt hash stored as CONTROL_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// tokenVerifier checks bearer tokens against a bcrypt hash. The digest
// of the last accepted token is remembered so bcrypt runs once per
// token, not once per request.
type tokenVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	ok       bool
}

func (v *tokenVerifier) verify(token string) bool {
	digest := sha256.Sum256([]byte(token))

	v.mu.Lock()
	cached := v.ok && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.Unlock()

	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted, v.ok = digest, true
	v.mu.Unlock()

	return true
}

// Middleware returns HTTP middleware that requires a Bearer token
// matching tokenHash. Unauthenticated requests get a 401; an IP that
// keeps presenting bad tokens gets a 429.
func Middleware(tokenHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	v := &tokenVerifier{hash: []byte(tokenHash)}
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="lyo-realtime"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if limiter.limited(ip) {
				logger.Warn("middleware: too many invalid tokens", slog.String("ip", ip))
				w.WriteHeader(http.StatusTooManyRequests)

				return
			}

			if !v.verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				limiter.record(ip)
				logger.Warn("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="lyo-realtime", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
