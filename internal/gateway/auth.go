package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires the daemon's bearer token on every route except
// the public ones: health, static assets and page sockets. Pages run in a
// browser and cannot attach headers to a WebSocket upgrade; they are
// limited by the origin allowlist instead.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap enforces the token on protected routes.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if !am.Authorized(key) {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorized reports whether candidate matches the configured token. An
// unset token authorizes nothing.
func (am *AuthMiddleware) Authorized(candidate string) bool {
	if am.token == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) == 1
}

func isPublicRoute(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz":
		return true
	case strings.HasPrefix(r.URL.Path, "/assets/"):
		return true
	case r.URL.Path == "/ws":
		return r.URL.Query().Get("role") != roleHost
	}
	return false
}

// ExtractToken reads the token from, in order: Authorization: Bearer,
// the X-PushKeeper-Token header, or the token query parameter (host
// sockets opened from a browser).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-PushKeeper-Token"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
