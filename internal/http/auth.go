package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// tokenMatch performs a constant-time comparison of a provided token against the expected token.
// Returns true if expected is empty (no auth configured) or if tokens match.
func tokenMatch(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// requireAuth rejects requests without the gateway token. When allowQuery is
// set the token may also come from ?token= (browsers cannot set headers on a
// WebSocket handshake).
func (s *Server) requireAuth(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := s.Token()
		provided := extractBearerToken(r)
		if provided == "" && allowQuery {
			provided = r.URL.Query().Get("token")
		}
		if !tokenMatch(provided, expected) {
			slog.Warn("security.unauthorized", "path", r.URL.Path, "remote", clientIP(r))
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}
