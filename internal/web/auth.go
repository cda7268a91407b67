package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// authorizeRequest accepts the configured token as a ?token= query
// parameter (browsers cannot set headers on EventSource or WebSocket) or
// as a bearer token.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	for _, candidate := range []string{
		strings.TrimSpace(r.URL.Query().Get("token")),
		bearerToken(r.Header.Get("Authorization")),
	} {
		if candidate != "" && secureEqual(candidate, s.cfg.Token) {
			return true
		}
	}

	webLog.Warn("unauthorized_request",
		slog.String("request_id", r.Header.Get(requestIDHeader)),
		slog.String("path", r.URL.Path))
	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
