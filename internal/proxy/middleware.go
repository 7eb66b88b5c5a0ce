package proxy

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// devIdentity is attached to every request when the upstream app
// registration is absent. Local development only; Middleware logs a
// warning at startup when this path is active.
var devIdentity = identity.Identity{
	Email:     "dev@localhost",
	Name:      "Dev User",
	SubjectID: "00000000-0000-0000-0000-000000000000",
}

// Middleware authenticates protected routes: it resolves the bearer
// token to a stored access token and attaches the bound identity to
// the request context. When auth is not configured it injects a fixed
// development identity instead.
func (s *Server) Middleware(next http.Handler) http.Handler {
	if !s.cfg.AuthConfigured() {
		slog.Warn("auth not configured, all requests run as the development identity")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), devIdentity)))
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		rec, err := s.LoadAccessToken(r, token)
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}
		if rec.Identity == nil {
			// A token without a bound identity grants nothing.
			unauthorized(w, "invalid or expired token")
			return
		}

		s.logger.Debug("authenticated request", "email", rec.Identity.Email, "client_id", rec.ClientID, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), *rec.Identity)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeOAuthError(w, http.StatusUnauthorized, "invalid_token", description)
}
