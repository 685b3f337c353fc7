package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/logging"
)

// Users resolves the operator behind a session
type Users interface {
	UserByID(ctx context.Context, id string) (*User, error)
}

type sessionKey struct{}

// Middleware guards the admin API. Every request re-reads its user, so a
// deleted operator is locked out and a role change applies at once,
// without waiting for the token to expire.
type Middleware struct {
	auth  *Auth
	users Users
	log   zerolog.Logger
}

func NewMiddleware(a *Auth, users Users) *Middleware {
	return &Middleware{auth: a, users: users, log: logging.With("auth")}
}

// RequireSession rejects requests without a valid session for an existing
// user
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r)
		if token == "" {
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}
		s, err := m.auth.ParseSession(token)
		if err != nil {
			deny(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		u, err := m.users.UserByID(r.Context(), s.UserID)
		if errors.Is(err, ErrUserNotFound) {
			deny(w, http.StatusUnauthorized, "session revoked")
			return
		}
		if err != nil {
			m.log.Error().Err(err).Str("user", s.UserID).Msg("failed to load session user")
			deny(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		s.Email, s.Role = u.Email, u.Role

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

// RequireAdmin lets only admins through. It runs after RequireSession.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowed(w, r, true) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminWrites lets viewers read and keeps every other method for admins.
// It runs after RequireSession.
func (m *Middleware) AdminWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowed(w, r, !readOnly(r.Method)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowed(w http.ResponseWriter, r *http.Request, adminOnly bool) bool {
	s := SessionFrom(r.Context())
	if s == nil {
		deny(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if adminOnly && !s.IsAdmin() {
		deny(w, http.StatusForbidden, "admin privileges required")
		return false
	}
	return true
}

func readOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// SessionFrom returns the session RequireSession stored, or nil
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
