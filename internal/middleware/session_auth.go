package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/copyflow/custody/internal/session"
	apperrors "github.com/copyflow/custody/pkg/errors"
	"github.com/copyflow/custody/pkg/types"
)

// ContextKey is a type for context keys
type ContextKey string

const sessionKey ContextKey = "custody_session"

// SessionAuth validates bearer session tokens and attaches the resolved
// session to the request context. Every failure returns the same generic
// 401; the reason never reaches the response body.
type SessionAuth struct {
	sessions *session.Manager
}

// NewSessionAuth creates the session authentication middleware.
func NewSessionAuth(sessions *session.Manager) *SessionAuth {
	return &SessionAuth{sessions: sessions}
}

// Authenticate rejects requests without a valid, unrevoked session.
func (m *SessionAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeAuthError(w)
			return
		}

		sess, err := m.sessions.Verify(r.Context(), parts[1])
		if err != nil {
			writeAuthError(w)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFrom returns the authenticated session, or nil outside the
// authenticated chain.
func SessionFrom(ctx context.Context) *types.Session {
	if sess, ok := ctx.Value(sessionKey).(*types.Session); ok {
		return sess
	}
	return nil
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(apperrors.ErrInvalidToken)
}
