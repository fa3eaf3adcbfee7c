// Package session issues, validates and revokes bearer sessions tied to a
// wallet address. Tokens are signed JWTs; validity additionally requires the
// persisted session row to exist, so revocation takes effect immediately
// even for tokens that still decode cleanly.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/copyflow/custody/internal/storage"
	"github.com/copyflow/custody/pkg/types"
)

// TTL is the fixed session lifetime, set at issuance and never extended.
const TTL = 24 * time.Hour

// ErrInvalidSession covers every verification failure: bad signature,
// token expiry, revoked or expired row. Callers see one indistinguishable
// failure; the audit trail carries the distinction.
var ErrInvalidSession = errors.New("invalid or expired session")

// Claims is the token payload: wallet address as subject, session ID as jti.
type Claims struct {
	jwt.RegisteredClaims
}

// Store persists session rows.
type Store interface {
	Create(ctx context.Context, session *types.Session) error
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	ListActiveByWallet(ctx context.Context, walletAddress string, now time.Time) ([]*types.Session, error)
	TouchLastAccessed(ctx context.Context, sessionID string, accessedAt time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteByWallet(ctx context.Context, walletAddress string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Manager issues and verifies bearer sessions.
type Manager struct {
	sessions      Store
	signingSecret []byte
	now           func() time.Time
}

// NewManager creates a session manager. The signing secret must be kept out
// of logs and persistence; it only ever lives in memory.
func NewManager(sessions Store, signingSecret []byte) (*Manager, error) {
	if len(signingSecret) < 32 {
		return nil, fmt.Errorf("session signing secret must be at least 32 bytes, got %d", len(signingSecret))
	}

	return &Manager{
		sessions:      sessions,
		signingSecret: signingSecret,
		now:           time.Now,
	}, nil
}

// Create persists a new session for the wallet and returns the signed token
// with the session row.
func (m *Manager) Create(ctx context.Context, walletAddress string) (string, *types.Session, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	session := &types.Session{
		SessionID:      sessionID,
		WalletAddress:  walletAddress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(TTL),
		LastAccessedAt: now,
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return "", nil, fmt.Errorf("failed to persist session: %w", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   walletAddress,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingSecret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return token, session, nil
}

// Verify checks the token signature and expiry first, failing closed on any
// tamper, then re-checks the persisted row: it must still exist and its
// expiry must still be in the future. The second check is what makes
// revocation effective before token-level expiry.
func (m *Manager) Verify(ctx context.Context, tokenStr string) (*types.Session, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingSecret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidSession
	}

	session, err := m.sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Revoked (or never issued): terminal, indistinguishable
			// from expiry for the caller.
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := m.now()
	if !now.Before(session.ExpiresAt) || session.WalletAddress != claims.Subject {
		return nil, ErrInvalidSession
	}

	// Best effort; a failed touch does not invalidate the session.
	_ = m.sessions.TouchLastAccessed(ctx, session.SessionID, now)
	session.LastAccessedAt = now

	return session, nil
}

// Revoke deletes one session row. Returns storage.ErrNotFound when the
// session does not exist.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.sessions.Delete(ctx, sessionID)
}

// RevokeAll deletes every session for a wallet, returning the count.
func (m *Manager) RevokeAll(ctx context.Context, walletAddress string) (int64, error) {
	return m.sessions.DeleteByWallet(ctx, walletAddress)
}

// ListActive returns the wallet's unexpired sessions, newest first.
func (m *Manager) ListActive(ctx context.Context, walletAddress string) ([]*types.Session, error) {
	return m.sessions.ListActiveByWallet(ctx, walletAddress, m.now())
}

// SweepExpired deletes all sessions past expiry. Idempotent; intended to be
// run periodically.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.sessions.DeleteExpired(ctx, m.now())
}

// newSessionID returns an opaque 128-bit random identifier.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
