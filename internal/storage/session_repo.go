package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copyflow/custody/pkg/types"
)

// SessionRepository handles bearer session persistence
type SessionRepository struct {
	store *Store
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{store: store}
}

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, session *types.Session) error {
	query := `
		INSERT INTO sessions (session_id, wallet_address, created_at, expires_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.store.pool.Exec(ctx, query,
		session.SessionID,
		session.WalletAddress,
		session.CreatedAt,
		session.ExpiresAt,
		session.LastAccessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by its ID. Returns ErrNotFound for revoked or
// never-issued sessions.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	query := `
		SELECT session_id, wallet_address, created_at, expires_at, last_accessed_at
		FROM sessions
		WHERE session_id = $1
	`

	session := &types.Session{}
	err := r.store.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.SessionID,
		&session.WalletAddress,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListActiveByWallet returns all unexpired sessions for a wallet, newest first.
func (r *SessionRepository) ListActiveByWallet(ctx context.Context, walletAddress string, now time.Time) ([]*types.Session, error) {
	query := `
		SELECT session_id, wallet_address, created_at, expires_at, last_accessed_at
		FROM sessions
		WHERE wallet_address = $1 AND expires_at > $2
		ORDER BY created_at DESC
	`

	rows, err := r.store.pool.Query(ctx, query, walletAddress, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session := &types.Session{}
		if err := rows.Scan(
			&session.SessionID,
			&session.WalletAddress,
			&session.CreatedAt,
			&session.ExpiresAt,
			&session.LastAccessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows error: %w", err)
	}

	return sessions, nil
}

// TouchLastAccessed records session use. Best effort; callers ignore errors.
func (r *SessionRepository) TouchLastAccessed(ctx context.Context, sessionID string, accessedAt time.Time) error {
	query := `UPDATE sessions SET last_accessed_at = $2 WHERE session_id = $1`

	_, err := r.store.pool.Exec(ctx, query, sessionID, accessedAt)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Delete removes one session row. Returns ErrNotFound if no row matched.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM sessions WHERE session_id = $1`

	tag, err := r.store.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteByWallet removes all sessions for a wallet, returning the count.
func (r *SessionRepository) DeleteByWallet(ctx context.Context, walletAddress string) (int64, error) {
	query := `DELETE FROM sessions WHERE wallet_address = $1`

	tag, err := r.store.pool.Exec(ctx, query, walletAddress)
	if err != nil {
		return 0, fmt.Errorf("failed to delete wallet sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteExpired removes all sessions past their expiry. Idempotent.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1`

	tag, err := r.store.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
