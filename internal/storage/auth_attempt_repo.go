package storage

import (
	"context"
	"fmt"
	"time"
)

// AuthAttemptRepository handles the append-only auth attempt log used for
// rate-limit windowing.
type AuthAttemptRepository struct {
	db DBTX
}

// NewAuthAttemptRepository creates a new AuthAttemptRepository
func NewAuthAttemptRepository(db DBTX) *AuthAttemptRepository {
	return &AuthAttemptRepository{db: db}
}

// CountSince counts attempts for an identifier newer than since.
// The window boundary is always a computed timestamp parameter, never an
// interval fragment interpolated into the query.
func (r *AuthAttemptRepository) CountSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM auth_attempts WHERE identifier = $1 AND created_at > $2`

	var count int
	err := r.db.QueryRow(ctx, query, identifier, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count auth attempts: %w", err)
	}

	return count, nil
}

// Insert appends one attempt row.
func (r *AuthAttemptRepository) Insert(ctx context.Context, identifier string, success bool, at time.Time) error {
	query := `INSERT INTO auth_attempts (identifier, success, created_at) VALUES ($1, $2, $3)`

	_, err := r.db.Exec(ctx, query, identifier, success, at)
	if err != nil {
		return fmt.Errorf("failed to insert auth attempt: %w", err)
	}

	return nil
}

// DeleteOlderThan purges attempts beyond the retention window.
func (r *AuthAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM auth_attempts WHERE created_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge auth attempts: %w", err)
	}

	return tag.RowsAffected(), nil
}
