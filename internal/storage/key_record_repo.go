package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copyflow/custody/pkg/types"
)

// KeyRecordRepository handles custody key record persistence
type KeyRecordRepository struct {
	store *Store
}

// NewKeyRecordRepository creates a new KeyRecordRepository
func NewKeyRecordRepository(store *Store) *KeyRecordRepository {
	return &KeyRecordRepository{store: store}
}

// Create inserts a new key record. A partial unique index on
// (trading_wallet_id) WHERE is_active enforces exactly one active record
// per trading wallet; a conflicting insert fails here.
func (r *KeyRecordRepository) Create(ctx context.Context, rec *types.KeyRecord) error {
	query := `
		INSERT INTO key_records (owner_wallet_address, trading_wallet_id, session_key_ciphertext, wallet_key_ciphertext, version, last_used_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, created_at
	`

	err := r.store.pool.QueryRow(ctx, query,
		rec.OwnerWalletAddress,
		rec.TradingWalletID,
		rec.SessionKeyCiphertext,
		rec.WalletKeyCiphertext,
		rec.Version,
		rec.LastUsedAt,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active key record already exists: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create key record: %w", err)
	}

	return nil
}

// GetActive loads the single active record for a trading wallet.
func (r *KeyRecordRepository) GetActive(ctx context.Context, tradingWalletID string) (*types.KeyRecord, error) {
	query := `
		SELECT id, owner_wallet_address, trading_wallet_id, session_key_ciphertext, wallet_key_ciphertext, version, last_used_at, is_active, created_at
		FROM key_records
		WHERE trading_wallet_id = $1 AND is_active = TRUE
	`

	rec := &types.KeyRecord{}
	err := r.store.pool.QueryRow(ctx, query, tradingWalletID).Scan(
		&rec.ID,
		&rec.OwnerWalletAddress,
		&rec.TradingWalletID,
		&rec.SessionKeyCiphertext,
		&rec.WalletKeyCiphertext,
		&rec.Version,
		&rec.LastUsedAt,
		&rec.IsActive,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key record: %w", err)
	}

	return rec, nil
}

// TouchLastUsed updates last_used_at after a successful retrieval.
func (r *KeyRecordRepository) TouchLastUsed(ctx context.Context, tradingWalletID string, usedAt time.Time) error {
	query := `UPDATE key_records SET last_used_at = $2 WHERE trading_wallet_id = $1 AND is_active = TRUE`

	_, err := r.store.pool.Exec(ctx, query, tradingWalletID, usedAt)
	if err != nil {
		return fmt.Errorf("failed to touch key record: %w", err)
	}
	return nil
}

// ReplaceCiphertexts swaps in freshly computed ciphertexts for a rotation.
// The version predicate makes the read-then-write optimistic: when a
// concurrent rotation committed in between, no row matches and
// ErrVersionConflict is returned so the caller can retry from a fresh read.
func (r *KeyRecordRepository) ReplaceCiphertexts(ctx context.Context, tradingWalletID string, sessionKeyCiphertext, walletKeyCiphertext []byte, expectedVersion int, rotatedAt time.Time) error {
	query := `
		UPDATE key_records
		SET session_key_ciphertext = $2,
		    wallet_key_ciphertext = $3,
		    version = version + 1,
		    last_used_at = $4
		WHERE trading_wallet_id = $1 AND is_active = TRUE AND version = $5
	`

	tag, err := r.store.pool.Exec(ctx, query, tradingWalletID, sessionKeyCiphertext, walletKeyCiphertext, rotatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to replace key record ciphertexts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return nil
}

// Deactivate soft-deactivates the active record for a trading wallet,
// preserving the row for audit continuity.
func (r *KeyRecordRepository) Deactivate(ctx context.Context, tradingWalletID string) error {
	query := `UPDATE key_records SET is_active = FALSE WHERE trading_wallet_id = $1 AND is_active = TRUE`

	tag, err := r.store.pool.Exec(ctx, query, tradingWalletID)
	if err != nil {
		return fmt.Errorf("failed to deactivate key record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteByTradingWallet hard-deletes all records for a trading wallet.
// Only used when the trading wallet itself is deleted.
func (r *KeyRecordRepository) DeleteByTradingWallet(ctx context.Context, tradingWalletID string) error {
	query := `DELETE FROM key_records WHERE trading_wallet_id = $1`

	_, err := r.store.pool.Exec(ctx, query, tradingWalletID)
	if err != nil {
		return fmt.Errorf("failed to delete key records: %w", err)
	}

	return nil
}
