package storage

import (
	"context"
	"fmt"
)

// OwnershipRepository answers resource-ownership questions against tables
// owned by collaborating subsystems. All queries are read-only.
type OwnershipRepository struct {
	store *Store
}

// NewOwnershipRepository creates a new OwnershipRepository
func NewOwnershipRepository(store *Store) *OwnershipRepository {
	return &OwnershipRepository{store: store}
}

// TradingWalletOwnedBy reports whether a trading wallet belongs to the owner.
func (r *OwnershipRepository) TradingWalletOwnedBy(ctx context.Context, ownerWalletAddress, tradingWalletID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM trading_wallets WHERE pubkey = $1 AND owner_wallet_address = $2)`

	var owned bool
	err := r.store.pool.QueryRow(ctx, query, tradingWalletID, ownerWalletAddress).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("failed to check trading wallet ownership: %w", err)
	}

	return owned, nil
}

// KeyRecordOwnedBy reports whether an active key record belongs to the owner.
func (r *OwnershipRepository) KeyRecordOwnedBy(ctx context.Context, ownerWalletAddress, tradingWalletID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM key_records WHERE trading_wallet_id = $1 AND owner_wallet_address = $2 AND is_active = TRUE)`

	var owned bool
	err := r.store.pool.QueryRow(ctx, query, tradingWalletID, ownerWalletAddress).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("failed to check key record ownership: %w", err)
	}

	return owned, nil
}

// StrategyOwnedBy reports whether a published strategy belongs to the owner,
// resolved through the strategy's owning trading wallet.
func (r *OwnershipRepository) StrategyOwnedBy(ctx context.Context, ownerWalletAddress, strategyID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1
			FROM strategies s
			JOIN trading_wallets tw ON tw.pubkey = s.trading_wallet_pubkey
			WHERE s.id = $1 AND tw.owner_wallet_address = $2
		)
	`

	var owned bool
	err := r.store.pool.QueryRow(ctx, query, strategyID, ownerWalletAddress).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("failed to check strategy ownership: %w", err)
	}

	return owned, nil
}
