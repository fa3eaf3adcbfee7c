package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/copyflow/custody/pkg/types"
)

// AuditEventRepository handles the append-only audit trail. The subsystem
// never mutates or deletes audit rows.
type AuditEventRepository struct {
	store *Store
}

// NewAuditEventRepository creates a new AuditEventRepository
func NewAuditEventRepository(store *Store) *AuditEventRepository {
	return &AuditEventRepository{store: store}
}

// Insert appends one audit event row
func (r *AuditEventRepository) Insert(ctx context.Context, event *types.AuditEvent) error {
	var detailsJSON []byte
	if event.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (wallet_address, action, resource_type, resource_id, details, ip_address, user_agent, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.store.pool.QueryRow(ctx, query,
		event.WalletAddress,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		detailsJSON,
		event.IPAddress,
		event.UserAgent,
		event.Success,
	).Scan(&event.ID, &event.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// ListByWallet returns a page of a wallet's audit history, newest first,
// along with the total row count for pagination.
func (r *AuditEventRepository) ListByWallet(ctx context.Context, walletAddress string, limit, offset int) ([]*types.AuditEvent, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM audit_events WHERE wallet_address = $1`
	if err := r.store.pool.QueryRow(ctx, countQuery, walletAddress).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `
		SELECT id, wallet_address, action, resource_type, resource_id, details, ip_address, user_agent, success, created_at
		FROM audit_events
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.store.pool.Query(ctx, query, walletAddress, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		event := &types.AuditEvent{}
		var detailsJSON []byte
		if err := rows.Scan(
			&event.ID,
			&event.WalletAddress,
			&event.Action,
			&event.ResourceType,
			&event.ResourceID,
			&detailsJSON,
			&event.IPAddress,
			&event.UserAgent,
			&event.Success,
			&event.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit event rows error: %w", err)
	}

	return events, total, nil
}
