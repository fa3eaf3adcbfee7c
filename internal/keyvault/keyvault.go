// Package keyvault stores and retrieves trading-wallet signing keys under
// two-layer envelope encryption. Each record carries its own random session
// key wrapping the wallet key; the master key provider wraps the session
// key. Compromise of the master secret alone is useless without the
// per-record session-key ciphertext, and rotating a record never touches
// the master secret.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/crypto"
	"github.com/copyflow/custody/internal/kms"
	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/metrics"
	"github.com/copyflow/custody/internal/storage"
	"github.com/copyflow/custody/pkg/types"
)

// ErrKeyNotFound is returned when no active key record exists for a
// trading wallet.
var ErrKeyNotFound = errors.New("no active key record for trading wallet")

// RecordStore persists key records.
type RecordStore interface {
	Create(ctx context.Context, rec *types.KeyRecord) error
	GetActive(ctx context.Context, tradingWalletID string) (*types.KeyRecord, error)
	TouchLastUsed(ctx context.Context, tradingWalletID string, usedAt time.Time) error
	ReplaceCiphertexts(ctx context.Context, tradingWalletID string, sessionKeyCiphertext, walletKeyCiphertext []byte, expectedVersion int, rotatedAt time.Time) error
	Deactivate(ctx context.Context, tradingWalletID string) error
	DeleteByTradingWallet(ctx context.Context, tradingWalletID string) error
}

// Service is the key vault.
type Service struct {
	records RecordStore
	master  kms.Provider
	auditor *audit.Logger
	now     func() time.Time
	log     *slog.Logger
}

// NewService creates a key vault service.
func NewService(records RecordStore, master kms.Provider, auditor *audit.Logger) *Service {
	return &Service{
		records: records,
		master:  master,
		auditor: auditor,
		now:     time.Now,
		log:     logger.Component("keyvault"),
	}
}

// StoreKey wraps rawPrivateKey under a fresh session key, wraps the session
// key under the master provider, and persists both ciphertexts as one
// record versioned at 1. The session key exists only in memory during this
// call.
func (s *Service) StoreKey(ctx context.Context, ownerWallet, tradingWalletID string, rawPrivateKey []byte) (uuid.UUID, error) {
	id, err := s.storeKey(ctx, ownerWallet, tradingWalletID, rawPrivateKey)
	s.audited(ctx, types.AuditActionStoreKeys, &ownerWallet, tradingWalletID, err)
	return id, err
}

func (s *Service) storeKey(ctx context.Context, ownerWallet, tradingWalletID string, rawPrivateKey []byte) (uuid.UUID, error) {
	if len(rawPrivateKey) == 0 {
		return uuid.Nil, fmt.Errorf("private key must not be empty")
	}

	sessionKeyCiphertext, walletKeyCiphertext, err := s.wrap(ctx, tradingWalletID, rawPrivateKey)
	if err != nil {
		return uuid.Nil, err
	}

	rec := &types.KeyRecord{
		OwnerWalletAddress:   ownerWallet,
		TradingWalletID:      tradingWalletID,
		SessionKeyCiphertext: sessionKeyCiphertext,
		WalletKeyCiphertext:  walletKeyCiphertext,
		Version:              1,
		LastUsedAt:           s.now(),
	}

	if err := s.records.Create(ctx, rec); err != nil {
		return uuid.Nil, err
	}

	return rec.ID, nil
}

// RetrieveKey unwraps and returns the wallet private key for an active
// record, updating last_used_at. Returns ErrKeyNotFound when no active
// record exists, or crypto.ErrDecryptionFailed when either layer fails its
// integrity check; the latter signals tampering or corruption and is never
// retried.
func (s *Service) RetrieveKey(ctx context.Context, tradingWalletID string) ([]byte, error) {
	key, err := s.retrieveKey(ctx, tradingWalletID)
	s.audited(ctx, types.AuditActionRetrieveKeys, nil, tradingWalletID, err)
	return key, err
}

func (s *Service) retrieveKey(ctx context.Context, tradingWalletID string) ([]byte, error) {
	rec, err := s.records.GetActive(ctx, tradingWalletID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	// The record is fully loaded before any cipher work starts, so no
	// connection is held through the CPU-bound unwrap.
	rawPrivateKey, err := s.unwrap(ctx, rec)
	if err != nil {
		return nil, err
	}

	if err := s.records.TouchLastUsed(ctx, tradingWalletID, s.now()); err != nil {
		s.log.Warn("failed to update key record last_used_at", "trading_wallet", tradingWalletID, "error", err)
	}

	return rawPrivateKey, nil
}

// RotateKey refreshes the encryption wrapping of a record under a new
// session key, incrementing version. The wallet private key itself is
// unchanged. The write is guarded by an optimistic version check and
// retried once from a fresh read when a concurrent rotation wins; prior
// state is only overwritten after the new ciphertexts are fully computed.
func (s *Service) RotateKey(ctx context.Context, tradingWalletID string) error {
	err := s.rotateKey(ctx, tradingWalletID, true)
	s.audited(ctx, types.AuditActionRotateKeys, nil, tradingWalletID, err)
	return err
}

func (s *Service) rotateKey(ctx context.Context, tradingWalletID string, retry bool) error {
	rec, err := s.records.GetActive(ctx, tradingWalletID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}

	rawPrivateKey, err := s.unwrap(ctx, rec)
	if err != nil {
		return err
	}

	sessionKeyCiphertext, walletKeyCiphertext, err := s.wrap(ctx, tradingWalletID, rawPrivateKey)
	if err != nil {
		return err
	}

	err = s.records.ReplaceCiphertexts(ctx, tradingWalletID, sessionKeyCiphertext, walletKeyCiphertext, rec.Version, s.now())
	if errors.Is(err, storage.ErrVersionConflict) && retry {
		s.log.Info("rotation lost optimistic race, retrying", "trading_wallet", tradingWalletID)
		return s.rotateKey(ctx, tradingWalletID, false)
	}
	return err
}

// DeactivateKey soft-deactivates the active record, preserving the row for
// audit continuity.
func (s *Service) DeactivateKey(ctx context.Context, tradingWalletID string) error {
	err := s.records.Deactivate(ctx, tradingWalletID)
	if errors.Is(err, storage.ErrNotFound) {
		err = ErrKeyNotFound
	}
	s.audited(ctx, types.AuditActionDeactivateKeys, nil, tradingWalletID, err)
	return err
}

// DeleteKey hard-deletes all records for a trading wallet. Only for use
// when the trading wallet itself is deleted.
func (s *Service) DeleteKey(ctx context.Context, tradingWalletID string) error {
	err := s.records.DeleteByTradingWallet(ctx, tradingWalletID)
	s.audited(ctx, types.AuditActionDeleteKeys, nil, tradingWalletID, err)
	return err
}

// wrap generates a fresh session key and produces both ciphertext layers.
func (s *Service) wrap(ctx context.Context, tradingWalletID string, rawPrivateKey []byte) (sessionKeyCiphertext, walletKeyCiphertext []byte, err error) {
	sessionKey, err := crypto.RandomKey()
	if err != nil {
		return nil, nil, err
	}

	sessionKeyCiphertext, err = s.master.Encrypt(ctx, sessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap session key: %w", err)
	}

	walletKeyCiphertext, err = crypto.Encrypt(rawPrivateKey, recordKey(sessionKey, tradingWalletID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap wallet key: %w", err)
	}

	return sessionKeyCiphertext, walletKeyCiphertext, nil
}

// unwrap reverses both layers of a record.
func (s *Service) unwrap(ctx context.Context, rec *types.KeyRecord) ([]byte, error) {
	sessionKey, err := s.master.Decrypt(ctx, rec.SessionKeyCiphertext)
	if err != nil {
		return nil, err
	}

	return crypto.Decrypt(rec.WalletKeyCiphertext, recordKey(sessionKey, rec.TradingWalletID))
}

// recordKey stretches a session key into the cipher key for one record,
// binding the inner ciphertext to its trading wallet.
func recordKey(sessionKey []byte, tradingWalletID string) []byte {
	return crypto.DeriveKey(sessionKey, []byte(tradingWalletID))
}

// audited emits the single audit event every vault operation produces,
// success or failure.
func (s *Service) audited(ctx context.Context, action string, walletAddress *string, tradingWalletID string, opErr error) {
	status := types.AuditStatusSuccess
	success := opErr == nil
	details := map[string]interface{}{"operation_type": action}
	if opErr != nil {
		status = types.AuditStatusError
		details["error_reason"] = opErr.Error()
	}
	details["status"] = status

	metrics.KeyOperations.WithLabelValues(action, status).Inc()

	s.auditor.Log(ctx, &types.AuditEvent{
		WalletAddress: walletAddress,
		Action:        action,
		ResourceType:  types.ResourceTypeKeyRecord,
		ResourceID:    tradingWalletID,
		Details:       details,
		Success:       success,
	})
}
