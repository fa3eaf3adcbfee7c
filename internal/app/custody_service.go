package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"time"

	"github.com/mr-tron/base58"

	"github.com/copyflow/custody/internal/access"
	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/crypto"
	"github.com/copyflow/custody/internal/keyvault"
	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/ratelimit"
	"github.com/copyflow/custody/internal/sigverify"
	"github.com/copyflow/custody/internal/storage"
	apperrors "github.com/copyflow/custody/pkg/errors"
	"github.com/copyflow/custody/pkg/types"
)

// Key reveals are the most sensitive operation the service exposes, so
// they carry their own, much tighter window than sign-in.
const (
	revealMaxAttempts = 5
	revealWindow      = time.Hour

	revealLimitPrefix = "reveal:"
)

// CustodyService gates every key-vault operation behind session identity,
// resource ownership and, for reveals, a second wallet signature.
type CustodyService struct {
	vault   *keyvault.Service
	access  *access.Controller
	limiter *ratelimit.Limiter
	auditor *audit.Logger
	log     *slog.Logger
}

// NewCustodyService creates the custody service.
func NewCustodyService(vault *keyvault.Service, ctrl *access.Controller, limiter *ratelimit.Limiter, auditor *audit.Logger) *CustodyService {
	return &CustodyService{
		vault:   vault,
		access:  ctrl,
		limiter: limiter,
		auditor: auditor,
		log:     logger.Component("custody"),
	}
}

// StoreKey imports a trading wallet's private key into the vault. The key
// is base58 as exported by wallet software and must decode to a full
// Ed25519 private key.
func (s *CustodyService) StoreKey(ctx context.Context, sess *types.Session, tradingWalletID, privateKeyB58 string) error {
	if tradingWalletID == "" || privateKeyB58 == "" {
		return apperrors.Validation("walletPubkey and privateKey are required")
	}

	rawKey, err := base58.Decode(privateKeyB58)
	if err != nil || len(rawKey) != ed25519.PrivateKeySize {
		return apperrors.Validation("privateKey must be a base58-encoded Ed25519 private key")
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		return apperrors.ErrForbidden
	}

	if _, err := s.vault.StoreKey(ctx, sess.WalletAddress, tradingWalletID, rawKey); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return apperrors.Validation("trading wallet already has an active key")
		}
		return apperrors.Persistence(err)
	}
	return nil
}

// RevealChallenge issues a challenge scoped to one trading wallet. Signing
// it authorizes exactly one reveal of that wallet and nothing else.
func (s *CustodyService) RevealChallenge(ctx context.Context, sess *types.Session, tradingWalletID string) (string, error) {
	if tradingWalletID == "" {
		return "", apperrors.Validation("walletPubkey is required")
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		return "", apperrors.ErrForbidden
	}

	challenge, err := sigverify.GenerateRevealChallenge(tradingWalletID)
	if err != nil {
		return "", apperrors.ErrInternalError
	}

	s.auditor.Log(ctx, &types.AuditEvent{
		WalletAddress: &sess.WalletAddress,
		Action:        types.AuditActionChallengeIssued,
		ResourceType:  types.ResourceTypeKeyRecord,
		ResourceID:    tradingWalletID,
		Success:       true,
	})
	return challenge, nil
}

// RevealKey returns the base58 private key of a trading wallet after the
// caller re-proves control of their wallet by signing a scoped challenge.
// An active session alone is never enough. Every outcome, including the
// refusals, lands in the audit trail.
func (s *CustodyService) RevealKey(ctx context.Context, sess *types.Session, tradingWalletID, message, signature string) (string, error) {
	if tradingWalletID == "" || message == "" || signature == "" {
		return "", apperrors.Validation("walletPubkey, message and signature are required")
	}

	limitKey := revealLimitPrefix + sess.WalletAddress
	allowed, err := s.limiter.CheckLimit(ctx, limitKey, revealMaxAttempts, revealWindow)
	if err != nil {
		return "", apperrors.Persistence(err)
	}
	if !allowed {
		s.logReveal(ctx, sess, tradingWalletID, false, "reveal rate limit exceeded")
		return "", apperrors.RateLimited(int(revealWindow.Seconds()))
	}

	if !sigverify.ValidateScopedMessage(message, tradingWalletID) ||
		!sigverify.ValidateFreshness(message) ||
		!sigverify.Verify(message, signature, sess.WalletAddress) {
		s.recordReveal(ctx, limitKey, false)
		s.logReveal(ctx, sess, tradingWalletID, false, "reveal signature rejected")
		return "", apperrors.ErrInvalidSignature
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		s.recordReveal(ctx, limitKey, false)
		s.logReveal(ctx, sess, tradingWalletID, false, "trading wallet not owned by caller")
		return "", apperrors.ErrForbidden
	}

	rawKey, err := s.vault.RetrieveKey(ctx, tradingWalletID)
	if err != nil {
		s.recordReveal(ctx, limitKey, false)
		switch {
		case errors.Is(err, keyvault.ErrKeyNotFound):
			s.logReveal(ctx, sess, tradingWalletID, false, "no active key record")
			return "", apperrors.ErrNotFound
		case errors.Is(err, crypto.ErrDecryptionFailed):
			s.logReveal(ctx, sess, tradingWalletID, false, "key material failed integrity check")
			return "", apperrors.ErrDecryptionFailed
		default:
			s.logReveal(ctx, sess, tradingWalletID, false, "store failure")
			return "", apperrors.Persistence(err)
		}
	}

	s.recordReveal(ctx, limitKey, true)
	s.logReveal(ctx, sess, tradingWalletID, true, "")
	return base58.Encode(rawKey), nil
}

// RotateKey re-wraps a trading wallet's key material under fresh envelope
// keys.
func (s *CustodyService) RotateKey(ctx context.Context, sess *types.Session, tradingWalletID string) error {
	if tradingWalletID == "" {
		return apperrors.Validation("walletPubkey is required")
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		return apperrors.ErrForbidden
	}

	err := s.vault.RotateKey(ctx, tradingWalletID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyvault.ErrKeyNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return apperrors.ErrDecryptionFailed
	default:
		return apperrors.Persistence(err)
	}
}

// DeactivateKey takes a trading wallet's key out of service without
// destroying the record.
func (s *CustodyService) DeactivateKey(ctx context.Context, sess *types.Session, tradingWalletID string) error {
	if tradingWalletID == "" {
		return apperrors.Validation("walletPubkey is required")
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		return apperrors.ErrForbidden
	}

	err := s.vault.DeactivateKey(ctx, tradingWalletID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyvault.ErrKeyNotFound):
		return apperrors.ErrNotFound
	default:
		return apperrors.Persistence(err)
	}
}

// DeleteKey permanently removes all key records for a trading wallet.
func (s *CustodyService) DeleteKey(ctx context.Context, sess *types.Session, tradingWalletID string) error {
	if tradingWalletID == "" {
		return apperrors.Validation("walletPubkey is required")
	}

	if !s.access.HasAccess(ctx, sess.WalletAddress, access.ResourceTradingWallet, tradingWalletID) {
		return apperrors.ErrForbidden
	}

	if err := s.vault.DeleteKey(ctx, tradingWalletID); err != nil {
		return apperrors.Persistence(err)
	}
	return nil
}

func (s *CustodyService) recordReveal(ctx context.Context, limitKey string, success bool) {
	if err := s.limiter.RecordAttempt(ctx, limitKey, success); err != nil {
		s.log.Warn("failed to record reveal attempt", "error", err)
	}
}

func (s *CustodyService) logReveal(ctx context.Context, sess *types.Session, tradingWalletID string, success bool, reason string) {
	event := &types.AuditEvent{
		WalletAddress: &sess.WalletAddress,
		Action:        types.AuditActionKeyReveal,
		ResourceType:  types.ResourceTypeKeyRecord,
		ResourceID:    tradingWalletID,
		Success:       success,
	}
	if reason != "" {
		event.Details = map[string]interface{}{"reason": reason}
	}
	s.auditor.Log(ctx, event)
}
