package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/metrics"
	"github.com/copyflow/custody/internal/ratelimit"
	"github.com/copyflow/custody/internal/session"
	"github.com/copyflow/custody/internal/sigverify"
	"github.com/copyflow/custody/internal/storage"
	apperrors "github.com/copyflow/custody/pkg/errors"
	"github.com/copyflow/custody/pkg/types"
)

// Sign-in throttling. The window is a typed duration end to end.
const (
	signInMaxAttempts = 10
	signInWindow      = 15 * time.Minute
)

// AuditReader pages a wallet's audit history.
type AuditReader interface {
	ListByWallet(ctx context.Context, walletAddress string, limit, offset int) ([]*types.AuditEvent, int, error)
}

// AuthService implements wallet challenge/response authentication and
// session management.
type AuthService struct {
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	auditor  *audit.Logger
	events   AuditReader
	log      *slog.Logger
}

// NewAuthService creates the authentication service.
func NewAuthService(sessions *session.Manager, limiter *ratelimit.Limiter, auditor *audit.Logger, events AuditReader) *AuthService {
	return &AuthService{
		sessions: sessions,
		limiter:  limiter,
		auditor:  auditor,
		events:   events,
		log:      logger.Component("auth"),
	}
}

// Challenge issues a fresh sign-in challenge for the client to sign.
func (s *AuthService) Challenge(ctx context.Context) (string, error) {
	challenge, err := sigverify.GenerateChallenge()
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}

	s.auditor.Log(ctx, &types.AuditEvent{
		Action:       types.AuditActionChallengeIssued,
		ResourceType: types.ResourceTypeSession,
		Success:      true,
	})

	return challenge, nil
}

// SignInResult is a successfully minted session.
type SignInResult struct {
	AccessToken string
	ExpiresIn   int64
	TokenType   string
}

// SignIn validates a signed challenge and mints a session. All signature
// and freshness failures surface as the same generic unauthorized error;
// the audit trail records which check actually failed.
func (s *AuthService) SignIn(ctx context.Context, message, signature, publicKey string) (*SignInResult, error) {
	if message == "" || signature == "" || publicKey == "" {
		return nil, apperrors.Validation("message, signature and publicKey are required")
	}

	// The wallet address is its public key.
	wallet := publicKey

	allowed, err := s.limiter.CheckLimit(ctx, wallet, signInMaxAttempts, signInWindow)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	if !allowed {
		s.logAuth(ctx, wallet, types.AuditActionRateLimitExceeded, false, "sign-in rate limit exceeded")
		return nil, apperrors.RateLimited(int(signInWindow.Seconds()))
	}

	if !sigverify.ValidateFreshness(message) {
		s.failedSignIn(ctx, wallet, "stale or malformed challenge")
		return nil, apperrors.ErrInvalidSignature
	}

	if !sigverify.Verify(message, signature, publicKey) {
		s.failedSignIn(ctx, wallet, "signature verification failed")
		return nil, apperrors.ErrInvalidSignature
	}

	token, sess, err := s.sessions.Create(ctx, wallet)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}

	if err := s.limiter.RecordAttempt(ctx, wallet, true); err != nil {
		s.log.Warn("failed to record successful attempt", "wallet", wallet, "error", err)
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.logAuth(ctx, wallet, types.AuditActionSignIn, true, "")

	return &SignInResult{
		AccessToken: token,
		ExpiresIn:   int64(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
		TokenType:   "Bearer",
	}, nil
}

func (s *AuthService) failedSignIn(ctx context.Context, wallet, reason string) {
	if err := s.limiter.RecordAttempt(ctx, wallet, false); err != nil {
		s.log.Warn("failed to record failed attempt", "wallet", wallet, "error", err)
	}
	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	s.logAuth(ctx, wallet, types.AuditActionSignIn, false, reason)
}

// SignOut revokes the caller's current session.
func (s *AuthService) SignOut(ctx context.Context, sess *types.Session) error {
	if err := s.sessions.Revoke(ctx, sess.SessionID); err != nil {
		return apperrors.Persistence(err)
	}
	s.logAuth(ctx, sess.WalletAddress, types.AuditActionSignOut, true, "")
	return nil
}

// SignOutAll revokes every session belonging to the caller's wallet.
func (s *AuthService) SignOutAll(ctx context.Context, sess *types.Session) (int64, error) {
	revoked, err := s.sessions.RevokeAll(ctx, sess.WalletAddress)
	if err != nil {
		return 0, apperrors.Persistence(err)
	}
	s.logAuth(ctx, sess.WalletAddress, types.AuditActionSignOutAll, true, "")
	return revoked, nil
}

// Sessions lists the caller's active sessions.
func (s *AuthService) Sessions(ctx context.Context, sess *types.Session) ([]*types.Session, error) {
	sessions, err := s.sessions.ListActive(ctx, sess.WalletAddress)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return sessions, nil
}

// RevokeSession revokes one of the caller's sessions. A session that does
// not exist or belongs to another wallet is the same 404 either way.
func (s *AuthService) RevokeSession(ctx context.Context, sess *types.Session, sessionID string) error {
	owned := false
	sessions, err := s.sessions.ListActive(ctx, sess.WalletAddress)
	if err != nil {
		return apperrors.Persistence(err)
	}
	for _, candidate := range sessions {
		if candidate.SessionID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		return apperrors.ErrNotFound
	}

	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.ErrNotFound
		}
		return apperrors.Persistence(err)
	}

	s.auditor.Log(ctx, &types.AuditEvent{
		WalletAddress: &sess.WalletAddress,
		Action:        types.AuditActionSessionRevoked,
		ResourceType:  types.ResourceTypeSession,
		ResourceID:    sessionID,
		Success:       true,
	})
	return nil
}

// SecurityEvents pages the caller's audit history, newest first.
func (s *AuthService) SecurityEvents(ctx context.Context, sess *types.Session, limit, offset int) ([]*types.AuditEvent, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.events.ListByWallet(ctx, sess.WalletAddress, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Persistence(err)
	}
	return events, total, nil
}

func (s *AuthService) logAuth(ctx context.Context, wallet, action string, success bool, reason string) {
	event := &types.AuditEvent{
		WalletAddress: &wallet,
		Action:        action,
		ResourceType:  types.ResourceTypeSession,
		Success:       success,
	}
	if reason != "" {
		event.Details = map[string]interface{}{"reason": reason}
	}
	s.auditor.Log(ctx, event)
}
