package api

import (
	"context"

	"github.com/copyflow/custody/internal/app"
	"github.com/copyflow/custody/pkg/types"
)

// AuthService is the subset of app.AuthService used by the API layer.
// It is an interface to allow handler-level unit tests without a database.
type AuthService interface {
	Challenge(ctx context.Context) (string, error)
	SignIn(ctx context.Context, message, signature, publicKey string) (*app.SignInResult, error)
	SignOut(ctx context.Context, sess *types.Session) error
	SignOutAll(ctx context.Context, sess *types.Session) (int64, error)
	Sessions(ctx context.Context, sess *types.Session) ([]*types.Session, error)
	RevokeSession(ctx context.Context, sess *types.Session, sessionID string) error
	SecurityEvents(ctx context.Context, sess *types.Session, limit, offset int) ([]*types.AuditEvent, int, error)
}

// CustodyService is the subset of app.CustodyService used by the API layer.
type CustodyService interface {
	StoreKey(ctx context.Context, sess *types.Session, tradingWalletID, privateKeyB58 string) error
	RevealChallenge(ctx context.Context, sess *types.Session, tradingWalletID string) (string, error)
	RevealKey(ctx context.Context, sess *types.Session, tradingWalletID, message, signature string) (string, error)
	RotateKey(ctx context.Context, sess *types.Session, tradingWalletID string) error
	DeactivateKey(ctx context.Context, sess *types.Session, tradingWalletID string) error
	DeleteKey(ctx context.Context, sess *types.Session, tradingWalletID string) error
}
