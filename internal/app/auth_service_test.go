package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/ratelimit"
	"github.com/copyflow/custody/internal/session"
	apperrors "github.com/copyflow/custody/pkg/errors"
	"github.com/copyflow/custody/pkg/types"
)

var testSigningSecret = []byte("0123456789abcdef0123456789abcdef")

type testWalletKeys struct {
	address string
	priv    ed25519.PrivateKey
}

func newTestWallet(t *testing.T) testWalletKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testWalletKeys{address: base58.Encode(pub), priv: priv}
}

func (w testWalletKeys) sign(message string) string {
	return base58.Encode(ed25519.Sign(w.priv, []byte(message)))
}

func newTestAuthService(t *testing.T) (*AuthService, *fakeEventStore, *fakeAttemptStore) {
	t.Helper()
	attempts := &fakeAttemptStore{}
	events := &fakeEventStore{}

	manager, err := session.NewManager(newFakeSessionStore(), testSigningSecret)
	require.NoError(t, err)

	svc := NewAuthService(manager, ratelimit.NewLimiter(attempts), audit.NewLogger(events), events)
	return svc, events, attempts
}

func signIn(t *testing.T, svc *AuthService, wallet testWalletKeys) *SignInResult {
	t.Helper()
	ctx := context.Background()

	challenge, err := svc.Challenge(ctx)
	require.NoError(t, err)

	result, err := svc.SignIn(ctx, challenge, wallet.sign(challenge), wallet.address)
	require.NoError(t, err)
	return result
}

func TestSignInHappyPath(t *testing.T) {
	svc, events, _ := newTestAuthService(t)
	wallet := newTestWallet(t)

	result := signIn(t, svc, wallet)
	assert.NotEmpty(t, result.AccessToken)
	assert.Equal(t, "Bearer", result.TokenType)
	assert.Equal(t, int64(24*60*60), result.ExpiresIn)

	assert.Contains(t, events.actions(wallet.address), types.AuditActionSignIn)
}

func TestSignInRejectsBadSignature(t *testing.T) {
	svc, _, attempts := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)
	other := newTestWallet(t)

	challenge, err := svc.Challenge(ctx)
	require.NoError(t, err)

	// Signed by a different wallet than the claimed public key.
	_, err = svc.SignIn(ctx, challenge, other.sign(challenge), wallet.address)
	assert.Equal(t, apperrors.ErrInvalidSignature, err)

	// The failure still consumed a rate-limit slot.
	assert.Len(t, attempts.attempts, 1)
	assert.False(t, attempts.attempts[0].Success)
}

func TestSignInRejectsTamperedMessage(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)

	challenge, err := svc.Challenge(ctx)
	require.NoError(t, err)
	signature := wallet.sign(challenge)

	_, err = svc.SignIn(ctx, challenge+"x", signature, wallet.address)
	assert.Equal(t, apperrors.ErrInvalidSignature, err)
}

func TestSignInRejectsMissingFields(t *testing.T) {
	svc, _, _ := newTestAuthService(t)

	_, err := svc.SignIn(context.Background(), "", "", "")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
}

func TestSignInRateLimited(t *testing.T) {
	svc, events, _ := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)
	other := newTestWallet(t)

	for i := 0; i < signInMaxAttempts; i++ {
		challenge, err := svc.Challenge(ctx)
		require.NoError(t, err)
		_, err = svc.SignIn(ctx, challenge, other.sign(challenge), wallet.address)
		assert.Equal(t, apperrors.ErrInvalidSignature, err)
	}

	// Even a correct signature is refused once the window is exhausted.
	challenge, err := svc.Challenge(ctx)
	require.NoError(t, err)
	_, err = svc.SignIn(ctx, challenge, wallet.sign(challenge), wallet.address)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimited, appErr.Code)
	assert.Positive(t, appErr.RetryAfter)

	assert.Contains(t, events.actions(wallet.address), types.AuditActionRateLimitExceeded)
}

func TestSignInFailsClosedWhenAttemptStoreDown(t *testing.T) {
	svc, _, attempts := newTestAuthService(t)
	wallet := newTestWallet(t)
	ctx := context.Background()

	challenge, err := svc.Challenge(ctx)
	require.NoError(t, err)
	attempts.failing = true

	_, err = svc.SignIn(ctx, challenge, wallet.sign(challenge), wallet.address)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodePersistence, appErr.Code)
}

func TestSignOutInvalidatesSession(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)

	signIn(t, svc, wallet)
	sessions, err := svc.Sessions(ctx, &types.Session{WalletAddress: wallet.address})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, svc.SignOut(ctx, sessions[0]))

	sessions, err = svc.Sessions(ctx, &types.Session{WalletAddress: wallet.address})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSignOutAllRevokesEverySession(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)

	signIn(t, svc, wallet)
	signIn(t, svc, wallet)
	signIn(t, svc, wallet)

	sessions, err := svc.Sessions(ctx, &types.Session{WalletAddress: wallet.address})
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	revoked, err := svc.SignOutAll(ctx, sessions[0])
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
}

func TestRevokeSessionRequiresOwnership(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	ctx := context.Background()
	alice := newTestWallet(t)
	mallory := newTestWallet(t)

	signIn(t, svc, alice)
	aliceSessions, err := svc.Sessions(ctx, &types.Session{WalletAddress: alice.address})
	require.NoError(t, err)
	require.Len(t, aliceSessions, 1)

	signIn(t, svc, mallory)
	mallorySessions, err := svc.Sessions(ctx, &types.Session{WalletAddress: mallory.address})
	require.NoError(t, err)

	// Another wallet's session is indistinguishable from a nonexistent one.
	err = svc.RevokeSession(ctx, mallorySessions[0], aliceSessions[0].SessionID)
	assert.Equal(t, apperrors.ErrNotFound, err)

	// Alice can still use hers, and can revoke it herself.
	require.NoError(t, svc.RevokeSession(ctx, aliceSessions[0], aliceSessions[0].SessionID))
}

func TestSecurityEventsPaged(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	ctx := context.Background()
	wallet := newTestWallet(t)

	signIn(t, svc, wallet)
	signIn(t, svc, wallet)
	sess := &types.Session{WalletAddress: wallet.address}

	events, total, err := svc.SecurityEvents(ctx, sess, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, events, 1)
	assert.Equal(t, types.AuditActionSignIn, events[0].Action)

	// Out-of-range offset returns an empty page, same total.
	events, total, err = svc.SecurityEvents(ctx, sess, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, events)
}
