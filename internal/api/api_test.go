package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyflow/custody/internal/access"
	"github.com/copyflow/custody/internal/app"
	"github.com/copyflow/custody/internal/audit"
	"github.com/copyflow/custody/internal/config"
	"github.com/copyflow/custody/internal/keyvault"
	"github.com/copyflow/custody/internal/kms"
	"github.com/copyflow/custody/internal/middleware"
	"github.com/copyflow/custody/internal/ratelimit"
	"github.com/copyflow/custody/internal/session"
	"github.com/copyflow/custody/internal/sigverify"
	"github.com/copyflow/custody/internal/storage"
	"github.com/copyflow/custody/pkg/types"
)

// In-memory stores backing a full server instance. The services under test
// are the real ones; only persistence is substituted.

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*types.Session
}

func (m *memSessions) Create(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.rows[s.SessionID] = &copied
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessions) ListActiveByWallet(_ context.Context, wallet string, now time.Time) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Session
	for _, s := range m.rows {
		if s.WalletAddress == wallet && now.Before(s.ExpiresAt) {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) TouchLastAccessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memSessions) DeleteByWallet(_ context.Context, wallet string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.rows {
		if s.WalletAddress == wallet {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.rows {
		if !now.Before(s.ExpiresAt) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []types.AuthAttempt
}

func (m *memAttempts) CountSince(_ context.Context, identifier string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.rows {
		if a.Identifier == identifier && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) Insert(_ context.Context, identifier string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, types.AuthAttempt{Identifier: identifier, Success: success, CreatedAt: at})
	return nil
}

func (m *memAttempts) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type memEvents struct {
	mu   sync.Mutex
	rows []*types.AuditEvent
}

func (m *memEvents) Insert(_ context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	copied.CreatedAt = time.Now()
	m.rows = append(m.rows, &copied)
	return nil
}

func (m *memEvents) ListByWallet(_ context.Context, wallet string, limit, offset int) ([]*types.AuditEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*types.AuditEvent
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].WalletAddress != nil && *m.rows[i].WalletAddress == wallet {
			matched = append(matched, m.rows[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

type memRecords struct {
	mu   sync.Mutex
	rows map[string]*types.KeyRecord
}

func (m *memRecords) Create(_ context.Context, rec *types.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[rec.TradingWalletID]; ok && existing.IsActive {
		return storage.ErrDuplicate
	}
	rec.IsActive = true
	copied := *rec
	m.rows[rec.TradingWalletID] = &copied
	return nil
}

func (m *memRecords) GetActive(_ context.Context, id string) (*types.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok || !rec.IsActive {
		return nil, storage.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *memRecords) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	return nil
}

func (m *memRecords) ReplaceCiphertexts(_ context.Context, id string, sessCt, walletCt []byte, expectedVersion int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok || !rec.IsActive || rec.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	rec.SessionKeyCiphertext = sessCt
	rec.WalletKeyCiphertext = walletCt
	rec.Version++
	return nil
}

func (m *memRecords) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok || !rec.IsActive {
		return storage.ErrNotFound
	}
	rec.IsActive = false
	return nil
}

func (m *memRecords) DeleteByTradingWallet(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type memOwnership struct {
	// owner wallet -> owned trading wallet pubkeys
	owned map[string][]string
}

func (m *memOwnership) has(owner, id string) (bool, error) {
	for _, candidate := range m.owned[owner] {
		if candidate == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memOwnership) TradingWalletOwnedBy(_ context.Context, owner, id string) (bool, error) {
	return m.has(owner, id)
}

func (m *memOwnership) KeyRecordOwnedBy(_ context.Context, owner, id string) (bool, error) {
	return m.has(owner, id)
}

func (m *memOwnership) StrategyOwnedBy(_ context.Context, owner, id string) (bool, error) {
	return m.has(owner, id)
}

type testWallet struct {
	address string
	priv    ed25519.PrivateKey
}

func generateWallet(t *testing.T) testWallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testWallet{address: base58.Encode(pub), priv: priv}
}

func (w testWallet) sign(message string) string {
	return base58.Encode(ed25519.Sign(w.priv, []byte(message)))
}

type testEnv struct {
	ts        *httptest.Server
	ownership *memOwnership
	records   *memRecords
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{Port: 0}
	ownership := &memOwnership{owned: map[string][]string{}}
	records := &memRecords{rows: map[string]*types.KeyRecord{}}
	events := &memEvents{}
	auditor := audit.NewLogger(events)
	limiter := ratelimit.NewLimiter(&memAttempts{})

	master, err := kms.NewLocalProvider(bytes.Repeat([]byte{0x7E}, 32))
	require.NoError(t, err)

	manager, err := session.NewManager(&memSessions{rows: map[string]*types.Session{}}, bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	authService := app.NewAuthService(manager, limiter, auditor, events)
	custodyService := app.NewCustodyService(
		keyvault.NewService(records, master, auditor),
		access.NewController(ownership),
		limiter,
		auditor,
	)

	server := NewServer(cfg, authService, custodyService,
		middleware.NewSessionAuth(manager),
		middleware.NewRateLimiter(1000, 1000, false),
	)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, ownership: ownership, records: records}
}

// do sends a JSON request and decodes the JSON response body into out when
// out is non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body, out interface{}) *http.Response {
	t.Helper()

	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		require.NoError(t, json.NewEncoder(reqBody).Encode(body))
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// signIn runs the full challenge/response flow and returns a bearer token.
func (e *testEnv) signIn(t *testing.T, w testWallet) string {
	t.Helper()

	var challenge ChallengeResponse
	resp := e.do(t, http.MethodPost, "/v1/auth/challenge", "", nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signedIn SignInResponse
	resp = e.do(t, http.MethodPost, "/v1/auth/signin", "", SignInRequest{
		Message:   challenge.Challenge,
		Signature: w.sign(challenge.Challenge),
		PublicKey: w.address,
	}, &signedIn)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, signedIn.AccessToken)
	return signedIn.AccessToken
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthLifecycle(t *testing.T) {
	// Challenge -> sign -> session -> authenticated call -> revoke ->
	// the same token is dead.
	env := newTestEnv(t)
	wallet := generateWallet(t)

	token := env.signIn(t, wallet)

	var sessions []SessionResponse
	resp := env.do(t, http.MethodGet, "/v1/auth/sessions", token, nil, &sessions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsCurrent)
	assert.Greater(t, sessions[0].ExpiresAt, sessions[0].CreatedAt)

	resp = env.do(t, http.MethodDelete, "/v1/auth/sessions/"+sessions[0].SessionID, token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Revocation is immediate even though the JWT itself is still unexpired.
	resp = env.do(t, http.MethodGet, "/v1/auth/sessions", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignInRejectsForgedSignature(t *testing.T) {
	env := newTestEnv(t)
	wallet := generateWallet(t)
	forger := generateWallet(t)

	var challenge ChallengeResponse
	resp := env.do(t, http.MethodPost, "/v1/auth/challenge", "", nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var errBody map[string]string
	resp = env.do(t, http.MethodPost, "/v1/auth/signin", "", SignInRequest{
		Message:   challenge.Challenge,
		Signature: forger.sign(challenge.Challenge),
		PublicKey: wallet.address,
	}, &errBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	// The body carries only the generic message, nothing about why.
	assert.Equal(t, "Invalid signature", errBody["message"])
}

func TestAuthenticatedRoutesRejectMissingOrGarbageTokens(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/auth/sessions", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/auth/sessions", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignOutAll(t *testing.T) {
	env := newTestEnv(t)
	wallet := generateWallet(t)

	env.signIn(t, wallet)
	token := env.signIn(t, wallet)

	var result SignOutAllResponse
	resp := env.do(t, http.MethodPost, "/v1/auth/signout-all", token, nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), result.RevokedSessions)

	resp = env.do(t, http.MethodGet, "/v1/auth/sessions", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKeyCustodyFlow(t *testing.T) {
	env := newTestEnv(t)
	owner := generateWallet(t)
	trading := generateWallet(t)
	env.ownership.owned[owner.address] = []string{trading.address}

	token := env.signIn(t, owner)
	walletPath := "/v1/wallets/" + trading.address
	keysPath := walletPath + "/keys"

	resp := env.do(t, http.MethodPost, keysPath, token, StoreKeyRequest{
		PrivateKey: base58.Encode(trading.priv),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A second import for the same wallet is refused.
	resp = env.do(t, http.MethodPost, keysPath, token, StoreKeyRequest{
		PrivateKey: base58.Encode(trading.priv),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Reveal needs a scoped challenge signed by the owner wallet.
	var challenge ChallengeResponse
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-challenge", token, nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, challenge.Challenge, trading.address)

	var revealed RevealKeyResponse
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-private-key", token, RevealKeyRequest{
		Challenge: challenge.Challenge,
		Signature: owner.sign(challenge.Challenge),
	}, &revealed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, base58.Encode(trading.priv), revealed.PrivateKey)

	// Rotation changes the wrapping, not the key.
	resp = env.do(t, http.MethodPost, walletPath+"/rotate-key", token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, walletPath+"/reveal-challenge", token, nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts, ok := sigverify.ChallengeTimestamp(challenge.Challenge)
	require.True(t, ok)
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-private-key", token, RevealKeyRequest{
		Challenge: challenge.Challenge,
		Signature: owner.sign(challenge.Challenge),
		Timestamp: ts,
	}, &revealed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, base58.Encode(trading.priv), revealed.PrivateKey)

	// Deactivation ends reveals with a 404.
	resp = env.do(t, http.MethodDelete, keysPath, token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, walletPath+"/reveal-challenge", token, nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-private-key", token, RevealKeyRequest{
		Challenge: challenge.Challenge,
		Signature: owner.sign(challenge.Challenge),
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRevealRejectsSessionOnlyAttacker(t *testing.T) {
	// A stolen bearer token alone cannot reveal a key: the reveal signature
	// must come from the owner's wallet key, which the attacker lacks.
	env := newTestEnv(t)
	owner := generateWallet(t)
	attacker := generateWallet(t)
	trading := generateWallet(t)
	env.ownership.owned[owner.address] = []string{trading.address}

	ownerToken := env.signIn(t, owner)
	walletPath := "/v1/wallets/" + trading.address

	resp := env.do(t, http.MethodPost, walletPath+"/keys", ownerToken, StoreKeyRequest{
		PrivateKey: base58.Encode(trading.priv),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var challenge ChallengeResponse
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-challenge", ownerToken, nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, walletPath+"/reveal-private-key", ownerToken, RevealKeyRequest{
		Challenge: challenge.Challenge,
		Signature: attacker.sign(challenge.Challenge),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevealRejectsMismatchedTimestamp(t *testing.T) {
	env := newTestEnv(t)
	owner := generateWallet(t)
	trading := generateWallet(t)
	env.ownership.owned[owner.address] = []string{trading.address}

	token := env.signIn(t, owner)
	walletPath := "/v1/wallets/" + trading.address

	resp := env.do(t, http.MethodPost, walletPath+"/keys", token, StoreKeyRequest{
		PrivateKey: base58.Encode(trading.priv),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var challenge ChallengeResponse
	resp = env.do(t, http.MethodPost, walletPath+"/reveal-challenge", token, nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, walletPath+"/reveal-private-key", token, RevealKeyRequest{
		Challenge: challenge.Challenge,
		Signature: owner.sign(challenge.Challenge),
		Timestamp: 12345,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWalletRoutesEnforceOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := generateWallet(t)
	stranger := generateWallet(t)
	trading := generateWallet(t)
	env.ownership.owned[owner.address] = []string{trading.address}

	token := env.signIn(t, stranger)

	resp := env.do(t, http.MethodPost, "/v1/wallets/"+trading.address+"/keys", token, StoreKeyRequest{
		PrivateKey: base58.Encode(trading.priv),
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/wallets/"+trading.address+"/reveal-challenge", token, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignInRateLimitSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	wallet := generateWallet(t)
	forger := generateWallet(t)

	for i := 0; i < 10; i++ {
		var challenge ChallengeResponse
		resp := env.do(t, http.MethodPost, "/v1/auth/challenge", "", nil, &challenge)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp = env.do(t, http.MethodPost, "/v1/auth/signin", "", SignInRequest{
			Message:   challenge.Challenge,
			Signature: forger.sign(challenge.Challenge),
			PublicKey: wallet.address,
		}, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	var challenge ChallengeResponse
	resp := env.do(t, http.MethodPost, "/v1/auth/challenge", "", nil, &challenge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/v1/auth/signin", "", SignInRequest{
		Message:   challenge.Challenge,
		Signature: wallet.sign(challenge.Challenge),
		PublicKey: wallet.address,
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSecurityEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	wallet := generateWallet(t)
	token := env.signIn(t, wallet)

	var page SecurityEventsResponse
	resp := env.do(t, http.MethodGet, "/v1/auth/security-events?limit=10", token, nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, page.Data)
	assert.Equal(t, types.AuditActionSignIn, page.Data[0].Action)
	assert.True(t, page.Data[0].Success)
	assert.GreaterOrEqual(t, page.Total, 1)
}

func TestUnknownWalletOperation(t *testing.T) {
	env := newTestEnv(t)
	wallet := generateWallet(t)
	token := env.signIn(t, wallet)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/wallets/%s/export-key", wallet.address), token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
