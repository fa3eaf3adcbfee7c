package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/copyflow/custody/internal/storage"
	"github.com/copyflow/custody/pkg/types"
)

// In-memory store fakes shared by the service tests. They mirror the
// Postgres repositories closely enough to exercise the services end to end
// without a database.

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*types.Session)}
}

func (f *fakeSessionStore) Create(_ context.Context, session *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.SessionID] = &copied
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessionStore) ListActiveByWallet(_ context.Context, walletAddress string, now time.Time) ([]*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Session
	for _, session := range f.sessions {
		if session.WalletAddress == walletAddress && now.Before(session.ExpiresAt) {
			copied := *session
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeSessionStore) TouchLastAccessed(_ context.Context, sessionID string, accessedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[sessionID]; ok {
		session.LastAccessedAt = accessedAt
	}
	return nil
}

func (f *fakeSessionStore) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionStore) DeleteByWallet(_ context.Context, walletAddress string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, session := range f.sessions {
		if session.WalletAddress == walletAddress {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, session := range f.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []types.AuthAttempt
	failing  bool
}

func (f *fakeAttemptStore) CountSince(_ context.Context, identifier string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, context.DeadlineExceeded
	}
	count := 0
	for _, attempt := range f.attempts {
		if attempt.Identifier == identifier && attempt.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeAttemptStore) Insert(_ context.Context, identifier string, success bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, types.AuthAttempt{Identifier: identifier, Success: success, CreatedAt: at})
	return nil
}

func (f *fakeAttemptStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attempts[:0]
	var n int64
	for _, attempt := range f.attempts {
		if attempt.CreatedAt.After(cutoff) {
			kept = append(kept, attempt)
		} else {
			n++
		}
	}
	f.attempts = kept
	return n, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (f *fakeEventStore) Insert(_ context.Context, event *types.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *event
	copied.CreatedAt = time.Now()
	f.events = append(f.events, &copied)
	return nil
}

func (f *fakeEventStore) ListByWallet(_ context.Context, walletAddress string, limit, offset int) ([]*types.AuditEvent, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*types.AuditEvent
	for i := len(f.events) - 1; i >= 0; i-- {
		event := f.events[i]
		if event.WalletAddress != nil && *event.WalletAddress == walletAddress {
			matched = append(matched, event)
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

func (f *fakeEventStore) actions(walletAddress string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, event := range f.events {
		if event.WalletAddress != nil && *event.WalletAddress == walletAddress {
			out = append(out, event.Action)
		}
	}
	return out
}

type fakeOwnershipStore struct {
	// ownership maps owner wallet -> owned trading wallet IDs.
	ownership map[string][]string
}

func (f *fakeOwnershipStore) owns(owner, resourceID string) (bool, error) {
	for _, id := range f.ownership[owner] {
		if id == resourceID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOwnershipStore) TradingWalletOwnedBy(_ context.Context, owner, tradingWalletID string) (bool, error) {
	return f.owns(owner, tradingWalletID)
}

func (f *fakeOwnershipStore) KeyRecordOwnedBy(_ context.Context, owner, tradingWalletID string) (bool, error) {
	return f.owns(owner, tradingWalletID)
}

func (f *fakeOwnershipStore) StrategyOwnedBy(_ context.Context, owner, strategyID string) (bool, error) {
	return f.owns(owner, strategyID)
}
