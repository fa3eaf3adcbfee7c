// Package types contains the domain types shared across the custody service.
package types

import (
	"time"

	"github.com/google/uuid"
)

// KeyRecord is one trading wallet's custody material. The wallet private key
// is wrapped by a per-record session key, which is itself wrapped by the
// master key provider; neither layer is ever persisted in plaintext.
type KeyRecord struct {
	ID                   uuid.UUID `json:"id"`
	OwnerWalletAddress   string    `json:"owner_wallet_address"`
	TradingWalletID      string    `json:"trading_wallet_id"`
	SessionKeyCiphertext []byte    `json:"-"`
	WalletKeyCiphertext  []byte    `json:"-"`
	Version              int       `json:"version"`
	LastUsedAt           time.Time `json:"last_used_at"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
}

// Session is one issued bearer session. Revocation is row deletion; expiry
// is fixed at issuance and never silently extended.
type Session struct {
	SessionID      string    `json:"session_id"`
	WalletAddress  string    `json:"wallet_address"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// AuthAttempt is an append-only authentication try, used only for
// rate-limit windowing.
type AuthAttempt struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is an append-only security event. WalletAddress is nil for
// failures that precede identity resolution.
type AuditEvent struct {
	ID            int64                  `json:"id"`
	WalletAddress *string                `json:"wallet_address,omitempty"`
	Action        string                 `json:"action"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	Details       map[string]interface{} `json:"details,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	Success       bool                   `json:"success"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Audit action constants
const (
	AuditActionStoreKeys        = "store_keys"
	AuditActionRetrieveKeys     = "retrieve_keys"
	AuditActionRotateKeys       = "rotate_keys"
	AuditActionDeactivateKeys   = "deactivate_keys"
	AuditActionDeleteKeys       = "delete_keys"
	AuditActionChallengeIssued  = "challenge_issued"
	AuditActionSignIn           = "sign_in"
	AuditActionSignOut          = "sign_out"
	AuditActionSignOutAll       = "sign_out_all"
	AuditActionSessionRevoked   = "session_revoked"
	AuditActionKeyReveal        = "key_reveal"
	AuditActionRateLimitExceeded = "rate_limit_exceeded"
)

// Audit status values recorded in event details
const (
	AuditStatusSuccess = "success"
	AuditStatusError   = "error"
)

// Resource type constants
const (
	ResourceTypeTradingWallet = "trading_wallet"
	ResourceTypeKeyRecord     = "key_record"
	ResourceTypeStrategy      = "strategy"
	ResourceTypeSession       = "session"
)
