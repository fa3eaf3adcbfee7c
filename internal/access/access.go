// Package access resolves whether a caller's wallet owns a resource before
// any sensitive operation is permitted. Every failure mode denies: unknown
// resource kinds, missing ownership rows and store errors all yield false.
package access

import (
	"context"
	"log/slog"

	"github.com/copyflow/custody/internal/logger"
)

// ResourceKind is the closed set of resource types this subsystem can check
// ownership for. Adding a kind requires a case in Controller.HasAccess.
type ResourceKind int

const (
	ResourceUnknown ResourceKind = iota
	ResourceTradingWallet
	ResourceKeyRecord
	ResourceStrategy
)

// String returns the wire/audit name of the resource kind.
func (k ResourceKind) String() string {
	switch k {
	case ResourceTradingWallet:
		return "trading_wallet"
	case ResourceKeyRecord:
		return "key_record"
	case ResourceStrategy:
		return "strategy"
	default:
		return "unknown"
	}
}

// OwnershipStore answers resource-specific ownership queries.
type OwnershipStore interface {
	TradingWalletOwnedBy(ctx context.Context, ownerWalletAddress, tradingWalletID string) (bool, error)
	KeyRecordOwnedBy(ctx context.Context, ownerWalletAddress, tradingWalletID string) (bool, error)
	StrategyOwnedBy(ctx context.Context, ownerWalletAddress, strategyID string) (bool, error)
}

// Controller gates sensitive operations on resource ownership.
type Controller struct {
	ownership OwnershipStore
	log       *slog.Logger
}

// NewController creates an access controller.
func NewController(ownership OwnershipStore) *Controller {
	return &Controller{
		ownership: ownership,
		log:       logger.Component("access"),
	}
}

// HasAccess reports whether walletAddress owns the resource. It never
// returns an error: a query failure is logged and denied.
func (c *Controller) HasAccess(ctx context.Context, walletAddress string, kind ResourceKind, resourceID string) bool {
	if walletAddress == "" || resourceID == "" {
		return false
	}

	var owned bool
	var err error

	switch kind {
	case ResourceTradingWallet:
		owned, err = c.ownership.TradingWalletOwnedBy(ctx, walletAddress, resourceID)
	case ResourceKeyRecord:
		owned, err = c.ownership.KeyRecordOwnedBy(ctx, walletAddress, resourceID)
	case ResourceStrategy:
		owned, err = c.ownership.StrategyOwnedBy(ctx, walletAddress, resourceID)
	default:
		return false
	}

	if err != nil {
		c.log.Error("ownership check failed, denying access",
			"wallet", walletAddress,
			"resource_type", kind.String(),
			"resource_id", resourceID,
			"error", err,
		)
		return false
	}

	return owned
}
