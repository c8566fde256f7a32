package external

import (
	"context"

	"storygate/internal/types"
)

// ---------------------------------------------------------------------------
// Authoritative Purchase Source
// ---------------------------------------------------------------------------

// PurchaseSource abstracts the platform store that owns the purchase ledger.
// It is the single source of truth for the entitlement tier. The engine
// treats it as opaque: it eventually returns the set of currently valid
// one-time-purchase product identifiers, or an error.
type PurchaseSource interface {
	// ActivePurchases returns the currently valid purchases for this
	// user/device. May fail or time out; callers must degrade to the
	// last-known local tier on error.
	ActivePurchases(ctx context.Context) ([]types.PurchaseRecord, error)
}

// PurchaseEventVerifier abstracts signature checking of pushed purchase-set
// change notifications.
type PurchaseEventVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Purchase event type constants prevent magic strings in webhook handlers.
const (
	EventEntitlementSummaryUpdated = "entitlements.active_entitlement_summary.updated"
)

// ---------------------------------------------------------------------------
// Remote Usage Ledger
// ---------------------------------------------------------------------------

// UsageLedger abstracts the remote service tracking monthly usage per user.
// It is synced to, never read for gating decisions.
type UsageLedger interface {
	// SyncStatus reports the local effective entitlement. Idempotent on the
	// caller's side; safe to retry.
	SyncStatus(ctx context.Context, req types.SyncStatusRequest) error

	// GetUsage returns the remote usage counters for display purposes only.
	GetUsage(ctx context.Context, userID string) (*types.UsageRecord, error)
}
