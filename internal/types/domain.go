package types

import "time"

// EntitlementState is the tagged variant at the heart of every gating decision.
// Tier selects the variant; StoriesRemaining is meaningful only for TierFree
// and is always clamped to [0, initialGrant].
type EntitlementState struct {
	Tier             Tier `json:"tier"`
	StoriesRemaining int  `json:"stories_remaining"`
}

// FreeState returns a free-tier state with the given remaining quota.
func FreeState(remaining int) EntitlementState {
	if remaining < 0 {
		remaining = 0
	}
	return EntitlementState{Tier: TierFree, StoriesRemaining: remaining}
}

// UnlimitedState returns the unlimited-tier state. StoriesRemaining is zeroed;
// it carries no meaning on this variant.
func UnlimitedState() EntitlementState {
	return EntitlementState{Tier: TierUnlimited}
}

// IsUnlimited reports whether the unlimited variant is active.
func (s EntitlementState) IsUnlimited() bool {
	return s.Tier == TierUnlimited
}

// Clamp bounds StoriesRemaining to [0, initialGrant] on the free variant.
func (s EntitlementState) Clamp(initialGrant int) EntitlementState {
	if s.Tier != TierFree {
		return UnlimitedState()
	}
	if s.StoriesRemaining < 0 {
		s.StoriesRemaining = 0
	}
	if s.StoriesRemaining > initialGrant {
		s.StoriesRemaining = initialGrant
	}
	return s
}

// EntitlementRecord is the durable persistence layout: one record per
// installation, written atomically as a whole. FirstLaunchCompleted guards
// the one-time free-grant seeding.
type EntitlementRecord struct {
	Tier                 Tier `json:"tier"`
	StoriesRemaining     int  `json:"stories_remaining"`
	FirstLaunchCompleted bool `json:"first_launch_completed"`
}

// State projects the record onto the in-memory variant.
func (r EntitlementRecord) State() EntitlementState {
	if r.Tier == TierUnlimited {
		return UnlimitedState()
	}
	return FreeState(r.StoriesRemaining)
}

// EffectiveEntitlement is the reconciled decision handed to consumers.
// Revision increases monotonically on every state change so subscribers can
// discard stale notifications delivered out of order.
type EffectiveEntitlement struct {
	State     EntitlementState `json:"state"`
	Revision  uint64           `json:"revision"`
	ChangedAt time.Time        `json:"changed_at"`
}

// PurchaseRecord is a single entry in the authoritative purchase set.
// Immutable once issued; a purchase is either present or absent in the
// reported set.
type PurchaseRecord struct {
	ProductID   string    `json:"product_id"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// UsageRecord mirrors the remote ledger's per-user monthly counters.
// The ledger owns it; local copies are display-only and never consulted for
// gating decisions.
type UsageRecord struct {
	UserID             string     `json:"user_id" db:"user_id"`
	MonthlyStories     int        `json:"monthly_stories" db:"monthly_stories"`
	MonthlyCharacters  int        `json:"monthly_characters" db:"monthly_characters"`
	LastStoryDate      *time.Time `json:"last_story_date,omitempty" db:"last_story_date"`
	MaxStoriesPerMonth int        `json:"max_stories_per_month" db:"max_stories_per_month"`
	PeriodStart        time.Time  `json:"period_start" db:"period_start"`
}

// SyncTask carries a local entitlement change to the remote usage ledger.
// Created by the reconciliation controller on every effective-state change;
// consumed and retried by the sync scheduler; discarded on success or when a
// newer task for the same logical state supersedes it.
type SyncTask struct {
	ID          string          `json:"id"`
	Status      Tier            `json:"status"`
	Purchase    *PurchaseRecord `json:"purchase,omitempty"`
	Revision    uint64          `json:"revision"`
	Attempt     int             `json:"attempt"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// SyncStatusRequest is the wire payload of the ledger's single write
// operation. Idempotent on the caller's side; safe to retry.
type SyncStatusRequest struct {
	DeviceID string          `json:"device_id" validate:"required,max=128"`
	UserID   string          `json:"user_id,omitempty" validate:"max=128"`
	Status   Tier            `json:"status" validate:"required,oneof=free unlimited"`
	Purchase *PurchaseRecord `json:"purchase,omitempty"`
	EventAt  time.Time       `json:"event_at"`
}

// SyncStatusResponse is the ledger's acknowledgement.
type SyncStatusResponse struct {
	Success bool `json:"success"`
}
