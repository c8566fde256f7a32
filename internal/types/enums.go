package types

// Tier identifies the effective entitlement level for an installation.
// It doubles as the status value reported to the remote usage ledger.
type Tier string

const (
	TierFree      Tier = "free"
	TierUnlimited Tier = "unlimited"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierUnlimited
}

// Trigger identifies what caused a reconciliation pass.
type Trigger string

const (
	TriggerAppStart       Trigger = "app_start"
	TriggerPurchaseUpdate Trigger = "purchase_update"
	TriggerRestoreRequest Trigger = "restore_requested"
)

// Feature identifies a gated capability.
type Feature string

const (
	FeatureCreateStory   Feature = "create_story"
	FeatureCloudTTS      Feature = "cloud_tts"
	FeaturePremiumVoices Feature = "premium_voices"
)

// SyncOutcome classifies the terminal result of a sync task dispatch.
type SyncOutcome string

const (
	SyncOutcomeDelivered  SyncOutcome = "delivered"
	SyncOutcomeSuperseded SyncOutcome = "superseded"
	SyncOutcomeDropped    SyncOutcome = "dropped"
)
