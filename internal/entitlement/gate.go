package entitlement

import "storygate/internal/types"

// Feature gate predicates. Pure functions over a state snapshot, no I/O, so
// callers on hot paths never block. Premium synthesis is paid for by the same
// credit as story creation, so all three predicates share one rule: unlimited
// tier, or at least one free credit left.

// CanCreateStory reports whether a new story may be generated.
func CanCreateStory(s types.EntitlementState) bool {
	return s.IsUnlimited() || s.StoriesRemaining > 0
}

// CanUseCloudTTS reports whether cloud text-to-speech may be used.
func CanUseCloudTTS(s types.EntitlementState) bool {
	return CanCreateStory(s)
}

// CanUsePremiumVoices reports whether premium voice models may be selected.
func CanUsePremiumVoices(s types.EntitlementState) bool {
	return CanCreateStory(s)
}

// Allowed dispatches on a feature constant. Unknown features are denied.
func Allowed(s types.EntitlementState, f types.Feature) bool {
	switch f {
	case types.FeatureCreateStory:
		return CanCreateStory(s)
	case types.FeatureCloudTTS:
		return CanUseCloudTTS(s)
	case types.FeaturePremiumVoices:
		return CanUsePremiumVoices(s)
	default:
		return false
	}
}
