package entitlement

import (
	"testing"

	"storygate/internal/types"
)

func TestGatePredicates(t *testing.T) {
	cases := []struct {
		name  string
		state types.EntitlementState
		want  bool
	}{
		{"unlimited", types.UnlimitedState(), true},
		{"free with credits", types.FreeState(2), true},
		{"free with one credit", types.FreeState(1), true},
		{"free exhausted", types.FreeState(0), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanCreateStory(tc.state); got != tc.want {
				t.Errorf("CanCreateStory(%+v) = %v, want %v", tc.state, got, tc.want)
			}
			if got := CanUseCloudTTS(tc.state); got != tc.want {
				t.Errorf("CanUseCloudTTS(%+v) = %v, want %v", tc.state, got, tc.want)
			}
			if got := CanUsePremiumVoices(tc.state); got != tc.want {
				t.Errorf("CanUsePremiumVoices(%+v) = %v, want %v", tc.state, got, tc.want)
			}
		})
	}
}

func TestAllowedDispatch(t *testing.T) {
	free := types.FreeState(1)
	for _, f := range []types.Feature{types.FeatureCreateStory, types.FeatureCloudTTS, types.FeaturePremiumVoices} {
		if !Allowed(free, f) {
			t.Errorf("Allowed(free{1}, %s) = false, want true", f)
		}
	}
	if Allowed(free, types.Feature("time_travel")) {
		t.Error("Allowed() granted an unknown feature")
	}
}
