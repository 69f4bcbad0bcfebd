package services_test

import (
	"testing"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/services"
)

func TestKeywordClassify(t *testing.T) {
	cases := []struct {
		query string
		want  models.Capability
	}{
		{"Which regions are medical deserts?", models.CapabilityDesertAnalysis},
		{"show me the healthcare coverage gap up north", models.CapabilityDesertAnalysis},
		{"Is Korle Bu a trustworthy hospital?", models.CapabilityTrustScoring},
		{"verify this clinic for me", models.CapabilityTrustScoring},
		{"find a maternity clinic in Accra", models.CapabilityRecommendation},
		{"hello", models.CapabilityRecommendation},
	}

	for _, tc := range cases {
		plan := services.KeywordClassify(tc.query)
		if len(plan) != 1 {
			t.Errorf("KeywordClassify(%q) returned %d capabilities, want 1", tc.query, len(plan))
			continue
		}
		if plan[0] != tc.want {
			t.Errorf("KeywordClassify(%q) = %s, want %s", tc.query, plan[0], tc.want)
		}
	}
}

func TestKeywordClassifyDesertBeatsTrust(t *testing.T) {
	// Regional-coverage wording wins when both keyword families appear.
	plan := services.KeywordClassify("which underserved regions have reliable hospitals")
	if plan[0] != models.CapabilityDesertAnalysis {
		t.Errorf("Expected desert analysis to take precedence, got %s", plan[0])
	}
}
