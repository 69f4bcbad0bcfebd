package services_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/services"
)

type SuccessfulSynthesisLLM struct {
	answer string
	calls  int
}

func (m *SuccessfulSynthesisLLM) SynthesizeAnswer(ctx context.Context, query string, sections []services.NarrativeSection) (string, error) {
	m.calls++
	return m.answer, nil
}

func stateWithOutputs(t *testing.T, outputs ...*models.AgentOutput) *models.PipelineState {
	t.Helper()
	state := models.NewPipelineState(models.PipelineRequest{Query: "test query"}, "req-1")
	for _, output := range outputs {
		if err := state.RecordOutput(output); err != nil {
			t.Fatal(err)
		}
	}
	return state
}

func TestSynthesizeSingleOutputSkipsLLM(t *testing.T) {
	llm := &SuccessfulSynthesisLLM{answer: "merged"}
	synthesizer := services.NewSynthesizer(llm, testLogger())

	state := stateWithOutputs(t, &models.AgentOutput{
		Capability: models.CapabilityDesertAnalysis,
		Summary:    "3 medical deserts found",
		ProducedAt: time.Now(),
	})

	final := synthesizer.Synthesize(context.Background(), state)

	if final.Text != "3 medical deserts found" {
		t.Errorf("Single output should pass through, got %q", final.Text)
	}
	if llm.calls != 0 {
		t.Errorf("LLM called %d times for a single output", llm.calls)
	}
}

func TestSynthesizeMultipleOutputsUsesLLM(t *testing.T) {
	llm := &SuccessfulSynthesisLLM{answer: "Unified answer covering deserts and recommendations."}
	synthesizer := services.NewSynthesizer(llm, testLogger())

	state := stateWithOutputs(t,
		&models.AgentOutput{Capability: models.CapabilityDesertAnalysis, Summary: "deserts"},
		&models.AgentOutput{Capability: models.CapabilityRecommendation, Summary: "recommendations"},
	)

	final := synthesizer.Synthesize(context.Background(), state)

	if final.Text != llm.answer {
		t.Errorf("Expected LLM answer, got %q", final.Text)
	}
	if llm.calls != 1 {
		t.Errorf("Expected 1 LLM call, got %d", llm.calls)
	}
}

func TestSynthesizeFallsBackWhenLLMFails(t *testing.T) {
	synthesizer := services.NewSynthesizer(&MockSynthesisLLM{}, testLogger())

	state := stateWithOutputs(t,
		&models.AgentOutput{Capability: models.CapabilityDesertAnalysis, Summary: "desert findings"},
		&models.AgentOutput{Capability: models.CapabilityTrustScoring, Summary: "trust findings"},
	)

	final := synthesizer.Synthesize(context.Background(), state)

	if !strings.Contains(final.Text, "desert findings") || !strings.Contains(final.Text, "trust findings") {
		t.Errorf("Fallback merge missing agent sections: %q", final.Text)
	}
	if !strings.Contains(final.Text, "Medical Desert Analysis") {
		t.Errorf("Fallback merge missing section heading: %q", final.Text)
	}
}

func TestSynthesizeAppendsFailureNotices(t *testing.T) {
	synthesizer := services.NewSynthesizer(&MockSynthesisLLM{}, testLogger())

	state := stateWithOutputs(t, &models.AgentOutput{
		Capability: models.CapabilityTrustScoring,
		Summary:    "trust ok",
	})
	state.RecordError(models.CapabilityRecommendation, models.ErrorKindRetrievalUnavailable, "vector store unreachable")

	final := synthesizer.Synthesize(context.Background(), state)

	if !strings.Contains(final.Text, "trust ok") {
		t.Errorf("Successful output missing: %q", final.Text)
	}
	if !strings.Contains(final.Text, "could not be completed") || !strings.Contains(final.Text, "vector store unreachable") {
		t.Errorf("Failure notice missing: %q", final.Text)
	}
	if len(final.AgentsFailed) != 1 {
		t.Errorf("Expected 1 failed agent, got %v", final.AgentsFailed)
	}
}

func TestSynthesizeNeverFailsWithNoOutputs(t *testing.T) {
	synthesizer := services.NewSynthesizer(&MockSynthesisLLM{}, testLogger())

	state := models.NewPipelineState(models.PipelineRequest{Query: "q"}, "req-1")
	state.RecordError(models.CapabilityRecommendation, models.ErrorKindAgentExecution, "boom")

	final := synthesizer.Synthesize(context.Background(), state)
	if final == nil || final.Text == "" {
		t.Error("Synthesizer must always produce a response")
	}
}

func TestSynthesizeMergesFacilityMentions(t *testing.T) {
	synthesizer := services.NewSynthesizer(&SuccessfulSynthesisLLM{answer: "merged"}, testLogger())

	state := stateWithOutputs(t,
		&models.AgentOutput{
			Capability: models.CapabilityRecommendation,
			Summary:    "found",
			Recommendations: &models.RecommendationList{
				Matches: []models.FacilityMatch{
					{FacilityID: "fac-1", Name: "Korle Bu", SimilarityScore: 0.92},
					{FacilityID: "fac-2", Name: "Ridge Hospital", SimilarityScore: 0.81},
				},
			},
		},
		&models.AgentOutput{
			Capability: models.CapabilityTrustScoring,
			Summary:    "scored",
			Trust: &models.TrustReport{
				FacilityID:   "fac-1",
				FacilityName: "Korle Bu",
				TrustScore:   85,
			},
		},
	)

	final := synthesizer.Synthesize(context.Background(), state)

	if len(final.Facilities) != 2 {
		t.Fatalf("Expected 2 merged facilities, got %d", len(final.Facilities))
	}

	first := final.Facilities[0]
	if first.FacilityID != "fac-1" {
		t.Fatalf("Expected fac-1 first, got %s", first.FacilityID)
	}
	if first.SimilarityScore == nil || *first.SimilarityScore != 0.92 {
		t.Error("Merged facility lost its similarity score")
	}
	if first.TrustScore == nil || *first.TrustScore != 85 {
		t.Error("Merged facility lost its trust score")
	}

	second := final.Facilities[1]
	if second.TrustScore != nil {
		t.Error("Unscored facility must not carry a trust score")
	}
}
