package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
)

// NarrativeSection is one agent's text contribution to the final answer.
type NarrativeSection struct {
	Capability models.Capability
	Text       string
}

// SynthesisLLM merges several agent narratives into one answer.
type SynthesisLLM interface {
	SynthesizeAnswer(ctx context.Context, query string, sections []NarrativeSection) (string, error)
}

// Synthesizer builds the final response from whatever the agents produced.
// It never fails: a single output passes through directly, multiple outputs
// are merged by the model with a deterministic concatenation as fallback,
// and failed agents always surface as explicit notices.
type Synthesizer struct {
	llm    SynthesisLLM
	logger *logger.Logger
}

func NewSynthesizer(llm SynthesisLLM, log *logger.Logger) *Synthesizer {
	return &Synthesizer{
		llm:    llm,
		logger: log,
	}
}

func (synthesizer *Synthesizer) Synthesize(ctx context.Context, state *models.PipelineState) *models.FinalResponse {
	startTime := time.Now()

	outputs := state.OutputsInOrder()
	sections := make([]NarrativeSection, 0, len(outputs))
	for _, output := range outputs {
		sections = append(sections, NarrativeSection{
			Capability: output.Capability,
			Text:       output.Summary,
		})
	}

	response := &models.FinalResponse{
		AgentsUsed:   state.AgentsUsed(),
		AgentsFailed: state.AgentsFailed(),
		Facilities:   mergeFacilities(state),
	}

	for _, output := range outputs {
		switch output.Capability {
		case models.CapabilityDesertAnalysis:
			response.Desert = output.Desert
		case models.CapabilityTrustScoring:
			response.Trust = output.Trust
		case models.CapabilityRecommendation:
			response.Recommendations = output.Recommendations
		}
	}

	response.Text = synthesizer.composeText(ctx, state, sections)

	if notices := failureNotices(state.Errors); notices != "" {
		if response.Text != "" {
			response.Text += "\n\n"
		}
		response.Text += notices
	}

	synthesizer.logger.LogService("synthesizer", "synthesize", time.Since(startTime), map[string]interface{}{
		"pipeline_id":   state.ID,
		"outputs":       len(outputs),
		"failed_agents": len(state.Errors),
	}, nil)

	return response
}

func (synthesizer *Synthesizer) composeText(ctx context.Context, state *models.PipelineState, sections []NarrativeSection) string {
	switch len(sections) {
	case 0:
		return "I wasn't able to produce any results for this query."
	case 1:
		return sections[0].Text
	}

	if synthesizer.llm != nil {
		merged, err := synthesizer.llm.SynthesizeAnswer(ctx, state.Query, sections)
		if err == nil && strings.TrimSpace(merged) != "" {
			return merged
		}
		if err != nil {
			synthesizer.logger.WithError(err).Warn("LLM synthesis failed, using deterministic merge",
				"pipeline_id", state.ID)
		}
	}

	return concatenateSections(sections)
}

// concatenateSections is the degraded merge: every agent's narrative under
// its own heading, in execution order.
func concatenateSections(sections []NarrativeSection) string {
	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", capabilityLabel(section.Capability), section.Text))
	}
	return strings.Join(parts, "\n\n")
}

func failureNotices(agentErrors []models.AgentError) string {
	if len(agentErrors) == 0 {
		return ""
	}

	parts := make([]string, 0, len(agentErrors)+1)
	parts = append(parts, "**Note:** Some analyses could not be completed:")
	for _, agentErr := range agentErrors {
		parts = append(parts, fmt.Sprintf("- %s: %s", capabilityLabel(agentErr.Capability), agentErr.Message))
	}
	return strings.Join(parts, "\n")
}

// mergeFacilities deduplicates facility mentions across agent outputs so a
// facility surfaced by both recommendation and trust scoring appears once
// with both scores.
func mergeFacilities(state *models.PipelineState) []models.MergedFacility {
	merged := make([]models.MergedFacility, 0)
	index := make(map[string]int)

	keyFor := func(id, name string) string {
		if id != "" {
			return "id:" + id
		}
		return "name:" + strings.ToLower(strings.TrimSpace(name))
	}

	if output, ok := state.Output(models.CapabilityRecommendation); ok && output.Recommendations != nil {
		for _, match := range output.Recommendations.Matches {
			similarity := match.SimilarityScore
			entry := models.MergedFacility{
				FacilityID:      match.FacilityID,
				Name:            match.Name,
				Type:            match.Type,
				City:            match.City,
				Region:          match.Region,
				Specialties:     match.Specialties,
				SimilarityScore: &similarity,
			}
			index[keyFor(match.FacilityID, match.Name)] = len(merged)
			merged = append(merged, entry)
		}
	}

	if output, ok := state.Output(models.CapabilityTrustScoring); ok && output.Trust != nil {
		report := output.Trust
		score := report.TrustScore
		key := keyFor(report.FacilityID, report.FacilityName)
		if pos, exists := index[key]; exists {
			merged[pos].TrustScore = &score
			merged[pos].TrustFlags = report.Flags
		} else {
			merged = append(merged, models.MergedFacility{
				FacilityID: report.FacilityID,
				Name:       report.FacilityName,
				TrustScore: &score,
				TrustFlags: report.Flags,
			})
		}
	}

	if len(merged) == 0 {
		return nil
	}
	return merged
}

func capabilityLabel(capability models.Capability) string {
	switch capability {
	case models.CapabilityDesertAnalysis:
		return "Medical Desert Analysis"
	case models.CapabilityTrustScoring:
		return "Trust Scoring"
	case models.CapabilityRecommendation:
		return "Facility Recommendation"
	default:
		return string(capability)
	}
}
