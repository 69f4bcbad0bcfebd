package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
)

const factorBudget = 25

// FacilityFinder resolves the facility a trust request refers to.
type FacilityFinder interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
	FindFacilityByName(ctx context.Context, name string) (*models.Facility, error)
}

// NameExtractor pulls the facility name out of a free-text query, using
// conversation context for follow-ups ("is the first one good?").
type NameExtractor interface {
	ExtractFacilityName(ctx context.Context, query string, convo *models.ConversationContext) (string, error)
}

// TrustScorer computes a 0-100 data-quality score from four independent
// 25-point factors. Scoring is fully deterministic: identical facility data
// always produces identical scores and flags.
type TrustScorer struct {
	facilities FacilityFinder
	extractor  NameExtractor
	logger     *logger.Logger
}

func NewTrustScorer(facilities FacilityFinder, extractor NameExtractor, log *logger.Logger) *TrustScorer {
	return &TrustScorer{
		facilities: facilities,
		extractor:  extractor,
		logger:     log,
	}
}

// Score rates one facility. The four factors are independent; each is
// clamped to [0,25] so the total always lands in [0,100] and equals the
// breakdown sum.
func (scorer *TrustScorer) Score(facility *models.Facility) *models.TrustReport {
	flags := make([]string, 0)

	breakdown := models.TrustBreakdown{
		Completeness: scoreCompleteness(facility),
		Consistency:  scoreConsistency(facility, &flags),
		Validation:   scoreValidation(facility, &flags),
		AnomalyCheck: scoreAnomalies(facility, &flags),
	}

	total := breakdown.Total()

	return &models.TrustReport{
		FacilityID:   facility.ID,
		FacilityName: facility.Name,
		TrustScore:   total,
		Breakdown:    breakdown,
		Flags:        flags,
		Assessment:   assessmentLabel(total),
	}
}

// Data completeness: proportional credit for each required field present.
func scoreCompleteness(facility *models.Facility) int {
	score := 0
	if strings.TrimSpace(facility.Name) != "" {
		score += 5
	}
	if strings.TrimSpace(facility.Type) != "" {
		score += 5
	}
	if strings.TrimSpace(facility.Region) != "" {
		score += 5
	}
	if len(facility.Specialties) > 0 {
		score += 5
	}
	if facility.HasContact() {
		score += 5
	}
	return score
}

// Claim consistency: full credit to start, deductions when declared
// capabilities are incoherent with the rest of the record.
func scoreConsistency(facility *models.Facility, flags *[]string) int {
	score := factorBudget

	if len(facility.Capabilities) > 0 && len(facility.Equipment) == 0 {
		score -= 5
		*flags = append(*flags, "Declared capabilities without any supporting equipment")
	}

	facilityType := strings.ToLower(strings.TrimSpace(facility.Type))
	if facility.Capacity > 0 {
		if strings.Contains(facilityType, "hospital") && facility.Capacity < 10 {
			score -= 5
			*flags = append(*flags, "Low capacity for hospital")
		} else if strings.Contains(facilityType, "clinic") && facility.Capacity > 100 {
			score -= 3
			*flags = append(*flags, "High capacity for clinic")
		}
	}

	if len(facility.Specialties) > 15 {
		score -= 5
		*flags = append(*flags, "Unusually high number of specialties")
	}

	return clampFactor(score)
}

// External validation: credit when claims can be cross-checked against
// structured fields rather than free text alone.
func scoreValidation(facility *models.Facility, flags *[]string) int {
	score := 0

	if facility.NumberDoctors > 0 {
		score += 10
	}
	if facility.Capacity > 0 {
		score += 10
	}
	if facility.YearEstablished != 0 {
		if facility.YearEstablished >= 1900 && facility.YearEstablished <= time.Now().Year() {
			score += 5
		} else {
			*flags = append(*flags, fmt.Sprintf("Suspicious establishment year: %d", facility.YearEstablished))
		}
	}

	return clampFactor(score)
}

// Anomaly detection: full credit to start, each detected outlier deducts
// and raises a flag for human review.
func scoreAnomalies(facility *models.Facility, flags *[]string) int {
	score := factorBudget

	if strings.TrimSpace(facility.Name) == "" {
		score -= 10
		*flags = append(*flags, "Missing facility name")
	}

	if strings.TrimSpace(facility.City) == "" && strings.TrimSpace(facility.Region) == "" {
		score -= 8
		*flags = append(*flags, "Missing location information")
	}

	name := strings.ToLower(facility.Name)
	if strings.Contains(name, "test") || strings.Contains(name, "placeholder") || strings.Contains(name, "example") {
		score -= 15
		*flags = append(*flags, "Suspicious facility name")
	}

	if facility.Capacity == 0 && len(facility.Procedures) > 10 {
		score -= 8
		*flags = append(*flags, "Zero capacity with many claimed procedures")
	}

	if phone := facility.ContactValue("phone"); phone != "" && !plausiblePhone(phone) {
		score -= 5
		*flags = append(*flags, "Malformed phone number")
	}
	if email := facility.ContactValue("email"); email != "" && !strings.Contains(email, "@") {
		score -= 5
		*flags = append(*flags, "Malformed email address")
	}

	return clampFactor(score)
}

func plausiblePhone(phone string) bool {
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}

func clampFactor(score int) int {
	if score < 0 {
		return 0
	}
	if score > factorBudget {
		return factorBudget
	}
	return score
}

func assessmentLabel(score int) string {
	switch {
	case score >= 80:
		return "Highly Trustworthy - Excellent data quality"
	case score >= 60:
		return "Trustworthy - Good data quality"
	case score >= 40:
		return "Moderate - Some data quality concerns"
	default:
		return "Low Trust - Significant data quality issues"
	}
}

// ScoreFacilityByID serves the direct trust-score endpoint.
func (scorer *TrustScorer) ScoreFacilityByID(ctx context.Context, facilityID string) (*models.TrustReport, error) {
	facility, err := scorer.facilities.GetFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	return scorer.Score(facility), nil
}

// Run executes trust scoring as a pipeline agent step. Target resolution
// precedence: explicit facility ID, then a name extracted from the query,
// then the top facility surfaced by a prior recommendation output.
func (scorer *TrustScorer) Run(ctx context.Context, state *models.PipelineState) (*models.AgentOutput, error) {
	startTime := time.Now()

	facility, err := scorer.resolveTarget(ctx, state)
	if err != nil {
		return nil, err
	}

	report := scorer.Score(facility)

	scorer.logger.LogAgent(state.ID, string(models.CapabilityTrustScoring), "score_facility", time.Since(startTime), map[string]interface{}{
		"facility_id":   report.FacilityID,
		"facility_name": report.FacilityName,
		"trust_score":   report.TrustScore,
		"flags":         len(report.Flags),
	}, nil)

	return &models.AgentOutput{
		Capability: models.CapabilityTrustScoring,
		Summary:    scorer.Summarize(report),
		Trust:      report,
		ProducedAt: time.Now(),
	}, nil
}

func (scorer *TrustScorer) resolveTarget(ctx context.Context, state *models.PipelineState) (*models.Facility, error) {
	if state.FacilityID != "" {
		return scorer.facilities.GetFacility(ctx, state.FacilityID)
	}

	if scorer.extractor != nil {
		name, err := scorer.extractor.ExtractFacilityName(ctx, state.Query, &state.Conversation)
		if err != nil {
			scorer.logger.WithError(err).Warn("Facility name extraction failed, trying prior agent outputs")
		} else if name != "" {
			facility, err := scorer.facilities.FindFacilityByName(ctx, name)
			if err == nil {
				return facility, nil
			}
			scorer.logger.WithError(err).Warn("Extracted facility name did not match any record", "name", name)
		}
	}

	// A recommendation agent that ran earlier in this pipeline may have
	// already surfaced candidate facilities.
	if output, ok := state.Output(models.CapabilityRecommendation); ok && output.Recommendations != nil {
		if len(output.Recommendations.Matches) > 0 {
			top := output.Recommendations.Matches[0]
			return scorer.facilities.GetFacility(ctx, top.FacilityID)
		}
	}

	return nil, models.NewValidationError("TRUST_TARGET_UNRESOLVED",
		"Could not determine which facility to verify; name one explicitly, e.g. 'trust score for Korle Bu Teaching Hospital'")
}

func (scorer *TrustScorer) Summarize(report *models.TrustReport) string {
	parts := []string{
		fmt.Sprintf("**Trust Score Analysis for %s**\n", report.FacilityName),
		fmt.Sprintf("Overall Trust Score: **%d/100**", report.TrustScore),
		fmt.Sprintf("Assessment: %s\n", report.Assessment),
		"**Score Breakdown:**",
		fmt.Sprintf("- Data Completeness: %d/25", report.Breakdown.Completeness),
		fmt.Sprintf("- Claim Consistency: %d/25", report.Breakdown.Consistency),
		fmt.Sprintf("- External Validation: %d/25", report.Breakdown.Validation),
		fmt.Sprintf("- Anomaly Check: %d/25", report.Breakdown.AnomalyCheck),
	}

	if len(report.Flags) > 0 {
		parts = append(parts, "\n**Flags:**")
		for _, flag := range report.Flags {
			parts = append(parts, "- "+flag)
		}
	} else {
		parts = append(parts, "\nNo data quality issues detected.")
	}

	return strings.Join(parts, "\n")
}
