package services_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/services"
)

type MockFacilityFinder struct {
	byID   map[string]*models.Facility
	byName map[string]*models.Facility
}

func (m *MockFacilityFinder) GetFacility(ctx context.Context, id string) (*models.Facility, error) {
	if facility, ok := m.byID[id]; ok {
		return facility, nil
	}
	return nil, models.ErrFacilityNotFound.WithMetadata("facility_id", id)
}

func (m *MockFacilityFinder) FindFacilityByName(ctx context.Context, name string) (*models.Facility, error) {
	if facility, ok := m.byName[name]; ok {
		return facility, nil
	}
	return nil, models.ErrFacilityNotFound.WithMetadata("facility_name", name)
}

type MockNameExtractor struct {
	name string
	err  error
}

func (m *MockNameExtractor) ExtractFacilityName(ctx context.Context, query string, convo *models.ConversationContext) (string, error) {
	return m.name, m.err
}

func completeFacility() *models.Facility {
	return &models.Facility{
		ID:            "fac-1",
		Name:          "Korle Bu Teaching Hospital",
		Type:          "hospital",
		City:          "Accra",
		Region:        "Greater Accra",
		Specialties:   []string{"Cardiology", "Oncology"},
		Capabilities:  []string{"ICU"},
		Equipment:     []string{"MRI Scanner"},
		NumberDoctors: 120,
		Capacity:      2000,
		Contact: map[string]string{
			"phone": "+233 30 2739510",
			"email": "info@kbth.gov.gh",
		},
		YearEstablished: 1923,
	}
}

func TestScoreCompleteRecordScoresHigh(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, nil, testLogger())

	report := scorer.Score(completeFacility())

	if report.TrustScore < 80 {
		t.Errorf("Complete record scored %d, expected >= 80", report.TrustScore)
	}
	if len(report.Flags) != 0 {
		t.Errorf("Complete record raised flags: %v", report.Flags)
	}
	if report.Assessment != "Highly Trustworthy - Excellent data quality" {
		t.Errorf("Wrong assessment: %s", report.Assessment)
	}
}

func TestScoreTotalEqualsBreakdownSum(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, nil, testLogger())

	facilities := []*models.Facility{
		completeFacility(),
		{},
		{ID: "f2", Name: "Test Clinic", Type: "clinic", Capacity: 500},
		{ID: "f3", Name: "Hope Hospital", Type: "hospital", Capacity: 4, Capabilities: []string{"Surgery"}},
	}

	for _, facility := range facilities {
		report := scorer.Score(facility)
		if report.TrustScore != report.Breakdown.Total() {
			t.Errorf("Score %d does not equal breakdown sum %d for %q", report.TrustScore, report.Breakdown.Total(), facility.Name)
		}
		if report.TrustScore < 0 || report.TrustScore > 100 {
			t.Errorf("Score %d out of range for %q", report.TrustScore, facility.Name)
		}
	}
}

func TestScoreFactorsStayWithinBudget(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, nil, testLogger())

	// Worst-case record: every anomaly and inconsistency at once.
	facility := &models.Facility{
		Name:         "test placeholder example",
		Type:         "hospital",
		Capacity:     0,
		Procedures:   make([]string, 12),
		Capabilities: []string{"Surgery"},
		Contact: map[string]string{
			"phone": "not-a-number!",
			"email": "no-at-sign",
		},
		YearEstablished: 1700,
	}

	report := scorer.Score(facility)

	factors := []int{
		report.Breakdown.Completeness,
		report.Breakdown.Consistency,
		report.Breakdown.Validation,
		report.Breakdown.AnomalyCheck,
	}
	for i, factor := range factors {
		if factor < 0 || factor > 25 {
			t.Errorf("Factor %d = %d, out of [0,25]", i, factor)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, nil, testLogger())
	facility := &models.Facility{
		ID:       "f1",
		Name:     "Suspicious Test Facility",
		Type:     "hospital",
		Capacity: 3,
	}

	first := scorer.Score(facility)
	second := scorer.Score(facility)

	if !reflect.DeepEqual(first, second) {
		t.Error("Scoring the same facility twice produced different reports")
	}
}

func TestScoreFlagsAnomalies(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, nil, testLogger())

	facility := &models.Facility{
		ID:   "f1",
		Name: "Test Clinic",
		Type: "clinic",
	}

	report := scorer.Score(facility)

	found := false
	for _, flag := range report.Flags {
		if flag == "Suspicious facility name" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected suspicious-name flag, got %v", report.Flags)
	}
}

func TestRunUsesExplicitFacilityID(t *testing.T) {
	facility := completeFacility()
	finder := &MockFacilityFinder{byID: map[string]*models.Facility{"fac-1": facility}}
	scorer := services.NewTrustScorer(finder, &MockNameExtractor{name: "Other Hospital"}, testLogger())

	state := models.NewPipelineState(models.PipelineRequest{
		Query:      "is this facility reliable?",
		FacilityID: "fac-1",
	}, "req-1")

	output, err := scorer.Run(context.Background(), state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if output.Trust == nil || output.Trust.FacilityID != "fac-1" {
		t.Errorf("Expected trust report for fac-1, got %+v", output.Trust)
	}
}

func TestRunResolvesFacilityByExtractedName(t *testing.T) {
	facility := completeFacility()
	finder := &MockFacilityFinder{
		byName: map[string]*models.Facility{"Korle Bu": facility},
	}
	scorer := services.NewTrustScorer(finder, &MockNameExtractor{name: "Korle Bu"}, testLogger())

	state := models.NewPipelineState(models.PipelineRequest{Query: "trust score for Korle Bu"}, "req-1")

	output, err := scorer.Run(context.Background(), state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if output.Trust.FacilityName != "Korle Bu Teaching Hospital" {
		t.Errorf("Wrong facility resolved: %s", output.Trust.FacilityName)
	}
}

func TestRunFallsBackToPriorRecommendation(t *testing.T) {
	facility := completeFacility()
	finder := &MockFacilityFinder{byID: map[string]*models.Facility{"fac-1": facility}}
	scorer := services.NewTrustScorer(finder, &MockNameExtractor{name: ""}, testLogger())

	state := models.NewPipelineState(models.PipelineRequest{Query: "find a trustworthy hospital"}, "req-1")
	err := state.RecordOutput(&models.AgentOutput{
		Capability: models.CapabilityRecommendation,
		Recommendations: &models.RecommendationList{
			Query: state.Query,
			Matches: []models.FacilityMatch{
				{FacilityID: "fac-1", Name: facility.Name, SimilarityScore: 0.91},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	output, err := scorer.Run(context.Background(), state)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if output.Trust.FacilityID != "fac-1" {
		t.Errorf("Expected trust report for the top recommendation, got %s", output.Trust.FacilityID)
	}
}

func TestRunFailsWhenTargetUnresolvable(t *testing.T) {
	scorer := services.NewTrustScorer(&MockFacilityFinder{}, &MockNameExtractor{name: ""}, testLogger())

	state := models.NewPipelineState(models.PipelineRequest{Query: "is it reliable?"}, "req-1")

	_, err := scorer.Run(context.Background(), state)
	if err == nil {
		t.Fatal("Expected error when no trust target can be resolved")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "TRUST_TARGET_UNRESOLVED" {
		t.Errorf("Expected TRUST_TARGET_UNRESOLVED, got %v", err)
	}
}
