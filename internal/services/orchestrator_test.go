package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/services"
)

type MockIntentService struct {
	plan []models.Capability
	err  error
}

func (m *MockIntentService) ClassifyCapabilities(ctx context.Context, query string, convo *models.ConversationContext) ([]models.Capability, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.plan, nil
}

type MockMemoryStore struct {
	mu      sync.Mutex
	states  map[string]*models.PipelineState
	updates []*models.AgentUpdate
}

func NewMockMemoryStore() *MockMemoryStore {
	return &MockMemoryStore{states: make(map[string]*models.PipelineState)}
}

func (m *MockMemoryStore) GetConversationContext(ctx context.Context, threadID string) (*models.ConversationContext, error) {
	return &models.ConversationContext{
		ThreadID:         threadID,
		RecentQueries:    []string{},
		SessionStartTime: time.Now(),
		UpdatedAt:        time.Now(),
	}, nil
}

func (m *MockMemoryStore) UpdateConversationContext(ctx context.Context, conversation *models.ConversationContext) error {
	return nil
}

func (m *MockMemoryStore) StorePipelineState(ctx context.Context, state *models.PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state
	return nil
}

func (m *MockMemoryStore) GetPipelineState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[pipelineID]; ok {
		return state, nil
	}
	return nil, models.ErrPipelineNotFound
}

func (m *MockMemoryStore) PublishAgentUpdate(ctx context.Context, threadID string, update *models.AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return nil
}

// FakeAgent returns a canned output or error, optionally recording the state
// it saw and blocking until released.
type FakeAgent struct {
	capability models.Capability
	summary    string
	err        error

	sawState *models.PipelineState
	block    chan struct{}
	run      func(state *models.PipelineState) (*models.AgentOutput, error)
}

func (f *FakeAgent) Run(ctx context.Context, state *models.PipelineState) (*models.AgentOutput, error) {
	f.sawState = state
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.run != nil {
		return f.run(state)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.AgentOutput{
		Capability: f.capability,
		Summary:    f.summary,
		ProducedAt: time.Now(),
	}, nil
}

// MockSynthesisLLM fails so the synthesizer exercises its deterministic merge.
type MockSynthesisLLM struct{}

func (m *MockSynthesisLLM) SynthesizeAnswer(ctx context.Context, query string, sections []services.NarrativeSection) (string, error) {
	return "", errors.New("llm unavailable")
}

func newTestOrchestrator(intent *MockIntentService, agents map[models.Capability]services.Agent) (*services.Orchestrator, *MockMemoryStore) {
	memory := NewMockMemoryStore()
	synthesizer := services.NewSynthesizer(&MockSynthesisLLM{}, testLogger())

	cfg := config.Config{Environment: "test"}
	orchestrator := services.NewOrchestrator(intent, memory, agents, synthesizer, cfg, testLogger())
	return orchestrator, memory
}

func TestExecutePipelineSingleAgent(t *testing.T) {
	intent := &MockIntentService{plan: []models.Capability{models.CapabilityRecommendation}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityRecommendation: &FakeAgent{
			capability: models.CapabilityRecommendation,
			summary:    "Found 3 facilities",
		},
	}
	orchestrator, _ := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "find a clinic"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	if response.Status != string(models.PipelineStatusCompleted) {
		t.Errorf("Expected completed status, got %s", response.Status)
	}
	if response.Response != "Found 3 facilities" {
		t.Errorf("Single-agent response should pass through verbatim, got %q", response.Response)
	}
	if len(response.AgentsUsed) != 1 || response.AgentsUsed[0] != models.CapabilityRecommendation {
		t.Errorf("Wrong agents_used: %v", response.AgentsUsed)
	}
}

func TestExecutePipelinePartialFailure(t *testing.T) {
	intent := &MockIntentService{plan: []models.Capability{
		models.CapabilityRecommendation,
		models.CapabilityTrustScoring,
	}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityRecommendation: &FakeAgent{
			capability: models.CapabilityRecommendation,
			err:        models.NewExternalError(models.CodeRetrievalUnavailable, "vector store down"),
		},
		models.CapabilityTrustScoring: &FakeAgent{
			capability: models.CapabilityTrustScoring,
			summary:    "Trust score: 82/100",
		},
	}
	orchestrator, memory := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "find a trustworthy hospital"})
	if err != nil {
		t.Fatalf("Partial failure must not fail the pipeline: %v", err)
	}

	if response.Status != string(models.PipelineStatusCompleted) {
		t.Errorf("Expected completed status, got %s", response.Status)
	}
	if len(response.AgentsUsed) != 1 || response.AgentsUsed[0] != models.CapabilityTrustScoring {
		t.Errorf("Wrong agents_used: %v", response.AgentsUsed)
	}
	if len(response.AgentsFailed) != 1 || response.AgentsFailed[0] != models.CapabilityRecommendation {
		t.Errorf("Wrong agents_failed: %v", response.AgentsFailed)
	}

	state, err := memory.GetPipelineState(context.Background(), response.PipelineID)
	if err != nil {
		t.Fatalf("Stored state not found: %v", err)
	}
	if got := len(state.Outputs) + len(state.Errors); got != state.PlannedCount {
		t.Errorf("outputs+errors = %d, want planned %d", got, state.PlannedCount)
	}
	if state.Errors[0].Kind != models.ErrorKindRetrievalUnavailable {
		t.Errorf("Wrong recorded error kind: %s", state.Errors[0].Kind)
	}
}

func TestExecutePipelineTotalFailure(t *testing.T) {
	intent := &MockIntentService{plan: []models.Capability{
		models.CapabilityDesertAnalysis,
		models.CapabilityRecommendation,
	}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityDesertAnalysis: &FakeAgent{err: errors.New("snapshot failed")},
		models.CapabilityRecommendation: &FakeAgent{err: errors.New("embedding failed")},
	}
	orchestrator, _ := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "anything"})
	if !errors.Is(err, models.ErrTotalPipelineFailure) {
		t.Fatalf("Expected total pipeline failure, got %v", err)
	}

	if response.Status != string(models.PipelineStatusFailed) {
		t.Errorf("Expected failed status, got %s", response.Status)
	}
	if len(response.AgentsFailed) != 2 {
		t.Errorf("Expected both agents failed, got %v", response.AgentsFailed)
	}
}

func TestExecutePipelineClassificationFailureUsesDefaultPlan(t *testing.T) {
	intent := &MockIntentService{err: models.NewExternalError(models.CodeClassificationFailed, "no valid capabilities")}
	agents := map[models.Capability]services.Agent{
		models.CapabilityRecommendation: &FakeAgent{
			capability: models.CapabilityRecommendation,
			summary:    "Default plan result",
		},
	}
	orchestrator, _ := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	if len(response.AgentsUsed) != 1 || response.AgentsUsed[0] != models.CapabilityRecommendation {
		t.Errorf("Expected default recommendation plan, got %v", response.AgentsUsed)
	}
}

func TestExecutePipelineSequentialStateSharing(t *testing.T) {
	// The trust agent must observe the recommendation output already in
	// state when it runs.
	var trustSawRecommendation bool

	intent := &MockIntentService{plan: []models.Capability{
		models.CapabilityRecommendation,
		models.CapabilityTrustScoring,
	}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityRecommendation: &FakeAgent{
			run: func(state *models.PipelineState) (*models.AgentOutput, error) {
				return &models.AgentOutput{
					Capability: models.CapabilityRecommendation,
					Summary:    "Found facilities",
					Recommendations: &models.RecommendationList{
						Matches: []models.FacilityMatch{{FacilityID: "fac-1", Name: "Korle Bu", SimilarityScore: 0.9}},
					},
					ProducedAt: time.Now(),
				}, nil
			},
		},
		models.CapabilityTrustScoring: &FakeAgent{
			run: func(state *models.PipelineState) (*models.AgentOutput, error) {
				if output, ok := state.Output(models.CapabilityRecommendation); ok && output.Recommendations != nil {
					trustSawRecommendation = true
				}
				return &models.AgentOutput{
					Capability: models.CapabilityTrustScoring,
					Summary:    "Trust score: 85/100",
					ProducedAt: time.Now(),
				}, nil
			},
		},
	}
	orchestrator, _ := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "find a trustworthy hospital"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	if !trustSawRecommendation {
		t.Error("Trust agent did not see the recommendation output in shared state")
	}
	want := []models.Capability{models.CapabilityRecommendation, models.CapabilityTrustScoring}
	if len(response.AgentsUsed) != 2 || response.AgentsUsed[0] != want[0] || response.AgentsUsed[1] != want[1] {
		t.Errorf("Agents ran out of plan order: %v", response.AgentsUsed)
	}
}

func TestCancelPipelineBetweenAgents(t *testing.T) {
	firstDone := make(chan struct{})
	release := make(chan struct{})

	intent := &MockIntentService{plan: []models.Capability{
		models.CapabilityDesertAnalysis,
		models.CapabilityRecommendation,
	}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityDesertAnalysis: &FakeAgent{
			run: func(state *models.PipelineState) (*models.AgentOutput, error) {
				close(firstDone)
				<-release
				return &models.AgentOutput{
					Capability: models.CapabilityDesertAnalysis,
					Summary:    "Desert report",
					ProducedAt: time.Now(),
				}, nil
			},
		},
		models.CapabilityRecommendation: &FakeAgent{
			capability: models.CapabilityRecommendation,
			summary:    "should never run",
		},
	}
	orchestrator, memory := newTestOrchestrator(intent, agents)

	type result struct {
		response *models.PipelineResponse
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "underserved regions"})
		done <- result{response, err}
	}()

	<-firstDone

	// Cancel while the first agent is still running, then let it finish.
	// The classifier update published during routing carries the pipeline ID.
	pipelineID := pipelineIDFromUpdates(memory)
	if pipelineID == "" {
		t.Fatal("No pipeline ID observed in update stream")
	}
	if err := orchestrator.CancelPipeline(pipelineID); err != nil {
		t.Fatalf("CancelPipeline failed: %v", err)
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Cancelled pipeline returned error: %v", res.err)
	}
	if res.response.Status != string(models.PipelineStatusCancelled) {
		t.Errorf("Expected cancelled status, got %s", res.response.Status)
	}

	// The in-flight agent's output survives; the unexecuted one is
	// accounted as a cancellation error.
	if len(res.response.AgentsUsed) != 1 || res.response.AgentsUsed[0] != models.CapabilityDesertAnalysis {
		t.Errorf("Expected desert output to survive cancellation, got %v", res.response.AgentsUsed)
	}
	if len(res.response.AgentsFailed) != 1 || res.response.AgentsFailed[0] != models.CapabilityRecommendation {
		t.Errorf("Expected recommendation marked cancelled, got %v", res.response.AgentsFailed)
	}
}

func pipelineIDFromUpdates(memory *MockMemoryStore) string {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	for _, update := range memory.updates {
		if update.PipelineID != "" {
			return update.PipelineID
		}
	}
	return ""
}

func TestGetPipelineStatusFallsBackToStore(t *testing.T) {
	intent := &MockIntentService{plan: []models.Capability{models.CapabilityRecommendation}}
	agents := map[models.Capability]services.Agent{
		models.CapabilityRecommendation: &FakeAgent{
			capability: models.CapabilityRecommendation,
			summary:    "done",
		},
	}
	orchestrator, _ := newTestOrchestrator(intent, agents)

	response, err := orchestrator.ExecutePipeline(context.Background(), &models.PipelineRequest{Query: "find a clinic"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	state, err := orchestrator.GetPipelineStatus(response.PipelineID)
	if err != nil {
		t.Fatalf("GetPipelineStatus failed: %v", err)
	}
	if state.Status != models.PipelineStatusCompleted {
		t.Errorf("Expected completed stored state, got %s", state.Status)
	}
}

func TestGetPipelineStatusUnknownID(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(&MockIntentService{}, nil)

	_, err := orchestrator.GetPipelineStatus("no-such-pipeline")
	if err == nil {
		t.Fatal("Expected error for unknown pipeline ID")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Category != models.ErrorCategoryNotFound {
		t.Errorf("Expected not-found error, got %v", err)
	}
}
