package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
)

// Agent is one invocable analysis capability. Agents read prior outputs from
// the shared state and return their own; they never write state directly.
type Agent interface {
	Run(ctx context.Context, state *models.PipelineState) (*models.AgentOutput, error)
}

// IntentService maps a query onto an ordered execution plan.
type IntentService interface {
	ClassifyCapabilities(ctx context.Context, query string, convo *models.ConversationContext) ([]models.Capability, error)
}

// MemoryStore persists conversation context and pipeline state, and carries
// the agent progress stream.
type MemoryStore interface {
	GetConversationContext(ctx context.Context, threadID string) (*models.ConversationContext, error)
	UpdateConversationContext(ctx context.Context, conversation *models.ConversationContext) error
	StorePipelineState(ctx context.Context, state *models.PipelineState) error
	GetPipelineState(ctx context.Context, pipelineID string) (*models.PipelineState, error)
	PublishAgentUpdate(ctx context.Context, threadID string, update *models.AgentUpdate) error
}

// Orchestrator owns the query lifecycle: route the query to a plan, dispatch
// agents sequentially over shared state, then synthesize a single response.
// One agent failing never aborts the pipeline; only all agents failing does.
type Orchestrator struct {
	intent      IntentService
	memory      MemoryStore
	agents      map[models.Capability]Agent
	synthesizer *Synthesizer

	config config.Config
	logger *logger.Logger

	activePipelines sync.Map // pipeline_id -> *activePipeline

	startTime time.Time
}

type activePipeline struct {
	state  *models.PipelineState
	cancel context.CancelFunc
}

func NewOrchestrator(
	intent IntentService,
	memory MemoryStore,
	agents map[models.Capability]Agent,
	synthesizer *Synthesizer,
	cfg config.Config,
	log *logger.Logger) *Orchestrator {

	orchestrator := &Orchestrator{
		intent:      intent,
		memory:      memory,
		agents:      agents,
		synthesizer: synthesizer,
		config:      cfg,
		logger:      log,
		startTime:   time.Now(),
	}

	capabilities := make([]string, 0, len(agents))
	for capability := range agents {
		capabilities = append(capabilities, string(capability))
	}

	log.Info("Orchestrator initialized",
		"agents_registered", len(agents),
		"capabilities", capabilities)

	return orchestrator
}

// ExecutePipeline runs one query end to end. The returned response reflects
// partial results; an error is returned only when every planned agent failed.
func (orchestrator *Orchestrator) ExecutePipeline(ctx context.Context, req *models.PipelineRequest) (*models.PipelineResponse, error) {
	startTime := time.Now()
	requestID := models.GenerateRequestID()

	state := models.NewPipelineState(*req, requestID)
	orchestrator.logger.LogPipeline(state.ID, state.ThreadID, "pipeline_started", 0, nil)

	pipelineCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orchestrator.activePipelines.Store(state.ID, &activePipeline{state: state, cancel: cancel})
	defer orchestrator.activePipelines.Delete(state.ID)

	orchestrator.loadConversationContext(pipelineCtx, state)
	orchestrator.routeQuery(pipelineCtx, state)
	orchestrator.executePlan(pipelineCtx, state)

	duration := time.Since(startTime)

	if len(state.Outputs) == 0 && state.Status != models.PipelineStatusCancelled {
		state.MarkFailed()
		orchestrator.storeState(state)
		orchestrator.logger.LogPipeline(state.ID, state.ThreadID, "pipeline_failed", duration, models.ErrTotalPipelineFailure)

		response := orchestrator.buildResponse(state, duration)
		response.Response = "All analysis agents failed for this query. Please try again."
		return response, models.ErrTotalPipelineFailure
	}

	if state.Status != models.PipelineStatusCancelled {
		state.Status = models.PipelineStatusSynthesizing
		final := orchestrator.synthesizer.Synthesize(pipelineCtx, state)
		state.MarkCompleted()

		orchestrator.updateMemoryAsync(state)
		orchestrator.storeState(state)
		orchestrator.publishPipelineUpdate(pipelineCtx, state, "pipeline_completed", "Pipeline completed")
		orchestrator.logger.LogPipeline(state.ID, state.ThreadID, "pipeline_completed", duration, nil)

		response := orchestrator.buildResponse(state, duration)
		response.Response = final.Text
		return response, nil
	}

	// Cancelled: report whatever completed before the cancellation.
	orchestrator.storeState(state)
	orchestrator.logger.LogPipeline(state.ID, state.ThreadID, "pipeline_cancelled", duration, nil)

	response := orchestrator.buildResponse(state, duration)
	final := orchestrator.synthesizer.Synthesize(context.Background(), state)
	response.Response = final.Text
	return response, nil
}

// loadConversationContext seeds the state with per-thread memory. A memory
// failure degrades to an empty context rather than failing the pipeline.
func (orchestrator *Orchestrator) loadConversationContext(ctx context.Context, state *models.PipelineState) {
	conversation, err := orchestrator.memory.GetConversationContext(ctx, state.ThreadID)
	if err != nil {
		orchestrator.logger.WithError(err).Warn("Failed to load conversation context, using empty context",
			"thread_id", state.ThreadID)
		return
	}
	state.Conversation = *conversation
}

// routeQuery classifies the query into an ordered plan. Classification
// failure is recorded and recovered with the default single-agent plan.
func (orchestrator *Orchestrator) routeQuery(ctx context.Context, state *models.PipelineState) {
	startTime := time.Now()
	state.Status = models.PipelineStatusRouting

	plan, err := orchestrator.intent.ClassifyCapabilities(ctx, state.Query, &state.Conversation)
	if err != nil {
		orchestrator.logger.WithError(err).Warn("Capability classification failed, using default plan",
			"pipeline_id", state.ID)
		plan = []models.Capability{models.DefaultCapability}
	}

	state.SetPlan(plan)
	state.Stats.APICallsCount++

	state.UpdateAgentStats("classifier", models.AgentStats{
		Name:      "classifier",
		Duration:  time.Since(startTime),
		Status:    string(models.AgentRunStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	orchestrator.publishPipelineUpdate(ctx, state, "classifier", fmt.Sprintf("Execution plan: %v", plan))
}

// executePlan consumes the plan front to back. Each capability lands in
// outputs or errors, never both, so outputs+errors always accounts for the
// whole original plan.
func (orchestrator *Orchestrator) executePlan(ctx context.Context, state *models.PipelineState) {
	state.Status = models.PipelineStatusExecuting
	executed := 0

	for {
		if ctx.Err() != nil {
			orchestrator.markRemainingCancelled(state)
			return
		}

		capability, ok := state.PopCapability()
		if !ok {
			return
		}

		agent, registered := orchestrator.agents[capability]
		if !registered {
			state.RecordError(capability, models.ErrorKindAgentExecution,
				fmt.Sprintf("no agent registered for capability %s", capability))
			executed++
			continue
		}

		orchestrator.runAgent(ctx, state, capability, agent, executed)
		executed++

		if ctx.Err() != nil {
			orchestrator.markRemainingCancelled(state)
			return
		}
	}
}

func (orchestrator *Orchestrator) runAgent(ctx context.Context, state *models.PipelineState, capability models.Capability, agent Agent, executed int) {
	startTime := time.Now()
	agentName := string(capability)

	orchestrator.publishAgentUpdate(ctx, state, agentName, models.AgentRunStatusProcessing,
		fmt.Sprintf("Running %s", capabilityLabel(capability)), executed)

	output, err := agent.Run(ctx, state)
	duration := time.Since(startTime)

	if err != nil {
		kind := models.KindForError(err)
		state.RecordError(capability, kind, err.Error())
		state.UpdateAgentStats(agentName, models.AgentStats{
			Name:      agentName,
			Duration:  duration,
			Status:    string(models.AgentRunStatusFailed),
			StartTime: startTime,
			EndTime:   time.Now(),
		})

		orchestrator.logger.LogAgent(state.ID, agentName, "run", duration, map[string]interface{}{
			"error_kind": string(kind),
		}, err)
		orchestrator.publishAgentUpdate(ctx, state, agentName, models.AgentRunStatusFailed, err.Error(), executed+1)
		return
	}

	if err := state.RecordOutput(output); err != nil {
		orchestrator.logger.WithError(err).Error("Agent output rejected", "pipeline_id", state.ID, "agent", agentName)
		return
	}

	state.UpdateAgentStats(agentName, models.AgentStats{
		Name:      agentName,
		Duration:  duration,
		Status:    string(models.AgentRunStatusCompleted),
		StartTime: startTime,
		EndTime:   time.Now(),
	})

	orchestrator.logger.LogAgent(state.ID, agentName, "run", duration, nil, nil)
	orchestrator.publishAgentUpdate(ctx, state, agentName, models.AgentRunStatusCompleted,
		fmt.Sprintf("%s completed", capabilityLabel(capability)), executed+1)
}

// markRemainingCancelled records a cancellation entry for every capability
// that never ran, keeping the plan accounting intact.
func (orchestrator *Orchestrator) markRemainingCancelled(state *models.PipelineState) {
	for {
		capability, ok := state.PopCapability()
		if !ok {
			break
		}
		state.RecordError(capability, models.ErrorKindCancelled, "pipeline cancelled before this agent ran")
	}
	state.MarkCancelled()
}

func (orchestrator *Orchestrator) buildResponse(state *models.PipelineState, duration time.Duration) *models.PipelineResponse {
	totalTimeMS := float64(duration.Milliseconds())
	return &models.PipelineResponse{
		AgentsUsed:   state.AgentsUsed(),
		AgentsFailed: state.AgentsFailed(),
		PipelineID:   state.ID,
		RequestID:    state.RequestID,
		Status:       string(state.Status),
		Timestamp:    time.Now(),
		TotalTimeMS:  &totalTimeMS,
	}
}

func (orchestrator *Orchestrator) updateMemoryAsync(state *models.PipelineState) {
	conversation := state.Conversation
	conversation.ThreadID = state.ThreadID
	conversation.RecordQuery(state.Query, state.AgentsUsed())

	if output, ok := state.Output(models.CapabilityTrustScoring); ok && output.Trust != nil {
		conversation.LastFacilityName = output.Trust.FacilityName
	}

	go func() {
		asyncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := orchestrator.memory.UpdateConversationContext(asyncCtx, &conversation); err != nil {
			orchestrator.logger.WithError(err).Error("Failed to update conversation context",
				"thread_id", conversation.ThreadID)
		}
	}()
}

func (orchestrator *Orchestrator) storeState(state *models.PipelineState) {
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := orchestrator.memory.StorePipelineState(storeCtx, state); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to store pipeline state", "pipeline_id", state.ID)
	}
}

func (orchestrator *Orchestrator) publishAgentUpdate(ctx context.Context, state *models.PipelineState, agentName string, status models.AgentRunStatus, message string, completed int) {
	progress := 0.0
	if state.PlannedCount > 0 {
		progress = float64(completed) / float64(state.PlannedCount)
		if progress > 1 {
			progress = 1
		}
	}

	update := &models.AgentUpdate{
		PipelineID: state.ID,
		RequestID:  state.RequestID,
		AgentName:  agentName,
		Status:     status,
		Message:    message,
		Progress:   progress,
		Timestamp:  time.Now(),
	}

	if err := orchestrator.memory.PublishAgentUpdate(ctx, state.ThreadID, update); err != nil {
		orchestrator.logger.WithError(err).Warn("Failed to publish agent update",
			"pipeline_id", state.ID, "agent", agentName)
	}
}

func (orchestrator *Orchestrator) publishPipelineUpdate(ctx context.Context, state *models.PipelineState, event, message string) {
	update := &models.AgentUpdate{
		PipelineID: state.ID,
		RequestID:  state.RequestID,
		AgentName:  event,
		Status:     models.AgentRunStatusCompleted,
		Message:    message,
		Progress:   1.0,
		Timestamp:  time.Now(),
	}

	if err := orchestrator.memory.PublishAgentUpdate(ctx, state.ThreadID, update); err != nil {
		orchestrator.logger.WithError(err).Warn("Failed to publish pipeline update", "pipeline_id", state.ID)
	}
}

// GetPipelineStatus returns live state for an active pipeline, falling back
// to the stored snapshot for finished ones.
func (orchestrator *Orchestrator) GetPipelineStatus(pipelineID string) (*models.PipelineState, error) {
	if entry, exists := orchestrator.activePipelines.Load(pipelineID); exists {
		return entry.(*activePipeline).state, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return orchestrator.memory.GetPipelineState(ctx, pipelineID)
}

// CancelPipeline stops an in-flight pipeline between agent invocations.
// Agents already completed keep their outputs.
func (orchestrator *Orchestrator) CancelPipeline(pipelineID string) error {
	entry, exists := orchestrator.activePipelines.Load(pipelineID)
	if !exists {
		return models.ErrPipelineNotFound.WithMetadata("pipeline_id", pipelineID)
	}

	pipeline := entry.(*activePipeline)
	pipeline.cancel()

	orchestrator.logger.LogPipeline(pipelineID, pipeline.state.ThreadID, "pipeline_cancel_requested", 0, nil)
	return nil
}

func (orchestrator *Orchestrator) GetActivePipelineCount() int {
	count := 0
	orchestrator.activePipelines.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// HealthChecker is implemented by every backing service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (orchestrator *Orchestrator) HealthCheck(ctx context.Context, services map[string]HealthChecker) error {
	var failures []error
	for serviceName, service := range services {
		if err := service.HealthCheck(ctx); err != nil {
			failures = append(failures, fmt.Errorf("service %s unhealthy: %w", serviceName, err))
		}
	}
	return errors.Join(failures...)
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	uptime := time.Since(orchestrator.startTime)

	capabilities := make([]string, 0, len(orchestrator.agents))
	for capability := range orchestrator.agents {
		capabilities = append(capabilities, string(capability))
	}

	return map[string]interface{}{
		"service":          "orchestrator",
		"uptime_seconds":   uptime.Seconds(),
		"active_pipelines": orchestrator.GetActivePipelineCount(),
		"agents":           capabilities,
	}
}

func (orchestrator *Orchestrator) Close() error {
	orchestrator.logger.Info("Orchestrator shutting down")

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			activeCount := orchestrator.GetActivePipelineCount()
			if activeCount > 0 {
				orchestrator.logger.Warn("Timeout waiting for pipelines to complete", "active_pipelines", activeCount)
			}
			return nil
		case <-ticker.C:
			if orchestrator.GetActivePipelineCount() == 0 {
				orchestrator.logger.Info("All pipelines completed, orchestrator closed")
				return nil
			}
		}
	}
}
