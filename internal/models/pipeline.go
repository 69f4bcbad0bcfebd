package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Capability identifies one independently invocable analysis agent. The set
// is closed: adding an agent means extending these constants and the
// orchestrator's dispatch table.
type Capability string

const (
	CapabilityDesertAnalysis Capability = "medical_desert"
	CapabilityTrustScoring   Capability = "trust_scoring"
	CapabilityRecommendation Capability = "recommendation"
)

// DefaultCapability is the fallback plan when classification fails.
const DefaultCapability = CapabilityRecommendation

func AllCapabilities() []Capability {
	return []Capability{CapabilityDesertAnalysis, CapabilityTrustScoring, CapabilityRecommendation}
}

func ParseCapability(raw string) (Capability, bool) {
	switch Capability(raw) {
	case CapabilityDesertAnalysis, CapabilityTrustScoring, CapabilityRecommendation:
		return Capability(raw), true
	}
	return "", false
}

type PipelineStatus string

const (
	PipelineStatusIdle         PipelineStatus = "idle"
	PipelineStatusRouting      PipelineStatus = "routing"
	PipelineStatusExecuting    PipelineStatus = "executing"
	PipelineStatusSynthesizing PipelineStatus = "synthesizing"
	PipelineStatusCompleted    PipelineStatus = "completed"
	PipelineStatusFailed       PipelineStatus = "failed"
	PipelineStatusCancelled    PipelineStatus = "cancelled"
)

type PipelineRequest struct {
	Query      string `json:"query" binding:"required"`
	ThreadID   string `json:"thread_id,omitempty"`
	FacilityID string `json:"facility_id,omitempty"`
}

type PipelineResponse struct {
	Response     string       `json:"response"`
	AgentsUsed   []Capability `json:"agents_used"`
	AgentsFailed []Capability `json:"agents_failed"`
	PipelineID   string       `json:"pipeline_id"`
	RequestID    string       `json:"request_id"`
	Status       string       `json:"status"`
	Timestamp    time.Time    `json:"timestamp"`
	TotalTimeMS  *float64     `json:"total_time_ms,omitempty"`
}

// AgentOutput is one agent's contribution to the shared state. Exactly one
// payload field is set, matching Capability. Immutable once recorded.
type AgentOutput struct {
	Capability      Capability          `json:"capability"`
	Summary         string              `json:"summary"`
	Desert          *DesertReport       `json:"desert,omitempty"`
	Trust           *TrustReport        `json:"trust,omitempty"`
	Recommendations *RecommendationList `json:"recommendations,omitempty"`
	ProducedAt      time.Time           `json:"produced_at"`
}

type AgentError struct {
	Capability Capability `json:"capability"`
	Kind       ErrorKind  `json:"kind"`
	Message    string     `json:"message"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type AgentRunStatus string

const (
	AgentRunStatusProcessing AgentRunStatus = "processing"
	AgentRunStatusCompleted  AgentRunStatus = "completed"
	AgentRunStatusFailed     AgentRunStatus = "failed"
)

// AgentUpdate is the progress event published to the update stream while a
// pipeline runs.
type AgentUpdate struct {
	PipelineID string                 `json:"pipeline_id"`
	RequestID  string                 `json:"request_id"`
	AgentName  string                 `json:"agent_name"`
	Status     AgentRunStatus         `json:"status"`
	Message    string                 `json:"message"`
	Progress   float64                `json:"progress"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ConversationContext carries per-thread memory between queries so the
// classifier can resolve follow-ups.
type ConversationContext struct {
	ThreadID         string       `json:"thread_id"`
	RecentQueries    []string     `json:"recent_queries"`
	LastQuery        string       `json:"last_query"`
	LastPlan         []Capability `json:"last_plan"`
	LastFacilityName string       `json:"last_facility_name,omitempty"`
	MessageCount     int          `json:"message_count"`
	SessionStartTime time.Time    `json:"session_start_time"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

const recentQueryLimit = 5

func (cc *ConversationContext) RecordQuery(query string, plan []Capability) {
	cc.LastQuery = query
	cc.LastPlan = plan
	cc.MessageCount++
	cc.RecentQueries = append(cc.RecentQueries, query)
	if len(cc.RecentQueries) > recentQueryLimit {
		cc.RecentQueries = cc.RecentQueries[len(cc.RecentQueries)-recentQueryLimit:]
	}
	cc.UpdatedAt = time.Now()
}

type AgentStats struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

type ProcessingStats struct {
	TotalDuration   time.Duration         `json:"total_duration"`
	AgentStats      map[string]AgentStats `json:"agent_stats"`
	APICallsCount   int                   `json:"api_calls_count,omitempty"`
	EmbeddingsCount int                   `json:"embeddings_count,omitempty"`
}

// PipelineState is the shared mutable state for one query. It is owned by
// the orchestrator, passed to each agent in turn, and destroyed when the
// query completes. Agents read prior outputs and append only their own.
type PipelineState struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	ThreadID   string         `json:"thread_id"`
	Query      string         `json:"query"`
	FacilityID string         `json:"facility_id,omitempty"`
	Status     PipelineStatus `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`

	// Plan is consumed front to back; PlannedCount preserves the original
	// length for the outputs+errors accounting invariant.
	Plan         []Capability `json:"plan"`
	PlannedCount int          `json:"planned_count"`

	Outputs     map[Capability]*AgentOutput `json:"outputs"`
	OutputOrder []Capability                `json:"output_order"`
	Errors      []AgentError                `json:"errors"`

	Conversation ConversationContext `json:"conversation"`
	Stats        ProcessingStats     `json:"stats"`
}

func NewPipelineState(req PipelineRequest, requestID string) *PipelineState {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = "default"
	}

	return &PipelineState{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		ThreadID:   threadID,
		Query:      req.Query,
		FacilityID: req.FacilityID,
		Status:     PipelineStatusIdle,
		StartTime:  time.Now(),
		Outputs:    make(map[Capability]*AgentOutput),
		Conversation: ConversationContext{
			ThreadID:         threadID,
			RecentQueries:    []string{},
			SessionStartTime: time.Now(),
			UpdatedAt:        time.Now(),
		},
		Stats: ProcessingStats{
			AgentStats: make(map[string]AgentStats),
		},
	}
}

func (state *PipelineState) SetPlan(plan []Capability) {
	state.Plan = append([]Capability(nil), plan...)
	state.PlannedCount = len(plan)
}

// PopCapability removes and returns the next queued capability.
func (state *PipelineState) PopCapability() (Capability, bool) {
	if len(state.Plan) == 0 {
		return "", false
	}
	next := state.Plan[0]
	state.Plan = state.Plan[1:]
	return next, true
}

// RecordOutput appends one agent's output, enforcing that a capability
// appears in outputs or errors, never both and never twice.
func (state *PipelineState) RecordOutput(output *AgentOutput) error {
	if output == nil {
		return fmt.Errorf("nil agent output")
	}
	if _, exists := state.Outputs[output.Capability]; exists {
		return fmt.Errorf("capability %s already produced an output", output.Capability)
	}
	for _, agentErr := range state.Errors {
		if agentErr.Capability == output.Capability {
			return fmt.Errorf("capability %s already recorded an error", output.Capability)
		}
	}

	state.Outputs[output.Capability] = output
	state.OutputOrder = append(state.OutputOrder, output.Capability)
	return nil
}

func (state *PipelineState) RecordError(capability Capability, kind ErrorKind, message string) {
	state.Errors = append(state.Errors, AgentError{
		Capability: capability,
		Kind:       kind,
		Message:    message,
		OccurredAt: time.Now(),
	})
}

func (state *PipelineState) Output(capability Capability) (*AgentOutput, bool) {
	output, ok := state.Outputs[capability]
	return output, ok
}

// OutputsInOrder returns outputs in execution order.
func (state *PipelineState) OutputsInOrder() []*AgentOutput {
	ordered := make([]*AgentOutput, 0, len(state.OutputOrder))
	for _, capability := range state.OutputOrder {
		if output, ok := state.Outputs[capability]; ok {
			ordered = append(ordered, output)
		}
	}
	return ordered
}

func (state *PipelineState) AgentsUsed() []Capability {
	return append([]Capability(nil), state.OutputOrder...)
}

func (state *PipelineState) AgentsFailed() []Capability {
	failed := make([]Capability, 0, len(state.Errors))
	for _, agentErr := range state.Errors {
		failed = append(failed, agentErr.Capability)
	}
	return failed
}

func (state *PipelineState) UpdateAgentStats(agentName string, stats AgentStats) {
	state.Stats.AgentStats[agentName] = stats
}

func (state *PipelineState) MarkCompleted() {
	state.finish(PipelineStatusCompleted)
}

func (state *PipelineState) MarkFailed() {
	state.finish(PipelineStatusFailed)
}

func (state *PipelineState) MarkCancelled() {
	state.finish(PipelineStatusCancelled)
}

func (state *PipelineState) finish(status PipelineStatus) {
	state.Status = status
	now := time.Now()
	state.EndTime = &now
	state.Stats.TotalDuration = time.Since(state.StartTime)
}

func (state *PipelineState) GetDuration() time.Duration {
	if state.EndTime != nil {
		return state.EndTime.Sub(state.StartTime)
	}
	return time.Since(state.StartTime)
}

// MergedFacility is one deduplicated facility mention in the final response.
// A facility surfaced by both recommendation and trust scoring carries both
// scores on a single entry.
type MergedFacility struct {
	FacilityID      string   `json:"id"`
	Name            string   `json:"name"`
	Type            string   `json:"type,omitempty"`
	City            string   `json:"city,omitempty"`
	Region          string   `json:"region,omitempty"`
	Specialties     []string `json:"specialties,omitempty"`
	SimilarityScore *float64 `json:"similarity_score,omitempty"`
	TrustScore      *int     `json:"trust_score,omitempty"`
	TrustFlags      []string `json:"trust_flags,omitempty"`
}

// FinalResponse is the synthesizer's merge of every agent output plus the
// partial-failure notices.
type FinalResponse struct {
	Text            string              `json:"text"`
	AgentsUsed      []Capability        `json:"agents_used"`
	AgentsFailed    []Capability        `json:"agents_failed"`
	Facilities      []MergedFacility    `json:"facilities,omitempty"`
	Desert          *DesertReport       `json:"desert,omitempty"`
	Trust           *TrustReport        `json:"trust,omitempty"`
	Recommendations *RecommendationList `json:"recommendations,omitempty"`
}

func GenerateRequestID() string {
	return uuid.New().String()
}
