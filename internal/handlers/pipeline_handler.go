package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
	"careconnect-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

// PipelineRunner executes and manages agent pipelines.
type PipelineRunner interface {
	ExecutePipeline(ctx context.Context, req *models.PipelineRequest) (*models.PipelineResponse, error)
	GetPipelineStatus(pipelineID string) (*models.PipelineState, error)
	CancelPipeline(pipelineID string) error
	GetStats() map[string]interface{}
	HealthCheck(ctx context.Context, checks map[string]services.HealthChecker) error
}

// FacilitySearcher serves the direct semantic-search endpoint.
type FacilitySearcher interface {
	Recommend(ctx context.Context, query string, filter services.SearchFilter) (*models.RecommendationList, error)
}

// DesertReporter serves the direct regional-analysis endpoint.
type DesertReporter interface {
	Analyze(ctx context.Context) (*models.DesertReport, error)
}

// TrustReporter serves the direct trust-score endpoint.
type TrustReporter interface {
	ScoreFacilityByID(ctx context.Context, facilityID string) (*models.TrustReport, error)
}

// FacilityReader serves facility lookups and corpus stats.
type FacilityReader interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
	SummaryStats(ctx context.Context) (*models.SummaryStats, error)
}

type PipelineHandler struct {
	pipeline     PipelineRunner
	recommender  FacilitySearcher
	desert       DesertReporter
	trust        TrustReporter
	facilities   FacilityReader
	healthChecks map[string]services.HealthChecker
	logger       *logger.Logger
}

func NewPipelineHandler(
	pipeline PipelineRunner,
	recommender FacilitySearcher,
	desert DesertReporter,
	trust TrustReporter,
	facilities FacilityReader,
	healthChecks map[string]services.HealthChecker,
	log *logger.Logger) *PipelineHandler {

	return &PipelineHandler{
		pipeline:     pipeline,
		recommender:  recommender,
		desert:       desert,
		trust:        trust,
		facilities:   facilities,
		healthChecks: healthChecks,
		logger:       log,
	}
}

func (handler *PipelineHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		agent := api.Group("/agent")
		{
			agent.POST("/query", handler.ExecuteQuery)
			agent.GET("/pipeline/:id", handler.PipelineStatus)
			agent.DELETE("/pipeline/:id", handler.CancelPipeline)
		}

		api.POST("/search/facilities", handler.SearchFacilities)
		api.GET("/medical-deserts/analyze", handler.AnalyzeDeserts)
		api.POST("/trust-score/calculate", handler.CalculateTrustScore)
		api.GET("/facilities/:id", handler.GetFacility)
		api.GET("/stats/summary", handler.SummaryStats)
	}
}

// ExecuteQuery runs the full agent pipeline for a natural-language query.
func (handler *PipelineHandler) ExecuteQuery(c *gin.Context) {
	var req models.PipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	response, err := handler.pipeline.ExecutePipeline(c.Request.Context(), &req)
	if err != nil {
		handler.logger.WithError(err).Error("Pipeline execution failed", "query", req.Query)
		c.JSON(statusForError(err), gin.H{
			"error":    "pipeline execution failed",
			"details":  err.Error(),
			"response": response,
		})
		return
	}

	c.JSON(http.StatusOK, response)
}

func (handler *PipelineHandler) PipelineStatus(c *gin.Context) {
	pipelineID := c.Param("id")

	state, err := handler.pipeline.GetPipelineStatus(pipelineID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline_id":   state.ID,
		"status":        state.Status,
		"agents_used":   state.AgentsUsed(),
		"agents_failed": state.AgentsFailed(),
		"started_at":    state.StartTime,
		"duration_ms":   state.GetDuration().Milliseconds(),
	})
}

func (handler *PipelineHandler) CancelPipeline(c *gin.Context) {
	pipelineID := c.Param("id")

	if err := handler.pipeline.CancelPipeline(pipelineID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline_id": pipelineID,
		"status":      "cancellation_requested",
	})
}

// SearchRequest is the direct semantic-search payload. Omitted or zero
// TopK/MinSimilarity fall back to the configured defaults downstream.
type SearchRequest struct {
	Query         string  `json:"query" binding:"required"`
	City          string  `json:"city,omitempty"`
	Region        string  `json:"region,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

func (handler *PipelineHandler) SearchFacilities(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	filter := services.SearchFilter{
		City:          req.City,
		Region:        req.Region,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
	}

	list, err := handler.recommender.Recommend(c.Request.Context(), req.Query, filter)
	if err != nil {
		handler.logger.WithError(err).Error("Facility search failed", "query", req.Query)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query":      list.Query,
		"count":      len(list.Matches),
		"facilities": list.Matches,
	})
}

func (handler *PipelineHandler) AnalyzeDeserts(c *gin.Context) {
	report, err := handler.desert.Analyze(c.Request.Context())
	if err != nil {
		handler.logger.WithError(err).Error("Desert analysis failed")
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

type TrustScoreRequest struct {
	FacilityID string `json:"facility_id" binding:"required"`
}

func (handler *PipelineHandler) CalculateTrustScore(c *gin.Context) {
	var req TrustScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	report, err := handler.trust.ScoreFacilityByID(c.Request.Context(), req.FacilityID)
	if err != nil {
		handler.logger.WithError(err).Error("Trust scoring failed", "facility_id", req.FacilityID)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (handler *PipelineHandler) GetFacility(c *gin.Context) {
	facility, err := handler.facilities.GetFacility(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, facility)
}

func (handler *PipelineHandler) SummaryStats(c *gin.Context) {
	stats, err := handler.facilities.SummaryStats(c.Request.Context())
	if err != nil {
		handler.logger.WithError(err).Error("Summary stats failed")
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (handler *PipelineHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	status := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     handler.pipeline.GetStats(),
	}

	if err := handler.pipeline.HealthCheck(ctx, handler.healthChecks); err != nil {
		status["status"] = "degraded"
		status["details"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}

	c.JSON(http.StatusOK, status)
}

// statusForError maps error categories onto HTTP status codes. Unknown
// errors stay 500.
func statusForError(err error) int {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Category {
		case models.ErrorCategoryNotFound:
			return http.StatusNotFound
		case models.ErrorCategoryValidation:
			return http.StatusBadRequest
		case models.ErrorCategoryTimeout:
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}
