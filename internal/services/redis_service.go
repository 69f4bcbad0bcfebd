package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisService backs per-thread conversation memory, pipeline state snapshots
// and the agent progress stream.
type RedisService struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	service := &RedisService{
		client: redis.NewClient(opt),
		logger: log,
		config: cfg,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Redis service initialized",
		"pool_size", cfg.PoolSize,
		"context_ttl", cfg.ContextTTL.String(),
		"state_ttl", cfg.StateTTL.String())

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.client.Ping(ctx).Err(); err != nil {
		return err
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis service")
	return service.client.Close()
}

// PublishAgentUpdate appends a progress event to the thread's update stream.
// The stream is capped so an abandoned thread cannot grow unbounded.
func (service *RedisService) PublishAgentUpdate(ctx context.Context, threadID string, update *models.AgentUpdate) error {
	streamName := fmt.Sprintf("thread:%s:agent_updates", threadID)

	updateData := map[string]interface{}{
		"type":        "agent_update",
		"pipeline_id": update.PipelineID,
		"request_id":  update.RequestID,
		"agent_name":  update.AgentName,
		"status":      string(update.Status),
		"message":     update.Message,
		"progress":    fmt.Sprintf("%.2f", update.Progress),
		"timestamp":   update.Timestamp.Format(time.RFC3339),
	}

	if update.Data != nil {
		dataJSON, err := json.Marshal(update.Data)
		if err == nil {
			updateData["data"] = string(dataJSON)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal agent update data")
		}
	}

	if update.Error != "" {
		updateData["error"] = update.Error
	}

	result, err := service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: updateData,
		MaxLen: 1024,
	}).Result()

	if err != nil {
		service.logger.LogService("redis", "publish_agent_update", 0, map[string]interface{}{
			"stream_name": streamName,
			"agent_name":  update.AgentName,
			"pipeline_id": update.PipelineID,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "Failed to publish agent update").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  result,
		"agent_name":  update.AgentName,
		"status":      update.Status,
		"pipeline_id": update.PipelineID,
	}).Debug("Published agent update")

	return nil
}

// GetConversationContext loads the thread's memory; a thread with no stored
// context gets a fresh one rather than an error.
func (service *RedisService) GetConversationContext(ctx context.Context, threadID string) (*models.ConversationContext, error) {
	key := fmt.Sprintf("thread:%s:conversation_context", threadID)
	startTime := time.Now()

	data, err := service.client.HGetAll(ctx, key).Result()
	if err != nil {
		service.logger.LogService("redis", "get_conversation_context", time.Since(startTime), map[string]interface{}{
			"thread_id": threadID,
			"key":       key,
		}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to get conversation context").WithCause(err)
	}

	conversation := &models.ConversationContext{
		ThreadID:         threadID,
		RecentQueries:    []string{},
		SessionStartTime: time.Now(),
		UpdatedAt:        time.Now(),
	}

	if err := parseJSONField(data, "recent_queries", &conversation.RecentQueries); err != nil {
		service.logger.WithError(err).Warn("Failed to parse recent_queries")
	}
	if err := parseJSONField(data, "last_plan", &conversation.LastPlan); err != nil {
		service.logger.WithError(err).Warn("Failed to parse last_plan")
	}

	conversation.LastQuery = data["last_query"]
	conversation.LastFacilityName = data["last_facility_name"]

	if msgCount := data["message_count"]; msgCount != "" {
		if count, err := strconv.Atoi(msgCount); err == nil {
			conversation.MessageCount = count
		}
	}

	if sessionStart := data["session_start_time"]; sessionStart != "" {
		if parsed, err := time.Parse(time.RFC3339, sessionStart); err == nil {
			conversation.SessionStartTime = parsed
		}
	}

	service.logger.LogService("redis", "get_conversation_context", time.Since(startTime), map[string]interface{}{
		"thread_id":     threadID,
		"queries_count": len(conversation.RecentQueries),
		"message_count": conversation.MessageCount,
	}, nil)

	return conversation, nil
}

func parseJSONField(data map[string]string, field string, target interface{}) error {
	if value, exists := data[field]; exists && value != "" {
		return json.Unmarshal([]byte(value), target)
	}
	return nil
}

func (service *RedisService) UpdateConversationContext(ctx context.Context, conversation *models.ConversationContext) error {
	key := fmt.Sprintf("thread:%s:conversation_context", conversation.ThreadID)
	startTime := time.Now()

	data := make(map[string]interface{})

	queriesJSON, err := json.Marshal(conversation.RecentQueries)
	if err == nil {
		data["recent_queries"] = string(queriesJSON)
	}

	planJSON, err := json.Marshal(conversation.LastPlan)
	if err == nil {
		data["last_plan"] = string(planJSON)
	}

	data["last_query"] = conversation.LastQuery
	data["last_facility_name"] = conversation.LastFacilityName
	data["message_count"] = strconv.Itoa(conversation.MessageCount)
	data["session_start_time"] = conversation.SessionStartTime.Format(time.RFC3339)
	data["updated_at"] = time.Now().Format(time.RFC3339)

	pipe := service.client.Pipeline()
	pipe.HMSet(ctx, key, data)
	pipe.Expire(ctx, key, service.config.ContextTTL)

	_, err = pipe.Exec(ctx)
	if err != nil {
		service.logger.LogService("redis", "update_conversation_context", time.Since(startTime), map[string]interface{}{
			"thread_id": conversation.ThreadID,
			"key":       key,
		}, err)
		return models.NewExternalError("REDIS_UPDATE_FAILED", "Failed to update conversation context").WithCause(err)
	}

	service.logger.LogService("redis", "update_conversation_context", time.Since(startTime), map[string]interface{}{
		"thread_id":     conversation.ThreadID,
		"message_count": conversation.MessageCount,
	}, nil)

	return nil
}

func (service *RedisService) ClearThreadContext(ctx context.Context, threadID string) error {
	key := fmt.Sprintf("thread:%s:conversation_context", threadID)
	startTime := time.Now()

	err := service.client.Del(ctx, key).Err()
	if err != nil {
		service.logger.LogService("redis", "clear_thread_context", time.Since(startTime), map[string]interface{}{
			"thread_id": threadID,
			"key":       key,
		}, err)
		return models.NewExternalError("REDIS_DELETE_FAILED", "Failed to clear conversation context").WithCause(err)
	}

	service.logger.LogService("redis", "clear_thread_context", time.Since(startTime), map[string]interface{}{
		"thread_id": threadID,
	}, nil)

	return nil
}

// StorePipelineState snapshots a finished or in-flight pipeline for the
// status endpoint. Snapshots expire; pipeline state is per-query, not an
// archive.
func (service *RedisService) StorePipelineState(ctx context.Context, state *models.PipelineState) error {
	key := fmt.Sprintf("pipeline:%s:state", state.ID)
	startTime := time.Now()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "Failed to serialize pipeline state").WithCause(err)
	}

	err = service.client.Set(ctx, key, stateJSON, service.config.StateTTL).Err()
	if err != nil {
		service.logger.LogService("redis", "store_pipeline_state", time.Since(startTime), map[string]interface{}{
			"pipeline_id": state.ID,
			"key":         key,
		}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "Failed to store pipeline state").WithCause(err)
	}

	service.logger.LogService("redis", "store_pipeline_state", time.Since(startTime), map[string]interface{}{
		"pipeline_id": state.ID,
		"status":      state.Status,
	}, nil)

	return nil
}

func (service *RedisService) GetPipelineState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	key := fmt.Sprintf("pipeline:%s:state", pipelineID)
	startTime := time.Now()

	stateJSON, err := service.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, models.ErrPipelineNotFound.WithMetadata("pipeline_id", pipelineID)
		}
		service.logger.LogService("redis", "get_pipeline_state", time.Since(startTime), map[string]interface{}{
			"pipeline_id": pipelineID,
			"key":         key,
		}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to get pipeline state").WithCause(err)
	}

	var state models.PipelineState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "Failed to deserialize pipeline state").WithCause(err)
	}

	service.logger.LogService("redis", "get_pipeline_state", time.Since(startTime), map[string]interface{}{
		"pipeline_id": pipelineID,
	}, nil)

	return &state, nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}
