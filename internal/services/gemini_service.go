package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/genai"
)

// GeminiService is the single gateway to the language model: capability
// classification, facility-name extraction, multi-agent synthesis and query
// embeddings. Calls are wrapped in a circuit breaker and a bounded retry
// policy; callers treat the model as an opaque capability.
type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger

	generateBreaker *gobreaker.CircuitBreaker[*GenerationResponse]
	embedBreaker    *gobreaker.CircuitBreaker[[]float32]
}

type GenerationRequest struct {
	Prompt      string
	SystemRole  string
	MaxTokens   int32
	Temperature *float32
}

type GenerationResponse struct {
	Content        string
	FinishReason   string
	ProcessingTime time.Duration
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		client: client,
		config: cfg,
		logger: log,
	}

	service.generateBreaker = gobreaker.NewCircuitBreaker[*GenerationResponse](breakerSettings("gemini_generate", cfg, log))
	service.embedBreaker = gobreaker.NewCircuitBreaker[[]float32](breakerSettings("gemini_embed", cfg, log))

	log.Info("Gemini service initialized",
		"model", cfg.Model,
		"embedding_model", cfg.EmbeddingModel,
		"embedding_dims", cfg.EmbeddingDims,
		"max_retries", cfg.MaxRetries)

	return service, nil
}

func breakerSettings(name string, cfg config.GeminiConfig, log *logger.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// GenerateContent runs one model call with retries; the circuit breaker
// short-circuits repeated calls while the backend is failing.
func (service *GeminiService) GenerateContent(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = service.config.RetryDelay

	response, err := backoff.Retry(ctx, func() (*GenerationResponse, error) {
		resp, err := service.generateBreaker.Execute(func() (*GenerationResponse, error) {
			return service.makeGenerationRequest(ctx, request)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(uint(service.config.MaxRetries)))

	duration := time.Since(startTime)
	if err != nil {
		service.logger.LogService("gemini", "generate_content", duration, map[string]interface{}{
			"prompt_length": len(request.Prompt),
			"max_retries":   service.config.MaxRetries,
		}, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}

	response.ProcessingTime = duration
	service.logger.LogService("gemini", "generate_content", duration, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{}

	if request.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(request.SystemRole, genai.RoleUser)
	}

	if request.Temperature != nil {
		genConfig.Temperature = request.Temperature
	} else {
		temperature := float32(service.config.Temperature)
		genConfig.Temperature = &temperature
	}

	if request.MaxTokens != 0 {
		genConfig.MaxOutputTokens = request.MaxTokens
	} else {
		genConfig.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(request.Prompt), genConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini generation request failed: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]
	text := ""
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	return &GenerationResponse{
		Content:      text,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

// GenerateQueryEmbedding produces the fixed-length vector used for cosine
// search against the embedding store.
func (service *GeminiService) GenerateQueryEmbedding(ctx context.Context, text string) ([]float32, error) {
	startTime := time.Now()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = service.config.RetryDelay

	vector, err := backoff.Retry(ctx, func() ([]float32, error) {
		return service.embedBreaker.Execute(func() ([]float32, error) {
			embedCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
			defer cancel()

			result, err := service.client.Models.EmbedContent(embedCtx, service.config.EmbeddingModel,
				genai.Text(text), &genai.EmbedContentConfig{
					OutputDimensionality: &service.config.EmbeddingDims,
				})
			if err != nil {
				return nil, err
			}
			if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
				return nil, fmt.Errorf("empty embedding returned")
			}
			return result.Embeddings[0].Values, nil
		})
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(uint(service.config.MaxRetries)))

	duration := time.Since(startTime)
	if err != nil {
		service.logger.LogService("gemini", "generate_embedding", duration, map[string]interface{}{
			"text_length": len(text),
		}, err)
		return nil, models.WrapExternalError("GEMINI_EMBEDDING", err)
	}

	service.logger.LogService("gemini", "generate_embedding", duration, map[string]interface{}{
		"text_length": len(text),
		"dimensions":  len(vector),
	}, nil)

	return vector, nil
}

// ClassifyCapabilities maps a free-text query onto the ordered list of
// agents needed to answer it. On model failure it degrades to keyword
// routing; a response that parses to nothing is a classification error the
// orchestrator recovers from with the default plan.
func (service *GeminiService) ClassifyCapabilities(ctx context.Context, query string, convo *models.ConversationContext) ([]models.Capability, error) {
	temperature := float32(0.1)
	request := &GenerationRequest{
		Prompt:      buildClassificationPrompt(query, convo),
		SystemRole:  "You are the CareConnect AI router. You decide which specialist agents handle a healthcare query.",
		MaxTokens:   100,
		Temperature: &temperature,
	}

	response, err := service.GenerateContent(ctx, request)
	if err != nil {
		service.logger.WithError(err).Warn("Capability classification call failed, using keyword routing")
		return KeywordClassify(query), nil
	}

	plan := parseCapabilityList(response.Content)
	if len(plan) == 0 {
		return nil, models.NewExternalError(models.CodeClassificationFailed, "Classifier returned no valid capabilities").
			WithMetadata("raw_response", response.Content)
	}

	service.logger.LogService("gemini", "classify_capabilities", response.ProcessingTime, map[string]interface{}{
		"query": query,
		"plan":  plan,
	}, nil)

	return plan, nil
}

func buildClassificationPrompt(query string, convo *models.ConversationContext) string {
	recentContext := ""
	if convo != nil && len(convo.RecentQueries) > 0 {
		recentContext = "\n\nRecent conversation queries:\n- " + strings.Join(convo.RecentQueries, "\n- ")
	}

	return fmt.Sprintf(`Analyze the user's query and determine which agent(s) should handle it.

Available agents:
1. medical_desert - Analyzes regional healthcare distribution, identifies underserved areas, compares regions, medical deserts
2. trust_scoring - Calculates trust/reliability scores for specific healthcare facilities, verifies data quality
3. recommendation - Searches and recommends healthcare facilities based on user needs using semantic search

Rules:
- If the query is about regional coverage, gaps, underserved areas, or distribution -> medical_desert
- If the query is about verifying, trusting, or scoring a specific facility -> trust_scoring
- If the query is about finding, recommending, or searching for facilities -> recommendation
- If the query needs multiple agents, list them in execution order separated by commas
  Example: "Find a trustworthy hospital" -> recommendation,trust_scoring
  Example: "Which underserved regions need more hospitals?" -> medical_desert,recommendation
- For simple greetings or unclear queries -> recommendation

Return ONLY a comma-separated list of agent names. No explanations.%s

User query: %s`, recentContext, query)
}

func parseCapabilityList(raw string) []models.Capability {
	seen := make(map[models.Capability]bool)
	plan := make([]models.Capability, 0, 3)

	for _, token := range strings.Split(strings.TrimSpace(raw), ",") {
		capability, ok := models.ParseCapability(strings.ToLower(strings.TrimSpace(token)))
		if !ok || seen[capability] {
			continue
		}
		seen[capability] = true
		plan = append(plan, capability)
	}

	return plan
}

// KeywordClassify is the deterministic routing fallback used when the model
// is unreachable. It emits exactly one capability.
func KeywordClassify(query string) []models.Capability {
	lowered := strings.ToLower(query)

	desertKeywords := []string{"desert", "underserved", "region", "distribution", "coverage", "gap", "which regions"}
	trustKeywords := []string{"trust", "verify", "reliable", "suspicious", "score", "trustworthy", "quality"}

	for _, keyword := range desertKeywords {
		if strings.Contains(lowered, keyword) {
			return []models.Capability{models.CapabilityDesertAnalysis}
		}
	}
	for _, keyword := range trustKeywords {
		if strings.Contains(lowered, keyword) {
			return []models.Capability{models.CapabilityTrustScoring}
		}
	}
	return []models.Capability{models.CapabilityRecommendation}
}

// ExtractFacilityName identifies which facility a trust query refers to.
// Returns "" when no facility can be identified.
func (service *GeminiService) ExtractFacilityName(ctx context.Context, query string, convo *models.ConversationContext) (string, error) {
	recentContext := ""
	if convo != nil && len(convo.RecentQueries) > 0 {
		recentContext = "Previous conversation queries:\n- " + strings.Join(convo.RecentQueries, "\n- ")
	}

	temperature := float32(0.0)
	request := &GenerationRequest{
		Prompt: fmt.Sprintf(`Identify the healthcare facility name the user is asking about.

User Query: "%s"

%s

INSTRUCTIONS:
- If the user names a facility (e.g., "Trust score for Korle Bu"), extract "Korle Bu".
- If the user refers to a previous facility (e.g., "What is its score?"), identify the most likely facility from the conversation context.
- If the user mentions multiple facilities, extract the most relevant one.
- If no specific facility can be identified, return "NONE".
- Return ONLY the facility name, nothing else.`, query, recentContext),
		SystemRole:  "You are a precise entity extraction assistant. Extract exactly the facility name requested.",
		MaxTokens:   50,
		Temperature: &temperature,
	}

	response, err := service.GenerateContent(ctx, request)
	if err != nil {
		return "", err
	}

	name := strings.Trim(strings.TrimSpace(response.Content), `"`)
	if strings.EqualFold(name, "NONE") {
		return "", nil
	}
	return name, nil
}

// SynthesizeAnswer merges several agents' narratives into one coherent
// response. Callers fall back to a deterministic merge when it fails.
func (service *GeminiService) SynthesizeAnswer(ctx context.Context, query string, sections []NarrativeSection) (string, error) {
	contextParts := make([]string, 0, len(sections))
	for _, section := range sections {
		contextParts = append(contextParts, fmt.Sprintf("=== %s Agent Results ===\n%s", capabilityLabel(section.Capability), section.Text))
	}

	request := &GenerationRequest{
		Prompt: fmt.Sprintf(`User's Original Query: %s

%s

Please provide a unified, coherent response that combines all these findings.`, query, strings.Join(contextParts, "\n\n")),
		SystemRole: `You are the CareConnect AI synthesizer. Multiple specialist agents have analyzed the user's query.
Your job is to combine their findings into a single, coherent, and helpful response.

Guidelines:
- Integrate insights from all agents naturally into one unified answer
- Highlight connections between findings (e.g., a region is a medical desert AND its facilities have low trust scores)
- Don't just concatenate results, weave them together meaningfully
- Be concise but comprehensive
- Use markdown formatting for readability
- Address the user's original question directly`,
		MaxTokens: int32(service.config.MaxTokens),
	}

	response, err := service.GenerateContent(ctx, request)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	temperature := float32(0.0)
	_, err := service.makeGenerationRequest(checkCtx, &GenerationRequest{
		Prompt:      "Reply with OK",
		MaxTokens:   5,
		Temperature: &temperature,
	})
	if err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	return nil
}
