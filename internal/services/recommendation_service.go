package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
)

// QueryEmbedder turns a query into the 1536-dimension vector the retrieval
// store indexes.
type QueryEmbedder interface {
	GenerateQueryEmbedding(ctx context.Context, text string) ([]float32, error)
}

// SearchFilter narrows a semantic search. Zero values mean "use defaults".
type SearchFilter struct {
	City          string
	Region        string
	MinSimilarity float64
	TopK          int
}

// SimilaritySearcher runs cosine-similarity search over the embedding store.
type SimilaritySearcher interface {
	SearchSimilar(ctx context.Context, embedding []float32, filter SearchFilter) ([]models.FacilityMatch, error)
}

// Recommender performs semantic facility search: embed the query, search
// the vector store, post-filter, and rank by similarity descending.
type Recommender struct {
	embedder QueryEmbedder
	searcher SimilaritySearcher
	config   config.AnalysisConfig
	logger   *logger.Logger
}

func NewRecommender(embedder QueryEmbedder, searcher SimilaritySearcher, cfg config.AnalysisConfig, log *logger.Logger) *Recommender {
	return &Recommender{
		embedder: embedder,
		searcher: searcher,
		config:   cfg,
		logger:   log,
	}
}

// Recommend returns up to TopK facilities ordered descending by cosine
// similarity, excluding entries below MinSimilarity. Unreachable embedding
// or search backends surface as RETRIEVAL_UNAVAILABLE; the orchestrator
// absorbs that like any other agent failure.
func (recommender *Recommender) Recommend(ctx context.Context, query string, filter SearchFilter) (*models.RecommendationList, error) {
	startTime := time.Now()
	filter = recommender.normalizeFilter(filter)

	embedding, err := recommender.embedder.GenerateQueryEmbedding(ctx, query)
	if err != nil {
		return nil, models.NewExternalError(models.CodeRetrievalUnavailable, "Embedding backend unreachable").WithCause(err)
	}

	matches, err := recommender.searcher.SearchSimilar(ctx, embedding, filter)
	if err != nil {
		return nil, models.NewExternalError(models.CodeRetrievalUnavailable, "Vector search backend unreachable").WithCause(err)
	}

	// The store already orders and filters when it can; re-apply here so the
	// contract holds for any searcher implementation.
	filtered := make([]models.FacilityMatch, 0, len(matches))
	for _, match := range matches {
		if match.SimilarityScore < filter.MinSimilarity {
			continue
		}
		if filter.City != "" && !strings.Contains(strings.ToLower(match.City), strings.ToLower(filter.City)) {
			continue
		}
		if filter.Region != "" && !strings.Contains(strings.ToLower(match.Region), strings.ToLower(filter.Region)) {
			continue
		}
		filtered = append(filtered, match)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].SimilarityScore > filtered[j].SimilarityScore
	})
	if len(filtered) > filter.TopK {
		filtered = filtered[:filter.TopK]
	}

	recommender.logger.LogService("recommender", "semantic_search", time.Since(startTime), map[string]interface{}{
		"query":          query,
		"candidates":     len(matches),
		"results":        len(filtered),
		"top_k":          filter.TopK,
		"min_similarity": filter.MinSimilarity,
	}, nil)

	return &models.RecommendationList{Query: query, Matches: filtered}, nil
}

// Run executes semantic recommendation as a pipeline agent step.
func (recommender *Recommender) Run(ctx context.Context, state *models.PipelineState) (*models.AgentOutput, error) {
	list, err := recommender.Recommend(ctx, state.Query, SearchFilter{})
	if err != nil {
		return nil, err
	}

	return &models.AgentOutput{
		Capability:      models.CapabilityRecommendation,
		Summary:         recommender.Summarize(list),
		Recommendations: list,
		ProducedAt:      time.Now(),
	}, nil
}

func (recommender *Recommender) normalizeFilter(filter SearchFilter) SearchFilter {
	if filter.TopK <= 0 {
		filter.TopK = recommender.config.DefaultTopK
	}
	if filter.MinSimilarity <= 0 {
		filter.MinSimilarity = recommender.config.DefaultMinSimilarity
	}
	if filter.MinSimilarity > 1 {
		filter.MinSimilarity = 1
	}
	return filter
}

func (recommender *Recommender) Summarize(list *models.RecommendationList) string {
	if len(list.Matches) == 0 {
		return "No facilities matched the search. Try broadening the query or removing the city filter."
	}

	parts := []string{fmt.Sprintf("**Found %d matching facilities:**\n", len(list.Matches))}
	for i, match := range list.Matches {
		parts = append(parts, fmt.Sprintf("%d. **%s** (%s)", i+1, match.Name, displayOr(match.Type, "facility")))
		parts = append(parts, fmt.Sprintf("   Location: %s", regionDisplay(match.City, match.Region)))
		parts = append(parts, fmt.Sprintf("   Similarity: %.3f", match.SimilarityScore))
		if len(match.Specialties) > 0 {
			limit := len(match.Specialties)
			if limit > 3 {
				limit = 3
			}
			parts = append(parts, fmt.Sprintf("   Specialties: %s", strings.Join(match.Specialties[:limit], ", ")))
		}
		parts = append(parts, "")
	}

	return strings.Join(parts, "\n")
}

func displayOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
