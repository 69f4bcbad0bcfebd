package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresService reads the facility corpus and the pgvector embedding store
// maintained by the ingestion pipeline. All access is read-only.
type PostgresService struct {
	pool   *pgxpool.Pool
	config config.PostgresConfig
	logger *logger.Logger
}

func NewPostgresService(cfg config.PostgresConfig, log *logger.Logger) (*PostgresService, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Postgres service initialized", "max_conns", cfg.MaxConns)

	return &PostgresService{
		pool:   pool,
		config: cfg,
		logger: log,
	}, nil
}

const facilityColumns = `
	id,
	COALESCE(name, ''),
	COALESCE(facility_type, ''),
	COALESCE(city, ''),
	COALESCE(region, ''),
	COALESCE(specialties, '[]'::jsonb),
	COALESCE(capabilities, '[]'::jsonb),
	COALESCE(equipment, '[]'::jsonb),
	COALESCE(procedures, '[]'::jsonb),
	COALESCE(number_of_doctors, 0),
	COALESCE(capacity, 0),
	COALESCE(phone_numbers, '[]'::jsonb),
	COALESCE(email, ''),
	COALESCE(official_website, ''),
	COALESCE(description, ''),
	COALESCE(year_established, 0)`

// ListFacilities loads the full facility snapshot for regional aggregation.
func (service *PostgresService) ListFacilities(ctx context.Context) ([]models.Facility, error) {
	startTime := time.Now()

	queryCtx, cancel := context.WithTimeout(ctx, service.config.QueryTimeout)
	defer cancel()

	rows, err := service.pool.Query(queryCtx, "SELECT"+facilityColumns+" FROM facilities")
	if err != nil {
		return nil, fmt.Errorf("facility snapshot query failed: %w", err)
	}
	defer rows.Close()

	facilities := make([]models.Facility, 0, 256)
	for rows.Next() {
		facility, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		facilities = append(facilities, *facility)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("facility snapshot iteration failed: %w", err)
	}

	service.logger.LogService("postgres", "list_facilities", time.Since(startTime), map[string]interface{}{
		"count": len(facilities),
	}, nil)

	return facilities, nil
}

// GetFacility fetches one facility by primary key.
func (service *PostgresService) GetFacility(ctx context.Context, id string) (*models.Facility, error) {
	queryCtx, cancel := context.WithTimeout(ctx, service.config.QueryTimeout)
	defer cancel()

	row := service.pool.QueryRow(queryCtx, "SELECT"+facilityColumns+" FROM facilities WHERE id = $1", id)

	facility, err := scanFacility(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrFacilityNotFound.WithMetadata("facility_id", id)
		}
		return nil, fmt.Errorf("facility lookup failed: %w", err)
	}
	return facility, nil
}

// FindFacilityByName resolves a free-text facility name to a record via
// case-insensitive partial match, preferring the shortest (most exact) name.
func (service *PostgresService) FindFacilityByName(ctx context.Context, name string) (*models.Facility, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrFacilityNotFound
	}

	queryCtx, cancel := context.WithTimeout(ctx, service.config.QueryTimeout)
	defer cancel()

	row := service.pool.QueryRow(queryCtx,
		"SELECT"+facilityColumns+` FROM facilities
		 WHERE name ILIKE '%' || $1 || '%'
		 ORDER BY length(name) ASC
		 LIMIT 1`, name)

	facility, err := scanFacility(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrFacilityNotFound.WithMetadata("facility_name", name)
		}
		return nil, fmt.Errorf("facility name lookup failed: %w", err)
	}
	return facility, nil
}

// SearchSimilar runs cosine-similarity search against the pgvector embedding
// store, joined back to facilities. The vector is rendered as a literal and
// cast, so no vector-aware driver extension is needed.
func (service *PostgresService) SearchSimilar(ctx context.Context, embedding []float32, filter SearchFilter) ([]models.FacilityMatch, error) {
	startTime := time.Now()

	if len(embedding) != models.EmbeddingDimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(embedding), models.EmbeddingDimensions)
	}

	queryCtx, cancel := context.WithTimeout(ctx, service.config.QueryTimeout)
	defer cancel()

	query := `
		SELECT
			f.id,
			COALESCE(f.name, ''),
			COALESCE(f.facility_type, ''),
			COALESCE(f.city, ''),
			COALESCE(f.region, ''),
			COALESCE(f.specialties, '[]'::jsonb),
			1 - (e.embedding <=> $1::vector) AS similarity
		FROM embeddings e
		JOIN facilities f ON f.id = e.entity_id
		WHERE 1 - (e.embedding <=> $1::vector) >= $2`

	args := []interface{}{vectorLiteral(embedding), filter.MinSimilarity}
	if filter.City != "" {
		args = append(args, "%"+filter.City+"%")
		query += fmt.Sprintf(" AND f.city ILIKE $%d", len(args))
	}
	if filter.Region != "" {
		args = append(args, "%"+filter.Region+"%")
		query += fmt.Sprintf(" AND f.region ILIKE $%d", len(args))
	}

	args = append(args, filter.TopK)
	query += fmt.Sprintf(" ORDER BY e.embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := service.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	matches := make([]models.FacilityMatch, 0, filter.TopK)
	for rows.Next() {
		var match models.FacilityMatch
		var specialtiesJSON []byte
		if err := rows.Scan(&match.FacilityID, &match.Name, &match.Type, &match.City,
			&match.Region, &specialtiesJSON, &match.SimilarityScore); err != nil {
			return nil, fmt.Errorf("similarity row scan failed: %w", err)
		}
		match.Specialties = decodeStringList(specialtiesJSON)
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search iteration failed: %w", err)
	}

	service.logger.LogService("postgres", "search_similar", time.Since(startTime), map[string]interface{}{
		"matches":        len(matches),
		"min_similarity": filter.MinSimilarity,
		"top_k":          filter.TopK,
	}, nil)

	return matches, nil
}

// SummaryStats serves the corpus overview endpoint.
func (service *PostgresService) SummaryStats(ctx context.Context) (*models.SummaryStats, error) {
	queryCtx, cancel := context.WithTimeout(ctx, service.config.QueryTimeout)
	defer cancel()

	stats := &models.SummaryStats{
		FacilitiesByType: make(map[string]int),
	}

	rows, err := service.pool.Query(queryCtx,
		`SELECT COALESCE(facility_type, 'unknown'), COUNT(*) FROM facilities GROUP BY facility_type`)
	if err != nil {
		return nil, fmt.Errorf("facility type stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var facilityType string
		var count int
		if err := rows.Scan(&facilityType, &count); err != nil {
			return nil, fmt.Errorf("facility type stats scan failed: %w", err)
		}
		stats.FacilitiesByType[facilityType] = count
		stats.TotalFacilities += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("facility type stats iteration failed: %w", err)
	}

	err = service.pool.QueryRow(queryCtx,
		`SELECT COUNT(DISTINCT COALESCE(NULLIF(TRIM(city), ''), region)) FROM facilities`).
		Scan(&stats.TotalRegions)
	if err != nil {
		return nil, fmt.Errorf("region count query failed: %w", err)
	}

	err = service.pool.QueryRow(queryCtx, `SELECT COUNT(*) FROM ngos`).Scan(&stats.TotalNGOs)
	if err != nil {
		// The NGO table is optional in some deployments.
		stats.TotalNGOs = 0
	}

	if stats.TotalRegions > 0 {
		stats.AveragePerRegion = float64(stats.TotalFacilities) / float64(stats.TotalRegions)
	}

	return stats, nil
}

func (service *PostgresService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, service.config.ConnectTimeout)
	defer cancel()

	if err := service.pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

func (service *PostgresService) Close() {
	service.pool.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFacility(row rowScanner) (*models.Facility, error) {
	var facility models.Facility
	var specialtiesJSON, capabilitiesJSON, equipmentJSON, proceduresJSON, phonesJSON []byte
	var email, website string

	err := row.Scan(
		&facility.ID,
		&facility.Name,
		&facility.Type,
		&facility.City,
		&facility.Region,
		&specialtiesJSON,
		&capabilitiesJSON,
		&equipmentJSON,
		&proceduresJSON,
		&facility.NumberDoctors,
		&facility.Capacity,
		&phonesJSON,
		&email,
		&website,
		&facility.Description,
		&facility.YearEstablished,
	)
	if err != nil {
		return nil, err
	}

	facility.Specialties = decodeStringList(specialtiesJSON)
	facility.Capabilities = decodeStringList(capabilitiesJSON)
	facility.Equipment = decodeStringList(equipmentJSON)
	facility.Procedures = decodeStringList(proceduresJSON)

	contact := make(map[string]string)
	if phones := decodeStringList(phonesJSON); len(phones) > 0 {
		contact["phone"] = phones[0]
	}
	if email != "" {
		contact["email"] = email
	}
	if website != "" {
		contact["website"] = website
	}
	if len(contact) > 0 {
		facility.Contact = contact
	}

	return &facility, nil
}

func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// vectorLiteral renders a float32 slice as a pgvector text literal,
// e.g. "[0.12,-0.5,...]".
func vectorLiteral(embedding []float32) string {
	var builder strings.Builder
	builder.Grow(len(embedding) * 10)
	builder.WriteByte('[')
	for i, value := range embedding {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(value), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String()
}
