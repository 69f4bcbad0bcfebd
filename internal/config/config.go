package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Gemini   GeminiConfig
	Log      LogConfig
	Analysis AnalysisConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	URL            string
	MaxConns       int32
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ContextTTL time.Duration
	StateTTL   time.Duration
}

type GeminiConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	EmbeddingDims  int32
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string

	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type AnalysisConfig struct {
	DesertMultiplier     float64
	BestServedLimit      int
	CriticalServices     []string
	DefaultTopK          int
	DefaultMinSimilarity float64
}

// Load reads configuration from environment variables, with a .env file as
// an optional source for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Postgres: PostgresConfig{
			URL:            os.Getenv("DATABASE_URL"),
			MaxConns:       int32(getEnvInt("POSTGRES_MAX_CONNS", 10)),
			ConnectTimeout: getEnvDuration("POSTGRES_CONNECT_TIMEOUT", 5*time.Second),
			QueryTimeout:   getEnvDuration("POSTGRES_QUERY_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			ContextTTL:   getEnvDuration("REDIS_CONTEXT_TTL", 24*time.Hour),
			StateTTL:     getEnvDuration("REDIS_STATE_TTL", 6*time.Hour),
		},
		Gemini: GeminiConfig{
			APIKey:          os.Getenv("GEMINI_API_KEY"),
			Model:           getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			EmbeddingModel:  getEnv("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
			EmbeddingDims:   int32(getEnvInt("GEMINI_EMBEDDING_DIMS", 1536)),
			MaxTokens:       getEnvInt("GEMINI_MAX_TOKENS", 2048),
			Temperature:     getEnvFloat("GEMINI_TEMPERATURE", 0.0),
			Timeout:         getEnvDuration("GEMINI_TIMEOUT", 30*time.Second),
			MaxRetries:      getEnvInt("GEMINI_MAX_RETRIES", 3),
			RetryDelay:      getEnvDuration("GEMINI_RETRY_DELAY", 500*time.Millisecond),
			BreakerFailures: uint32(getEnvInt("GEMINI_BREAKER_FAILURES", 5)),
			BreakerCooldown: getEnvDuration("GEMINI_BREAKER_COOLDOWN", 30*time.Second),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/pipeline.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
		Analysis: AnalysisConfig{
			DesertMultiplier:     getEnvFloat("ANALYSIS_DESERT_MULTIPLIER", 0.5),
			BestServedLimit:      getEnvInt("ANALYSIS_BEST_SERVED_LIMIT", 3),
			CriticalServices:     getEnvList("ANALYSIS_CRITICAL_SERVICES", []string{"ICU", "Trauma Care", "Emergency Surgery"}),
			DefaultTopK:          getEnvInt("ANALYSIS_DEFAULT_TOP_K", 5),
			DefaultMinSimilarity: getEnvFloat("ANALYSIS_MIN_SIMILARITY", 0.5),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.Analysis.DesertMultiplier <= 0 || cfg.Analysis.DesertMultiplier >= 1 {
		return fmt.Errorf("ANALYSIS_DESERT_MULTIPLIER must be in (0,1), got %f", cfg.Analysis.DesertMultiplier)
	}
	if cfg.Analysis.DefaultTopK <= 0 {
		return fmt.Errorf("ANALYSIS_DEFAULT_TOP_K must be positive, got %d", cfg.Analysis.DefaultTopK)
	}
	return nil
}

func (cfg *Config) IsProduction() bool {
	return cfg.Environment == "production"
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}

	if len(items) == 0 {
		return fallback
	}
	return items
}
