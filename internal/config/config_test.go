package config_test

import (
	"os"
	"testing"
	"time"

	"careconnect-pipeline/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/careconnect")
	t.Setenv("GEMINI_API_KEY", "test-key")
}

func TestLoadConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("PORT", "9090")
	t.Setenv("ANALYSIS_DESERT_MULTIPLIER", "0.4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("Expected environment 'test', got %s", cfg.Environment)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("Expected Gemini API key 'test-key', got %s", cfg.Gemini.APIKey)
	}
	if cfg.Analysis.DesertMultiplier != 0.4 {
		t.Errorf("Expected desert multiplier 0.4, got %f", cfg.Analysis.DesertMultiplier)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected default environment 'development', got %s", cfg.Environment)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Gemini.EmbeddingDims != 1536 {
		t.Errorf("Expected default embedding dims 1536, got %d", cfg.Gemini.EmbeddingDims)
	}
	if cfg.Analysis.DesertMultiplier != 0.5 {
		t.Errorf("Expected default desert multiplier 0.5, got %f", cfg.Analysis.DesertMultiplier)
	}
	if cfg.Analysis.DefaultMinSimilarity != 0.5 {
		t.Errorf("Expected default min similarity 0.5, got %f", cfg.Analysis.DefaultMinSimilarity)
	}
	if len(cfg.Analysis.CriticalServices) != 3 {
		t.Errorf("Expected 3 default critical services, got %v", cfg.Analysis.CriticalServices)
	}
}

func TestValidateMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "test-key")
	os.Unsetenv("DATABASE_URL")

	if _, err := config.Load(); err == nil {
		t.Error("Expected error for missing DATABASE_URL")
	}
}

func TestValidateMissingAPIKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/careconnect")
	t.Setenv("GEMINI_API_KEY", "")
	os.Unsetenv("GEMINI_API_KEY")

	if _, err := config.Load(); err == nil {
		t.Error("Expected error for missing GEMINI_API_KEY")
	}
}

func TestValidateDesertMultiplierBounds(t *testing.T) {
	setRequiredEnv(t)

	for _, invalid := range []string{"0", "1", "1.5", "-0.2"} {
		t.Setenv("ANALYSIS_DESERT_MULTIPLIER", invalid)
		if _, err := config.Load(); err == nil {
			t.Errorf("Expected error for multiplier %s", invalid)
		}
	}

	t.Setenv("ANALYSIS_DESERT_MULTIPLIER", "0.75")
	if _, err := config.Load(); err != nil {
		t.Errorf("Expected multiplier 0.75 to validate, got %v", err)
	}
}
