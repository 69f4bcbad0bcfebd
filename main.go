package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/handlers"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
	"careconnect-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting CareConnect pipeline", "environment", cfg.Environment)

	postgresService, err := services.NewPostgresService(cfg.Postgres, log)
	if err != nil {
		log.Error("Failed to initialize Postgres service", "error", err)
		os.Exit(1)
	}
	defer postgresService.Close()

	redisService, err := services.NewRedisService(cfg.Redis, log)
	if err != nil {
		log.Error("Failed to initialize Redis service", "error", err)
		os.Exit(1)
	}
	defer redisService.Close()

	geminiService, err := services.NewGeminiService(cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini service", "error", err)
		os.Exit(1)
	}

	desertAnalyzer := services.NewDesertAnalyzer(postgresService, cfg.Analysis, log)
	trustScorer := services.NewTrustScorer(postgresService, geminiService, log)
	recommender := services.NewRecommender(geminiService, postgresService, cfg.Analysis, log)
	synthesizer := services.NewSynthesizer(geminiService, log)

	agents := map[models.Capability]services.Agent{
		models.CapabilityDesertAnalysis: desertAnalyzer,
		models.CapabilityTrustScoring:   trustScorer,
		models.CapabilityRecommendation: recommender,
	}

	orchestrator := services.NewOrchestrator(geminiService, redisService, agents, synthesizer, *cfg, log)
	defer orchestrator.Close()

	healthChecks := map[string]services.HealthChecker{
		"postgres": postgresService,
		"redis":    redisService,
		"gemini":   geminiService,
	}

	handler := handlers.NewPipelineHandler(orchestrator, recommender, desertAnalyzer, trustScorer, postgresService, healthChecks, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutdown signal received, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	log.Info("CareConnect pipeline stopped")
}
