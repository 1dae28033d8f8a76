package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Makoto0824/machisaga/cache"
	"github.com/Makoto0824/machisaga/config"
	"github.com/Makoto0824/machisaga/gate"
	"github.com/Makoto0824/machisaga/handler"
	appLogger "github.com/Makoto0824/machisaga/logger"
	"github.com/Makoto0824/machisaga/middleware"
	"github.com/Makoto0824/machisaga/model"
	"github.com/Makoto0824/machisaga/pool"
	redisClient "github.com/Makoto0824/machisaga/redis"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// @title machisaga campaign API
// @version 1.0
// @description Cooldown gating and single-use reward URL distribution for the まちサーガ promotional game, backed by Redis.

// @host localhost:8080
// @BasePath /

// @tag.name Access
// @tag.description Per-visitor cooldown checks against venues

// @tag.name Rules
// @tag.description Per-venue interval and daily-cap administration

// @tag.name SingleUseURL
// @tag.description Finite pool of single-use reward URLs

func main() {
	// Initialize logger
	appLogger.Initialize()

	// Load configuration
	cfg := config.MustLoadConfig()
	log.Info().Msg("Configuration loaded successfully")

	// Initialize Redis client
	rdb := redisClient.NewClient(cfg.Redis)

	// Initialize rule cache (if enabled)
	var cacheClient *cache.Cache
	if cfg.Cache.Enabled {
		var err error
		cacheClient, err = cache.New(cfg.Cache)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize cache")
		}
	} else {
		log.Info().Msg("Cache disabled in configuration")
	}

	// Daily-cap day boundary timezone
	loc, err := time.LoadLocation(cfg.Gate.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Gate.Timezone).Msg("Invalid gate timezone")
	}

	ruleStore := gate.NewRuleStore(rdb, cacheClient, model.AccessRule{
		IntervalSeconds: cfg.Gate.DefaultIntervalSeconds,
		MaxPerDay:       cfg.Gate.DefaultMaxPerDay,
	})
	accessGate := gate.New(rdb, ruleStore, loc)
	urlPool := pool.New(rdb)

	// Merge the provisioned URL sheet into the pool on startup, if configured
	if cfg.Pool.CSVPath != "" {
		loadPoolFromCSV(urlPool, cfg.Pool.CSVPath, time.Duration(cfg.Redis.OperationTimeout)*time.Second)
	}

	// Create handler with dependency injection
	h := handler.New(rdb, accessGate, ruleStore, urlPool, cacheClient, cfg)

	// Set up router
	r := mux.NewRouter()

	// Apply global middleware
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.APIKey, cfg.Admin.Enabled)

	r.Use(middleware.CORS)
	r.Use(middleware.RequestLogger)
	r.Use(rateLimiter.Limit)
	r.Use(middleware.Identity)

	// Register routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/cache/metrics", h.CacheMetrics).Methods("GET")
	r.HandleFunc("/access/{resourceID}", h.CheckAccess).Methods("GET")
	r.HandleFunc("/access/{resourceID}", h.ClearAccess).Methods("DELETE")
	r.HandleFunc("/single-use-url", h.AllocateURL).Methods("GET")

	// Admin routes
	r.Handle("/rules", adminAuth.Protect(http.HandlerFunc(h.GetRules))).Methods("GET")
	r.Handle("/rules", adminAuth.Protect(http.HandlerFunc(h.UpsertRule))).Methods("POST", "PUT")
	r.Handle("/rules", adminAuth.Protect(http.HandlerFunc(h.DeleteRule))).Methods("DELETE")
	r.Handle("/single-use-url", adminAuth.Protect(http.HandlerFunc(h.PoolAdmin))).Methods("POST")
	r.Handle("/qr/{id}", adminAuth.Protect(http.HandlerFunc(h.GenerateQR))).Methods("GET")

	// Configure HTTP server
	serverAddress := fmt.Sprintf("%s:%s", cfg.WebServer.IP, cfg.WebServer.Port)
	server := &http.Server{
		Addr:         serverAddress,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.WebServer.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WebServer.WriteTimeout) * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("address", serverAddress).
			Str("scheme", cfg.WebServer.Scheme).
			Msg("Starting server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WebServer.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Close cache
	if cacheClient != nil {
		cacheClient.Close()
	}

	// Close Redis connection
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Redis connection")
	}

	log.Info().Msg("Server stopped gracefully")
}

// loadPoolFromCSV merges the on-disk URL sheet into the pool. Startup
// continues on failure: an operator can still reload via the admin API.
func loadPoolFromCSV(urlPool *pool.Pool, path string, timeout time.Duration) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("URL sheet not loaded")
		return
	}
	defer f.Close()

	records, report, err := pool.ParseCSV(f)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to parse URL sheet")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := urlPool.Load(ctx, records, false)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to load URL sheet into pool")
		return
	}

	log.Info().
		Str("path", path).
		Int("parsed", report.Parsed).
		Int("skipped", report.Skipped).
		Int("loaded", result.Loaded).
		Int("merged", result.Merged).
		Msg("URL sheet merged into pool")
}
