package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"listing-engine/internal/app"
	"listing-engine/internal/cleanup"
	"listing-engine/internal/config"
	"listing-engine/internal/database"
	"listing-engine/internal/handlers"
	"listing-engine/internal/logging"
	"listing-engine/internal/notify"
	"listing-engine/internal/orchestrator"
	"listing-engine/internal/ratelimit"
	"listing-engine/internal/runlock"
	"listing-engine/internal/scheduler"
	"listing-engine/internal/search"
)

func main() {
	// Load configuration
	configPath := getEnv("CONFIG_PATH", "config/parser_config.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv()

	logger, flush, logErr := logging.New(cfg.Logging)
	if logErr != nil {
		panic(logErr)
	}
	defer flush()

	if err != nil {
		logger.Warn("failed to load config, using defaults", zap.String("path", configPath), zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Initialize database based on configuration
	store, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.String("type", cfg.Database.Type), zap.Error(err))
	}
	defer store.Close()

	// Initialize schema with GORM AutoMigrate
	if err := store.InitSchema(); err != nil {
		logger.Fatal("failed to initialize schema", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	var searchClient *search.SearchClient
	var indexer orchestrator.Indexer
	if ms := cfg.Search.Meilisearch; ms.Enabled {
		searchClient = search.NewSearchClient(ms.Host, ms.APIKey, ms.Index)
		if err := searchClient.InitIndex(); err != nil {
			logger.Warn("failed to initialize search index", zap.Error(err))
		}
		indexer = searchClient
	}

	stack, err := app.NewFetchStack(cfg)
	if err != nil {
		logger.Fatal("failed to build fetcher", zap.Error(err))
	}

	publisher := notify.NewPublisher(rdb)
	cleanupService := cleanup.NewService(store)
	cleanupCfg := cleanup.Config{
		RetentionDays:    cfg.Orchestrator.RetentionDays,
		MaxDeletionCount: cfg.Orchestrator.MaxDeletionCount,
		DryRun:           cfg.Orchestrator.CleanupDryRun,
	}

	orch := orchestrator.New(orchestrator.Options{
		Sources: app.NewSources(cfg.Sources, stack.Deps),
		Store:   store,
		NewLock: func() orchestrator.Lock {
			return runlock.New(rdb, cfg.Orchestrator.LockKey, cfg.Orchestrator.GetLockTTL())
		},
		Sweeper:  cleanupService,
		Cleanup:  cleanupCfg,
		Notifier: publisher,
		Indexer:  indexer,
	})

	appScheduler := scheduler.NewScheduler(orch, cfg.Scheduler)
	if err := appScheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer appScheduler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub()
	go notify.Relay(ctx, rdb, hub)

	rateLimiter := ratelimit.NewRateLimiter(
		cfg.RateLimit.RequestsPerMinute,
		cfg.RateLimit.RequestsPerHour,
		cfg.RateLimit.Enabled,
	)
	logger.Info("rate limiter initialized",
		zap.Int("per_minute", cfg.RateLimit.RequestsPerMinute),
		zap.Int("per_hour", cfg.RateLimit.RequestsPerHour),
		zap.Bool("enabled", cfg.RateLimit.Enabled))

	// Setup Gin router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
	}))

	adminHandler := handlers.NewAdminHandler(handlers.Options{
		Store:       store,
		Cleanup:     cleanupService,
		CleanupCfg:  cleanupCfg,
		Trigger:     appScheduler,
		Status:      publisher,
		Redis:       rdb,
		LockKey:     cfg.Orchestrator.LockKey,
		Search:      searchClient,
		RateLimiter: rateLimiter,
	})
	adminHandler.Register(r, hub)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
