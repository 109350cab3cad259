package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-router/config"
	"github.com/vnmchuo/model-router/internal/auth"
	"github.com/vnmchuo/model-router/internal/embedding"
	"github.com/vnmchuo/model-router/internal/outcome"
	"github.com/vnmchuo/model-router/internal/provider"
	"github.com/vnmchuo/model-router/internal/provider/claude"
	"github.com/vnmchuo/model-router/internal/provider/gemini"
	"github.com/vnmchuo/model-router/internal/provider/openai"
	"github.com/vnmchuo/model-router/internal/proxy"
	"github.com/vnmchuo/model-router/internal/registry"
	"github.com/vnmchuo/model-router/internal/router"
	"github.com/vnmchuo/model-router/internal/routercfg"
	"github.com/vnmchuo/model-router/internal/seeder"
	"github.com/vnmchuo/model-router/internal/telemetry"
	"github.com/vnmchuo/model-router/pkg/ratelimit"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := telemetry.InitTracer("model-router", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// Stores
	authStore := auth.NewPostgresStore(pool)
	configStore := routercfg.NewCachedStore(routercfg.NewPostgresStore(pool), rdb, cfg.ConfigCacheTTL, logger)
	outcomeStore := outcome.NewPostgresStore(pool)

	// Outcome pipeline
	recorder := outcome.NewAsyncRecorder(outcomeStore, logger)
	recorder.Start(ctx)
	index := outcome.NewIndex(outcomeStore)

	// Model registry with rolling stats refresh
	catalog := registry.DefaultCatalog()
	reg := registry.New(catalog, outcomeStore, cfg.StatsWindow, logger)
	registryCtx, stopRegistry := context.WithCancel(ctx)
	go reg.Run(registryCtx, cfg.RegistryRefreshInterval)

	// Provider adapters, priced from the catalog
	providers := []provider.Provider{
		openai.New(cfg.OpenAIAPIKey, registry.PricingFor(catalog, "openai")),
		claude.New(cfg.AnthropicAPIKey, registry.PricingFor(catalog, "anthropic")),
		gemini.New(cfg.GeminiAPIKey, registry.PricingFor(catalog, "google")),
	}

	embedder := embedding.NewClient(cfg.OpenAIAPIKey, cfg.EmbeddingModel, rdb, time.Hour)

	engine := router.New(reg, providers, embedder, index, recorder, router.Options{
		BaseDelay:      cfg.FallbackBaseDelay,
		MaxDelay:       cfg.FallbackMaxDelay,
		AttemptTimeout: cfg.AttemptTimeout,
		TopK:           cfg.SimilarityTopK,
	}, logger)

	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	tracer := otel.GetTracerProvider().Tracer("model-router")
	handler := proxy.NewHandler(engine, configStore, outcomeStore, limiter, tracer, logger)

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoAPIKey(ctx, authStore, logger)
		seeder.SeedDemoRouters(ctx, configStore, logger)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"model-router"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/outcomes", handler.HandleOutcomes)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("model router starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	stopRegistry()
	recorder.Close()
	logger.Info("server stopped")
}
