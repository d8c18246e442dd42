package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-dispatch/config"
	"github.com/vnmchuo/llm-dispatch/internal/auth"
	"github.com/vnmchuo/llm-dispatch/internal/gateway"
	"github.com/vnmchuo/llm-dispatch/internal/manager"
	"github.com/vnmchuo/llm-dispatch/internal/seeder"
	"github.com/vnmchuo/llm-dispatch/internal/shrink"
	"github.com/vnmchuo/llm-dispatch/internal/telemetry"
	"github.com/vnmchuo/llm-dispatch/internal/usage"
	"github.com/vnmchuo/llm-dispatch/pkg/ratelimit"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-dispatch", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	logger.Info("redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	if err := authStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply auth schema", "error", err)
		os.Exit(1)
	}
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init usage recording
	usageStore := usage.NewPostgresStore(pool)
	if err := usageStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply usage schema", "error", err)
		os.Exit(1)
	}
	recorder := usage.NewRecorder(usageStore, logger)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Load the model catalog and build the manager
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error("failed to load model catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	shrinker := shrink.NewImageShrinker(logger)
	mgr, err := manager.New(catalog, recorder, shrinker, logger)
	if err != nil {
		logger.Error("failed to build provider manager", "error", err)
		os.Exit(1)
	}
	logger.Info("model catalog loaded",
		"providers", len(catalog.Providers),
		"models", len(catalog.Models),
		"tasks", mgr.Tasks(),
	)

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("llm-dispatch")
	handler := gateway.NewHandler(mgr, recorder, limiter, tracer, logger)

	// 10. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-dispatch"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletion)
		r.Post("/v1/embeddings", handler.HandleEmbedding)
		r.Post("/v1/tasks", handler.HandleRegisterTask)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 12. Graceful shutdown
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
		logger.Info("dispatch gateway starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
