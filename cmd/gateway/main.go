package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/oakhill/modelgate/config"
	"github.com/oakhill/modelgate/internal/auth"
	"github.com/oakhill/modelgate/internal/cache"
	"github.com/oakhill/modelgate/internal/gateway"
	"github.com/oakhill/modelgate/internal/ledger"
	"github.com/oakhill/modelgate/internal/provider"
	"github.com/oakhill/modelgate/internal/provider/anthropic"
	"github.com/oakhill/modelgate/internal/provider/gemini"
	"github.com/oakhill/modelgate/internal/provider/openai"
	"github.com/oakhill/modelgate/internal/snapshot"
	"github.com/oakhill/modelgate/internal/telemetry"
	"github.com/oakhill/modelgate/pkg/quota"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("modelgate", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL (configuration source + usage ledger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 4. Config snapshot loader
	loader := snapshot.NewLoader(snapshot.NewPostgresSource(pool), cfg.RefreshInterval, logger)
	if err := loader.Load(ctx); err != nil {
		logger.Fatal("failed to load initial snapshot", zap.Error(err))
	}
	go loader.Run(ctx)

	// 5. Result cache
	var store cache.Store
	if cfg.CacheBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected")
		store = cache.NewRedisStore(rdb, "result:")
	} else {
		store = cache.NewMemoryStore(cfg.CacheTTL)
	}
	coalescer := cache.NewCoalescer(store, cfg.CacheTTL)

	// 6. Usage ledger with async writer
	ledgerStore := ledger.NewPostgresStore(pool)
	usageWriter := ledger.NewWriter(ledgerStore, logger)
	go usageWriter.Run(ctx)

	// 7. Quota gate (count bucket first, then cost budget from the ledger)
	gate := quota.NewGate(cfg.QuotaInterval, ledgerStore)
	go gate.Run(ctx)

	// 8. Provider adapters + dispatcher
	adapters := []provider.Adapter{
		openai.New(cfg.OpenAIAPIKey),
		anthropic.New(cfg.AnthropicAPIKey),
		gemini.New(cfg.GeminiAPIKey),
	}
	tracer := otel.GetTracerProvider().Tracer("modelgate")
	dispatcher := gateway.NewDispatcher(adapters, cfg.AttemptTimeout, tracer, logger)

	// 9. Service + handler
	service := gateway.NewService(
		loader, gate, coalescer, dispatcher, usageWriter,
		cfg.DefaultRequestsPer, cfg.RequestDeadline,
		tracer, logger,
	)
	handler := gateway.NewHandler(service, ledgerStore, logger)

	// 10. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handler.HandleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware())
		r.Post("/v1/generate", handler.HandleGenerate)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * cfg.RequestDeadline,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("modelgate starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
