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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/config"
	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/admin"
	"github.com/openclaw/llm-bridge/internal/audit"
	"github.com/openclaw/llm-bridge/internal/auth"
	"github.com/openclaw/llm-bridge/internal/ledger"
	"github.com/openclaw/llm-bridge/internal/logging"
	"github.com/openclaw/llm-bridge/internal/metrics"
	"github.com/openclaw/llm-bridge/internal/proxy"
	"github.com/openclaw/llm-bridge/internal/seeder"
	"github.com/openclaw/llm-bridge/internal/telemetry"
	"github.com/openclaw/llm-bridge/internal/tokenizer"
	"github.com/openclaw/llm-bridge/internal/upstream"
	"github.com/openclaw/llm-bridge/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-bridge", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL
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

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 6. Init accounts and auth
	accountStore := account.NewPostgresStore(pool)
	resolver := auth.NewResolver(accountStore, rdb, logger)
	authMiddleware := auth.NewMiddleware(resolver)

	// 7. Init ledger
	bookkeeper := ledger.New(accountStore, logger)

	// 8. Init token estimation pool
	estimator := tokenizer.NewPool(cfg.TokenizerWorkers)
	defer estimator.Close()

	// 9. Init audit pipeline
	auditStore := audit.NewPostgresStore(pool)
	auditQueue := audit.NewQueue(auditStore, cfg.AuditQueueSize, logger)

	// 10. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 11. Init upstream client and proxy handler
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	tracer := otel.GetTracerProvider().Tracer("llm-bridge")
	handler := proxy.NewHandler(upstreamClient, bookkeeper, estimator, auditQueue, limiter, tracer, logger, cfg.DefaultModel)

	// 12. Init admin surface
	adminHandler := admin.NewHandler(accountStore, bookkeeper, resolver, logger, cfg.AdminToken)

	// 13. Seed dev account if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDevAccount(ctx, accountStore, logger)
	}

	// 14. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.AccessLog(logger))
	r.Use(metrics.Middleware())

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-bridge"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// Admin routes
	r.Mount("/admin", adminHandler.Routes())

	// 15. Graceful shutdown
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
		logger.Info("LLM Bridge starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	// In-flight settlements are done once the server drains; flush the
	// buffered audit records before exiting.
	auditQueue.Close()
	logger.Info("Server stopped")
}
