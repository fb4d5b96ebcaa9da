package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/api"
	"github.com/lalithlochan/quiethours/internal/app"
	"github.com/lalithlochan/quiethours/internal/config"
	"github.com/lalithlochan/quiethours/internal/metrics"
	"github.com/lalithlochan/quiethours/internal/observ"
	"github.com/lalithlochan/quiethours/internal/redis"
	"github.com/lalithlochan/quiethours/internal/schedule"
	"github.com/lalithlochan/quiethours/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting quiethours gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
	)

	ctx := context.Background()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Redis backs idempotent creates, rate limiting and the pass lock.
	redisClient := a.OpenRedis(ctx)

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per user
		})
	}

	handler := api.NewHandler(logger, a.Store, a.Worker).
		WithLeadTime(cfg.LeadTime).
		WithClaimLease(cfg.ClaimLease)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	// Without a trigger queue, manual triggers run inline.
	if cfg.SQSTriggerQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSTriggerQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, triggers will run inline", zap.Error(err))
		} else {
			handler.WithQueue(producer)
		}
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	if cfg.GatewayScheduler {
		runner, err := schedule.New(cfg.DispatchSchedule, a.ScheduledPass(redisClient), logger)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		go func() {
			if err := runner.Run(schedCtx); err != nil {
				logger.Error("scheduler exited", zap.Error(err))
			}
		}()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))
		handler.Register(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{
			"status":  "ok",
			"store":   cfg.StoreBackend,
			"breaker": a.Breaker.Stats(),
		}
		if err := a.Store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		schedCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
