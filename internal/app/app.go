// Package app assembles the store, email transport and dispatch core from
// config. Both binaries build on it so a pass behaves the same whether it
// is started by the gateway, the CLI or a queue message.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/api"
	"github.com/lalithlochan/quiethours/internal/circuitbreaker"
	"github.com/lalithlochan/quiethours/internal/config"
	"github.com/lalithlochan/quiethours/internal/db"
	"github.com/lalithlochan/quiethours/internal/mongo"
	"github.com/lalithlochan/quiethours/internal/redis"
	"github.com/lalithlochan/quiethours/internal/sns"
	"github.com/lalithlochan/quiethours/internal/sqs"
	"github.com/lalithlochan/quiethours/internal/worker"
)

// passLockName keys the Redis lock shared by every scheduler.
const passLockName = "dispatch-pass"

// Store is everything the binaries need from a block store.
type Store interface {
	worker.Repository
	worker.StaleClaimReleaser
	api.BlockRepository
	Ping(ctx context.Context) error
}

// App holds the handles opened for one process or one CLI command.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      Store
	Worker     *worker.Worker
	Reconciler *worker.Reconciler
	Breaker    *circuitbreaker.CircuitBreaker

	closers []func()
}

// Open connects the configured store and email transport and builds the
// dispatch core on top. Close releases everything Open acquired, even when
// Open itself fails part way.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	sender, err := a.openSender(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:            cfg.EmailTransport,
		MaxFailures:     cfg.BreakerMaxFailures,
		RecoveryTimeout: cfg.BreakerRecovery,
	}, logger)
	protected := circuitbreaker.NewProtectedSender(sender, a.Breaker, logger)

	a.Worker = worker.New(store, protected, worker.NewComposer(cfg.LeadTime, cfg.ReminderTimezone), worker.Config{
		LeadTime:  cfg.LeadTime,
		Tolerance: cfg.Tolerance,
		Pacing:    cfg.Pacing,
	}, logger)
	a.Reconciler = worker.NewReconciler(store, cfg.ClaimLease, logger)

	if cfg.SNSAlertTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSAlertTopicARN, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, operator alerts disabled", zap.Error(err))
		} else {
			a.Worker.WithAlerter(publisher)
			a.Reconciler.WithAlerter(publisher)
		}
	}

	logger.Info("dispatch core ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("transport", cfg.EmailTransport),
		zap.Duration("lead_time", cfg.LeadTime),
		zap.Duration("tolerance", cfg.Tolerance),
		zap.Bool("alerts_enabled", cfg.SNSAlertTopicARN != ""),
	)

	return a, nil
}

// Close releases handles in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	cfg := a.Config

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, database.Close)
		return db.NewRepository(database, a.Logger), nil

	case config.BackendMongo:
		store, err := mongo.New(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.closers = append(a.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		})
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
		return store, nil

	case config.BackendMemory:
		a.Logger.Warn("using in-memory block store, data is lost on exit")
		return db.NewMemoryRepository(), nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func (a *App) openSender(ctx context.Context) (worker.Sender, error) {
	switch a.Config.EmailTransport {
	case config.TransportSES:
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    a.Config.AWSRegion,
			FromEmail: a.Config.SESFromEmail,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return sender, nil
	case config.TransportLog:
		return worker.NewLogSender(a.Logger), nil
	}
	return nil, fmt.Errorf("unknown email transport %q", a.Config.EmailTransport)
}

// OpenRedis connects to Redis. It returns nil when Redis is unreachable;
// callers run without the features that need it.
func (a *App) OpenRedis(ctx context.Context) *redis.Client {
	client, err := redis.New(ctx, redis.Config{
		Host:     a.Config.RedisHost,
		Port:     a.Config.RedisPort,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}, a.Logger)
	if err != nil {
		a.Logger.Warn("redis unavailable",
			zap.Error(err),
			zap.String("host", a.Config.RedisHost),
		)
		return nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client
}

// ScheduledPass returns the function a scheduler runs on each tick. With a
// Redis client, a tick that finds another process mid-pass is skipped.
func (a *App) ScheduledPass(rc *redis.Client) func(context.Context) error {
	run := func(ctx context.Context) error {
		_, err := a.Worker.RunPass(ctx)
		return err
	}
	if rc == nil {
		return run
	}

	lock := redis.NewPassLock(rc, passLockName, a.Config.DispatchLockTTL, a.Logger)
	return func(ctx context.Context) error {
		err := lock.Do(ctx, run)
		if errors.Is(err, redis.ErrLockHeld) {
			a.Logger.Info("dispatch pass already running elsewhere, skipping tick")
			return nil
		}
		return err
	}
}

// HandleTrigger runs one queue message. A returned error leaves the message
// for redelivery, which is safe because the claim protocol never sends twice.
func (a *App) HandleTrigger(ctx context.Context, t sqs.Trigger) error {
	switch t.Kind {
	case sqs.TriggerPass:
		_, err := a.Worker.RunPass(ctx)
		return err

	case sqs.TriggerBlock:
		id, err := uuid.Parse(t.BlockID)
		if err != nil {
			a.Logger.Error("dropping trigger with malformed block id",
				zap.String("block_id", t.BlockID),
				zap.Error(err),
			)
			return nil
		}
		_, err = a.Worker.RunBlock(ctx, id)
		return err
	}

	a.Logger.Error("dropping trigger of unknown kind", zap.String("kind", string(t.Kind)))
	return nil
}
