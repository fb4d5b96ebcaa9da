package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/app"
	"github.com/lalithlochan/quiethours/internal/config"
	"github.com/lalithlochan/quiethours/internal/observ"
	"github.com/lalithlochan/quiethours/internal/redis"
	"github.com/lalithlochan/quiethours/internal/schedule"
	"github.com/lalithlochan/quiethours/internal/sqs"
)

type action func(ctx context.Context, a *app.App, c *cli.Context) error

// withApp opens the store and transport for one command and releases them
// when it returns. SIGINT and SIGTERM cancel the command's context.
func withApp(name string, fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := observ.NewLogger("notifier", cfg.Env, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
		logger = logger.With(zap.String("command", name))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(ctx, a, c)
	}
}

func runPass(ctx context.Context, a *app.App, c *cli.Context) error {
	arg := c.Args().First()
	if arg == "" {
		summary, err := a.Worker.RunPass(ctx)
		if err != nil {
			return err
		}
		return printJSON(c, summary)
	}

	id, err := uuid.Parse(arg)
	if err != nil {
		return fmt.Errorf("invalid block id %q: %w", arg, err)
	}

	summary, err := a.Worker.RunBlock(ctx, id)
	if perr := printJSON(c, summary); perr != nil {
		return perr
	}
	return err
}

func reconcile(ctx context.Context, a *app.App, c *cli.Context) error {
	n, err := a.Reconciler.Sweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(c, map[string]int64{"released": n})
}

func setEmail(ctx context.Context, a *app.App, c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: notifier set-email <block-id> <email>")
	}

	id, err := uuid.Parse(c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("invalid block id %q: %w", c.Args().Get(0), err)
	}
	email := strings.TrimSpace(c.Args().Get(1))
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", email)
	}

	block, err := a.Store.SetRecipient(ctx, id, email)
	if err != nil {
		return err
	}
	return printJSON(c, block)
}

func listen(ctx context.Context, a *app.App, _ *cli.Context) error {
	if a.Config.SQSTriggerQueueURL == "" {
		return errors.New("SQS_TRIGGER_QUEUE_URL is required for listen")
	}

	consumer, err := sqs.NewConsumer(ctx, sqs.Config{
		Region:   a.Config.AWSRegion,
		QueueURL: a.Config.SQSTriggerQueueURL,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs consumer: %w", err)
	}

	return consumer.Listen(ctx, a.HandleTrigger)
}

func scheduleLoop(ctx context.Context, a *app.App, c *cli.Context) error {
	var rc *redis.Client
	if !c.Bool("no-lock") {
		rc = a.OpenRedis(ctx)
	}

	runner, err := schedule.New(a.Config.DispatchSchedule, a.ScheduledPass(rc), a.Logger)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
