// torii-worker is the orchestrator: it consumes signal messages from
// the queue, matches them to registered agents, opens tasks pending
// human approval, and accounts resume signals.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/torii-sh/torii/internal/config"
	"github.com/torii-sh/torii/internal/queue"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/telemetry"
	"github.com/torii-sh/torii/internal/tracing"
	"github.com/torii-sh/torii/internal/worker"
	"github.com/torii-sh/torii/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TORII_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("torii worker starting",
		"version", version, "topic", cfg.QueueTopic, "subscription", cfg.QueueSubscription)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// NOTIFY_URL enables push wakeup; without it the subscriber falls
	// back to interval polling.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.New(db, logger, queue.Options{
		Subscription: cfg.QueueSubscription,
		PollInterval: cfg.QueuePollInterval,
		Lease:        cfg.QueueLease,
		BatchSize:    cfg.QueueBatchSize,
	})

	w := worker.New(db, tracing.NewRecorder(db), q, logger, cfg.QueueTopic)
	w.Run(ctx)

	slog.Info("torii worker shutting down")
	return nil
}
