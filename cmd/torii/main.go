// torii is the ingress gateway: it accepts webhook signals over HTTP,
// opens a trace, publishes each signal to the queue, and serves the
// read/approve API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/torii-sh/torii/internal/audit"
	"github.com/torii-sh/torii/internal/config"
	"github.com/torii-sh/torii/internal/gateway"
	"github.com/torii-sh/torii/internal/queue"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/internal/telemetry"
	"github.com/torii-sh/torii/internal/tracing"
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
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("torii gateway starting", "version", version, "port", cfg.Port, "topic", cfg.QueueTopic)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The gateway only publishes; it needs no LISTEN/NOTIFY connection.
	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.New(db, logger, queue.Options{Subscription: cfg.QueueSubscription})
	counters := audit.NewCounters()
	recorder := tracing.NewRecorder(db)

	handlers := gateway.NewHandlers(gateway.HandlersDeps{
		DB:        db,
		Publisher: q,
		Recorder:  recorder,
		Counters:  counters,
		Logger:    logger,
		Topic:     cfg.QueueTopic,
		Service:   cfg.ServiceName,
		MaxBody:   cfg.MaxRequestBodyBytes,
	})

	srv := gateway.New(gateway.ServerConfig{
		Handlers:     handlers,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
