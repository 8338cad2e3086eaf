package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trx-labs/taskrunnerx/internal/config"
	"github.com/trx-labs/taskrunnerx/internal/infrastructure/broker"
	"github.com/trx-labs/taskrunnerx/internal/infrastructure/postgres"
	"github.com/trx-labs/taskrunnerx/internal/metrics"
	"github.com/trx-labs/taskrunnerx/internal/pkg/logger"
	"github.com/trx-labs/taskrunnerx/internal/retry"
	"github.com/trx-labs/taskrunnerx/internal/tasks"
	"github.com/trx-labs/taskrunnerx/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "taskrunnerx-worker").
		Str("env", cfg.AppEnv).
		Str("worker", cfg.WorkerName).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	store := postgres.New(dbPool, postgres.Options{
		Stream:       cfg.RedisStream,
		DedupeWindow: cfg.DedupeWindow,
		ClockSkew:    cfg.ClockSkew,
	})
	if err := store.Migrate(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	// ---- Redis broker ----
	b, err := broker.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client create failed")
	}
	defer b.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("redis ping failed")
		}
		log.Info().Msg("redis connected")
	}

	pub := postgres.PublisherFunc(func(ctx context.Context, stream string, values map[string]any) (string, error) {
		return b.Publish(ctx, stream, values, broker.PrimaryMaxLen)
	})

	// ---- Outbox dispatch loop ----
	// The worker process also flushes the outbox so delayed retries publish
	// even when the API process is down.
	store.StartDispatchLoop(rootCtx, pub, cfg.DispatchInterval, cfg.DispatchBatch)

	// ---- Handlers ----
	registry := tasks.Builtin(log)
	log.Info().Strs("handlers", registry.Names()).Msg("handlers registered")

	m := metrics.New()

	dispatch := dispatcherFunc(func(ctx context.Context, taskID int64) (string, error) {
		return store.DispatchTask(ctx, pub, taskID)
	})

	w := worker.New(worker.Config{
		Stream:         cfg.RedisStream,
		DLQStream:      cfg.RedisDLQStream,
		Group:          cfg.RedisGroup,
		Consumer:       cfg.WorkerName,
		ReadCount:      cfg.ReadCount,
		BlockTimeout:   cfg.BlockTimeout,
		ClaimInterval:  cfg.ClaimInterval,
		ClaimMinIdle:   cfg.ClaimMinIdle,
		HandlerTimeout: cfg.HandlerTimeout,
		Policy: retry.Policy{
			Base:        cfg.RetryBackoff,
			Multiplier:  cfg.RetryBackoffMultiplier,
			MaxAttempts: cfg.MaxAttempts,
		},
	}, store, b, dispatch, registry, m, log)

	if err := w.Run(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
	log.Info().Msg("shutdown complete")
}

type dispatcherFunc func(ctx context.Context, taskID int64) (string, error)

func (f dispatcherFunc) DispatchTask(ctx context.Context, taskID int64) (string, error) {
	return f(ctx, taskID)
}
