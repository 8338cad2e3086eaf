package main

import (
	"context"
	"fmt"
	"net/http"
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
	"github.com/trx-labs/taskrunnerx/internal/service"
	"github.com/trx-labs/taskrunnerx/internal/transport/rest"
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
		Str("service", "taskrunnerx-api").
		Str("env", cfg.AppEnv).
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

	// ---- Application service ----
	svc := service.NewTaskService(store, pub, log)
	h := rest.NewHandler(svc)

	m := metrics.New()
	httpHandler := rest.NewRouter(h, rest.Deps{
		Metrics: m,
		DBPing:  dbPool.Ping,
		RedPing: b.Ping,
	})

	// ---- Outbox dispatch loop ----
	store.StartDispatchLoop(rootCtx, pub, cfg.DispatchInterval, cfg.DispatchBatch)
	log.Info().Dur("interval", cfg.DispatchInterval).Msg("dispatch loop started")

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
