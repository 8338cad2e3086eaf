// Package worker consumes broker entries and drives the idempotent execution
// pipeline: claim through the inbox, run the handler, finalize, then retry or
// dead-letter. One worker process runs one single-threaded loop; parallelism
// comes from running more processes under the same consumer group.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trx-labs/taskrunnerx/internal/contracts"
	"github.com/trx-labs/taskrunnerx/internal/domain"
	"github.com/trx-labs/taskrunnerx/internal/infrastructure/broker"
	"github.com/trx-labs/taskrunnerx/internal/infrastructure/postgres"
	"github.com/trx-labs/taskrunnerx/internal/metrics"
	"github.com/trx-labs/taskrunnerx/internal/pkg/trace"
	"github.com/trx-labs/taskrunnerx/internal/retry"
	"github.com/trx-labs/taskrunnerx/internal/tasks"
)

// Store is the slice of the persistence layer the pipeline needs.
type Store interface {
	SetTaskStarted(ctx context.Context, taskID int64, executionKey string) (postgres.StartResult, error)
	SetTaskFinished(ctx context.Context, taskID int64, executionKey, taskErr string) error
	MarkTaskRetry(ctx context.Context, taskID int64, executionKey string, delay time.Duration, taskErr string, maxAttempts int) (bool, int, error)
	MoveToDeadLetter(ctx context.Context, taskID int64, executionKey, taskErr string) (*domain.DeadLetter, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// Broker is the consumer-side stream interface.
type Broker interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]broker.Entry, error)
	Publish(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
}

// Dispatcher republishes a task's outbox row; used for delayed retries.
type Dispatcher interface {
	DispatchTask(ctx context.Context, taskID int64) (string, error)
}

type Config struct {
	Stream         string
	DLQStream      string
	Group          string
	Consumer       string
	ReadCount      int64
	BlockTimeout   time.Duration
	ClaimInterval  time.Duration
	ClaimMinIdle   time.Duration
	HandlerTimeout time.Duration // 0 disables the wall-clock timeout
	Policy         retry.Policy
}

type Worker struct {
	cfg      Config
	store    Store
	broker   Broker
	dispatch Dispatcher
	registry *tasks.Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{} // closed on shutdown; aborts pending retry timers
}

func New(cfg Config, store Store, b Broker, dispatch Dispatcher, registry *tasks.Registry, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    store,
		broker:   b,
		dispatch: dispatch,
		registry: registry,
		metrics:  m,
		log:      log.With().Str("component", "worker").Str("consumer", cfg.Consumer).Logger(),
		stop:     make(chan struct{}),
	}
}

// Run blocks until ctx is canceled. The in-flight message drains to
// completion before the loop exits; unacked entries left by a crash are
// recovered by other consumers via Claim.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	w.wg.Add(1)
	go w.runReclaimer(ctx)

	w.log.Info().Str("stream", w.cfg.Stream).Str("group", w.cfg.Group).Msg("started")

	for {
		select {
		case <-ctx.Done():
			close(w.stop)
			w.wg.Wait()
			w.log.Info().Msg("stopped")
			return nil
		default:
		}

		entries, err := w.broker.ReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ReadCount, w.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("read failed")
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, e := range entries {
			// Drain semantics: a message already read completes even if
			// shutdown is signaled mid-flight.
			w.HandleMessage(context.WithoutCancel(ctx), e)
		}
	}
}

// HandleMessage runs the per-message pipeline for one broker entry.
func (w *Worker) HandleMessage(ctx context.Context, e broker.Entry) {
	log := w.log.With().
		Str("trace_id", trace.NewTraceID()).
		Str("span_id", trace.NewSpanID()).
		Str("entry_id", e.ID).
		Logger()

	msg, err := contracts.DecodeTaskMessage(e.Values)
	if err != nil {
		// Malformed envelope: nothing to retry, drop it.
		w.metrics.TaskFailed()
		log.Error().Err(err).Msg("decode failed, dropping entry")
		w.ack(ctx, e.ID, log)
		return
	}
	log = log.With().Int64("task_id", msg.TaskID).Str("name", msg.Name).Logger()

	res, err := w.store.SetTaskStarted(ctx, msg.TaskID, msg.ExecutionKey)
	if err != nil {
		// Leave the entry pending; claim recovery will redeliver.
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !res.Claimed {
		w.metrics.TaskSkipped()
		log.Debug().Msg("duplicate delivery, skipped")
		w.ack(ctx, e.ID, log)
		return
	}
	w.metrics.AttemptStarted()

	start := time.Now()
	execErr := w.execute(ctx, msg)
	elapsed := time.Since(start)

	if execErr == nil {
		if err := w.store.SetTaskFinished(ctx, msg.TaskID, msg.ExecutionKey, ""); err != nil {
			log.Error().Err(err).Msg("finalize failed")
			return
		}
		w.metrics.TaskSucceeded(elapsed)
		log.Info().Dur("duration", elapsed).Int("attempt", res.Attempts).Msg("task done")
		w.ack(ctx, e.ID, log)
		return
	}

	log.Error().Err(execErr).Int("attempt", res.Attempts).Msg("task failed")
	if err := w.store.SetTaskFinished(ctx, msg.TaskID, msg.ExecutionKey, execErr.Error()); err != nil {
		log.Error().Err(err).Msg("finalize failed")
		return
	}

	delay := w.cfg.Policy.Delay(res.Attempts)
	accepted, attempts, err := w.store.MarkTaskRetry(ctx, msg.TaskID, msg.ExecutionKey, delay, execErr.Error(), w.cfg.Policy.MaxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("retry decision failed")
		return
	}

	if accepted {
		w.metrics.TaskFailed()
		log.Info().Dur("delay", delay).Int("attempts", attempts).Msg("retry scheduled")
		w.scheduleRetry(ctx, msg.TaskID, delay, log)
	} else {
		w.moveToDeadLetter(ctx, msg, execErr, log)
	}

	// The retry is a new broker entry, not a redelivery of this one.
	w.ack(ctx, e.ID, log)
}

func (w *Worker) execute(ctx context.Context, msg contracts.TaskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, err := w.registry.Resolve(msg.Name)
	if err != nil {
		return err
	}

	var payload map[string]any
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if w.cfg.HandlerTimeout > 0 {
		hctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- handler(hctx, payload) }()
		select {
		case err := <-done:
			return err
		case <-hctx.Done():
			return fmt.Errorf("handler timeout after %s", w.cfg.HandlerTimeout)
		}
	}
	return handler(ctx, payload)
}

func (w *Worker) moveToDeadLetter(ctx context.Context, msg contracts.TaskMessage, execErr error, log zerolog.Logger) {
	rec, err := w.store.MoveToDeadLetter(ctx, msg.TaskID, msg.ExecutionKey, execErr.Error())
	if err != nil {
		log.Error().Err(err).Msg("dead-letter move failed")
		return
	}

	dlq := contracts.DeadLetterMessage{
		TaskID:       rec.TaskID,
		ExecutionKey: rec.ExecutionKey,
		Name:         rec.Name,
		Payload:      rec.Payload,
		Error:        rec.Error,
		FailedAt:     rec.FailedAt,
	}
	if _, err := w.broker.Publish(ctx, w.cfg.DLQStream, dlq.Values(), 0); err != nil {
		log.Error().Err(err).Msg("dlq publish failed")
	}

	if n, err := w.store.DeadLetterCount(ctx); err == nil {
		w.metrics.SetDLQSize(n)
	}
	w.metrics.TaskFailed()
	log.Warn().Str("execution_key", rec.ExecutionKey).Msg("task dead-lettered")
}

// scheduleRetry republishes the re-armed outbox row after the backoff delay.
// If this process dies first, the dispatch loop of any live process flushes
// the row instead.
func (w *Worker) scheduleRetry(ctx context.Context, taskID int64, delay time.Duration, log zerolog.Logger) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-w.stop:
			// The re-armed outbox row survives; another process's dispatch
			// loop flushes it.
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := w.dispatch.DispatchTask(ctx, taskID); err != nil {
			log.Error().Err(err).Int64("task_id", taskID).Msg("retry dispatch failed")
		}
	}()
}

func (w *Worker) runReclaimer(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := w.broker.Claim(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ClaimMinIdle, w.cfg.ReadCount)
			if err != nil {
				w.log.Error().Err(err).Msg("claim failed")
				continue
			}
			if len(entries) > 0 {
				w.log.Info().Int("count", len(entries)).Msg("claimed abandoned entries")
			}
			for _, e := range entries {
				w.HandleMessage(context.WithoutCancel(ctx), e)
			}
		}
	}
}

func (w *Worker) ack(ctx context.Context, id string, log zerolog.Logger) {
	if err := w.broker.Ack(ctx, w.cfg.Stream, w.cfg.Group, id); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
