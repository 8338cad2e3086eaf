package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/trx-labs/taskrunnerx/internal/contracts"
	"github.com/trx-labs/taskrunnerx/internal/domain"
	"github.com/trx-labs/taskrunnerx/internal/pkg/logger"
)

// Publisher is the outbound side of the broker, as seen by the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, stream string, values map[string]any) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	return f(ctx, stream, values)
}

// DispatchTask publishes the outbox row for taskID under its row lock.
// Idempotent: a row already sent returns its recorded stream id without
// republishing. A row not yet due returns "". The outbox row is the source of
// truth: if the commit fails after the broker append, the next tick
// republishes and the worker's inbox check absorbs the duplicate.
func (s *Store) DispatchTask(ctx context.Context, pub Publisher, taskID int64) (string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer rollback(ctx, tx)

	var (
		stream           string
		executionKey     string
		payload          json.RawMessage
		availableAt      time.Time
		streamID         *string
		deliveryAttempts int
		name             string
		scheduledAt      time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT o.stream, o.execution_key, o.payload, o.available_at,
		       o.stream_id, o.delivery_attempts, t.name, t.scheduled_at
		FROM task_outbox o
		JOIN tasks t ON t.id = o.task_id
		WHERE o.task_id = $1
		FOR UPDATE OF o
	`, taskID).Scan(&stream, &executionKey, &payload, &availableAt,
		&streamID, &deliveryAttempts, &name, &scheduledAt)
	if isNoRows(err) {
		return "", domain.ErrOutboxMissing
	}
	if err != nil {
		return "", err
	}

	if streamID != nil {
		return *streamID, tx.Commit(ctx)
	}
	if availableAt.After(time.Now()) {
		return "", tx.Commit(ctx)
	}

	msg := contracts.TaskMessage{
		TaskID:       taskID,
		Name:         name,
		Payload:      payload,
		ExecutionKey: executionKey,
		ScheduledAt:  scheduledAt,
		Attempt:      deliveryAttempts + 1,
	}
	id, err := pub.Publish(ctx, stream, msg.Values())
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_outbox
		SET sent_at = NOW(), stream_id = $2, delivery_attempts = delivery_attempts + 1
		WHERE task_id = $1
	`, taskID, id)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// FlushDue publishes every due unsent outbox row, in passes of up to limit
// rows locked with SKIP LOCKED so concurrent dispatchers never double-publish.
// Only rows already due match the query, so a pass selecting fewer than limit
// rows means the backlog is drained and the loop ends; rows claimed by a
// concurrent flusher are skipped and covered by that flusher's own pass.
func (s *Store) FlushDue(ctx context.Context, pub Publisher, limit int) (int, error) {
	total := 0
	for {
		selected, published, err := s.flushPass(ctx, pub, limit)
		if err != nil {
			return total, err
		}
		total += published
		if selected < limit {
			return total, nil
		}
	}
}

func (s *Store) flushPass(ctx context.Context, pub Publisher, limit int) (int, int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer rollback(ctx, tx)

	rows, err := tx.Query(ctx, `
		SELECT o.task_id, o.stream, o.execution_key, o.payload,
		       o.delivery_attempts, t.name, t.scheduled_at
		FROM task_outbox o
		JOIN tasks t ON t.id = o.task_id
		WHERE o.sent_at IS NULL AND o.available_at <= NOW()
		ORDER BY o.available_at ASC
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, 0, err
	}

	type due struct {
		taskID           int64
		stream           string
		executionKey     string
		payload          json.RawMessage
		deliveryAttempts int
		name             string
		scheduledAt      time.Time
	}
	var selected []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.taskID, &d.stream, &d.executionKey, &d.payload,
			&d.deliveryAttempts, &d.name, &d.scheduledAt); err != nil {
			rows.Close()
			return 0, 0, err
		}
		selected = append(selected, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	published := 0
	for _, d := range selected {
		msg := contracts.TaskMessage{
			TaskID:       d.taskID,
			Name:         d.name,
			Payload:      d.payload,
			ExecutionKey: d.executionKey,
			ScheduledAt:  d.scheduledAt,
			Attempt:      d.deliveryAttempts + 1,
		}
		id, err := pub.Publish(ctx, d.stream, msg.Values())
		if err != nil {
			return len(selected), published, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE task_outbox
			SET sent_at = NOW(), stream_id = $2, delivery_attempts = delivery_attempts + 1
			WHERE task_id = $1
		`, d.taskID, id)
		if err != nil {
			return len(selected), published, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return len(selected), published, err
	}
	return len(selected), published, nil
}

// StartDispatchLoop runs FlushDue on a ticker until ctx is canceled.
// Repeated identical errors are logged at most once per ten seconds.
func (s *Store) StartDispatchLoop(ctx context.Context, pub Publisher, interval time.Duration, batch int) {
	go func() {
		log := logger.Logger.With().Str("component", "dispatcher").Logger()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastErr string
		var lastAt time.Time

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				n, err := s.FlushDue(ctx, pub, batch)
				if err != nil {
					if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
						log.Warn().Err(err).Msg("outbox flush failed")
						lastErr = err.Error()
						lastAt = time.Now()
					}
					continue
				}
				lastErr = ""
				if n > 0 {
					log.Debug().Int("published", n).Msg("outbox flushed")
				}
			}
		}
	}()
}
