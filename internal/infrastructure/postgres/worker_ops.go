package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/trx-labs/taskrunnerx/internal/admission"
	"github.com/trx-labs/taskrunnerx/internal/domain"
)

// StartResult reports the outcome of a claim attempt. Claimed=false means a
// duplicate delivery: the caller acks and skips without touching the task.
type StartResult struct {
	Claimed  bool
	Attempts int
	Name     string
}

// SetTaskStarted claims one execution of (taskID, executionKey). The task row
// lock serializes concurrent workers; the loser observes the inbox claim (or
// a key mismatch) and skips. On success the task moves to running, attempts
// are incremented, and the inbox row is upserted.
func (s *Store) SetTaskStarted(ctx context.Context, taskID int64, executionKey string) (StartResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return StartResult{}, err
	}
	defer rollback(ctx, tx)

	var name, rowKey string
	err = tx.QueryRow(ctx, `
		SELECT name, execution_key
		FROM tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID).Scan(&name, &rowKey)
	if isNoRows(err) {
		return StartResult{}, tx.Commit(ctx)
	}
	if err != nil {
		return StartResult{}, err
	}
	if rowKey != executionKey {
		// Stale envelope for a different logical execution.
		return StartResult{}, tx.Commit(ctx)
	}

	var processedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT processed_at FROM task_inbox WHERE task_id = $1
	`, taskID).Scan(&processedAt)
	if err != nil && !isNoRows(err) {
		return StartResult{}, err
	}
	if processedAt != nil {
		return StartResult{}, tx.Commit(ctx)
	}

	var attempts int
	err = tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'running',
		    started_at = NOW(),
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING attempts
	`, taskID).Scan(&attempts)
	if err != nil {
		return StartResult{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_inbox (task_id, execution_key, attempts, last_seen_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (task_id) DO UPDATE
		SET attempts = task_inbox.attempts + 1,
		    last_seen_at = NOW()
	`, taskID, executionKey)
	if err != nil {
		return StartResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StartResult{}, err
	}
	return StartResult{Claimed: true, Attempts: attempts, Name: name}, nil
}

// SetTaskFinished finalizes one execution. An empty taskErr marks the task
// done and stamps the inbox processed_at, permanently fencing this execution
// key. A non-empty taskErr marks the task failed; the retry decision follows
// in its own transaction.
func (s *Store) SetTaskFinished(ctx context.Context, taskID int64, executionKey, taskErr string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx)

	if taskErr == "" {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'done', finished_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND execution_key = $2
		`, taskID, executionKey)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrTaskNotFound
		}
		_, err = tx.Exec(ctx, `
			UPDATE task_inbox SET processed_at = NOW() WHERE task_id = $1
		`, taskID)
		if err != nil {
			return err
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'failed', finished_at = NOW(), last_error = $3, updated_at = NOW()
			WHERE id = $1 AND execution_key = $2
		`, taskID, executionKey, taskErr)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrTaskNotFound
		}
	}

	return tx.Commit(ctx)
}

// MarkTaskRetry reschedules a failed task if it has attempts left. The
// execution key stays unchanged (a retry is the same logical execution)
// while scheduled_at moves forward and the outbox row is re-armed
// for the dispatcher. Returns (accepted, current attempts).
func (s *Store) MarkTaskRetry(ctx context.Context, taskID int64, executionKey string, delay time.Duration, taskErr string, maxAttempts int) (bool, int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer rollback(ctx, tx)

	var attempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts FROM tasks
		WHERE id = $1 AND execution_key = $2
		FOR UPDATE
	`, taskID, executionKey).Scan(&attempts)
	if isNoRows(err) {
		return false, 0, domain.ErrTaskNotFound
	}
	if err != nil {
		return false, 0, err
	}

	if attempts >= maxAttempts {
		return false, attempts, tx.Commit(ctx)
	}

	nextAt := time.Now().UTC().Add(delay)
	windowStart := admission.WindowStart(nextAt, s.opts.DedupeWindow)

	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'retrying',
		    scheduled_at = $2,
		    scheduled_window_start = $3,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, taskID, nextAt, windowStart, taskErr)
	if err != nil {
		return false, 0, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_outbox
		SET sent_at = NULL, stream_id = NULL, available_at = $2
		WHERE task_id = $1
	`, taskID, nextAt)
	if err != nil {
		return false, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, attempts, nil
}

// MoveToDeadLetter transitions an exhausted task to dead_letter and freezes
// its payload in the dead-letter table, all in one transaction. The returned
// record is what the caller publishes on the DLQ stream.
func (s *Store) MoveToDeadLetter(ctx context.Context, taskID int64, executionKey, taskErr string) (*domain.DeadLetter, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback(ctx, tx)

	var name string
	var payload json.RawMessage
	err = tx.QueryRow(ctx, `
		SELECT name, payload FROM tasks
		WHERE id = $1 AND execution_key = $2
		FOR UPDATE
	`, taskID, executionKey).Scan(&name, &payload)
	if isNoRows(err) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'dead_letter', finished_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, taskID, taskErr)
	if err != nil {
		return nil, err
	}

	failedAt := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO task_dead_letter (task_id, execution_key, name, payload, error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, execution_key) DO NOTHING
	`, taskID, executionKey, name, payload, taskErr, failedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.DeadLetter{
		TaskID:       taskID,
		ExecutionKey: executionKey,
		Name:         name,
		Payload:      payload,
		Error:        taskErr,
		FailedAt:     failedAt,
	}, nil
}

// DeadLetterCount backs the dlq_size gauge.
func (s *Store) DeadLetterCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_dead_letter`).Scan(&n)
	return n, err
}
