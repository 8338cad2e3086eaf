package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/trx-labs/taskrunnerx/internal/admission"
	"github.com/trx-labs/taskrunnerx/internal/domain"
)

const taskColumns = `
	id, name, status, payload, payload_hash, attempts, last_error,
	execution_key, scheduled_at, scheduled_window_start,
	created_at, updated_at, started_at, finished_at
`

// CreateTaskParams describe a submission. A nil ScheduledAt means "now"
// (legacy submission APIs carry no schedule).
type CreateTaskParams struct {
	Name        string
	Payload     map[string]any
	ScheduledAt *time.Time
}

// CreateTask finds or creates the task for this submission's execution key.
// An existing task in any candidate window is returned with created=false.
// Otherwise the task and its outbox row are inserted in one transaction.
// A concurrent submitter losing the unique-key race retries and finds the
// winner.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*domain.Task, bool, error) {
	scheduledAt := time.Now().UTC()
	if p.ScheduledAt != nil {
		scheduledAt = p.ScheduledAt.UTC()
	}

	payloadJSON, err := admission.CanonicalJSON(p.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	hash, err := admission.PayloadHash(p.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	candidates := admission.CandidateWindows(scheduledAt, s.opts.DedupeWindow, s.opts.ClockSkew)
	primary := candidates[0]
	executionKey := admission.ExecutionKey(p.Name, hash, primary)

	task, created, err := s.findOrCreate(ctx, p.Name, hash, candidates, primary, executionKey, payloadJSON, scheduledAt)
	if err == nil {
		return task, created, nil
	}

	// Dedup race: the losing side retries the transaction and finds the winner.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		task, created, err = s.findOrCreate(ctx, p.Name, hash, candidates, primary, executionKey, payloadJSON, scheduledAt)
	}
	return task, created, err
}

func (s *Store) findOrCreate(
	ctx context.Context,
	name, hash string,
	candidates []time.Time,
	primary time.Time,
	executionKey string,
	payloadJSON []byte,
	scheduledAt time.Time,
) (*domain.Task, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer rollback(ctx, tx)

	row := tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE name = $1 AND payload_hash = $2 AND scheduled_window_start = ANY($3)
		ORDER BY id ASC
		LIMIT 1
	`, name, hash, candidates)

	existing, err := scanTask(row)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if !isNoRows(err) {
		return nil, false, err
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO tasks (
			name, status, payload, payload_hash, attempts,
			execution_key, scheduled_at, scheduled_window_start, created_at
		)
		VALUES ($1, 'queued', $2, $3, 0, $4, $5, $6, NOW())
		RETURNING `+taskColumns+`
	`, name, payloadJSON, hash, executionKey, scheduledAt, primary)

	task, err := scanTask(row)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_outbox (task_id, stream, execution_key, payload, available_at, delivery_attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, task.ID, s.opts.Stream, executionKey, payloadJSON, scheduledAt)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if isNoRows(err) {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Name, &t.Status, &t.Payload, &t.PayloadHash, &t.Attempts, &t.LastError,
		&t.ExecutionKey, &t.ScheduledAt, &t.ScheduledWindowStart,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
