package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trx-labs/taskrunnerx/internal/admission"
	"github.com/trx-labs/taskrunnerx/internal/pkg/logger"
)

// Schema statements are additive and re-runnable. The legacy tasks table
// (pre payload_hash/execution_key) is upgraded in place: new columns are
// added, existing rows are backfilled, then the constraints are tightened.
var migrateStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'queued',
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS last_error TEXT`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS payload_hash VARCHAR(128)`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS scheduled_at TIMESTAMPTZ`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS scheduled_window_start TIMESTAMPTZ`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS execution_key VARCHAR(256)`,
	`CREATE INDEX IF NOT EXISTS ix_tasks_name ON tasks (name)`,
	`CREATE INDEX IF NOT EXISTS ix_tasks_status ON tasks (status)`,
}

var postBackfillStatements = []string{
	`ALTER TABLE tasks ALTER COLUMN payload_hash SET NOT NULL`,
	`ALTER TABLE tasks ALTER COLUMN scheduled_at SET NOT NULL`,
	`ALTER TABLE tasks ALTER COLUMN scheduled_window_start SET NOT NULL`,
	`ALTER TABLE tasks ALTER COLUMN execution_key SET NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_tasks_execution_key ON tasks (execution_key)`,
	`CREATE TABLE IF NOT EXISTS task_outbox (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
		stream VARCHAR(128) NOT NULL,
		execution_key VARCHAR(256) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		available_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		stream_id VARCHAR(128),
		delivery_attempts INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS ix_task_outbox_due ON task_outbox (available_at) WHERE sent_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS task_inbox (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
		execution_key VARCHAR(256) NOT NULL UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMPTZ,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS task_dead_letter (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		execution_key VARCHAR(256) NOT NULL,
		name VARCHAR(128) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		error TEXT NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_dead_letter_task UNIQUE (task_id, execution_key)
	)`,
}

// Migrate upgrades the schema, backfilling legacy rows with a payload-derived
// hash, scheduled_at=created_at (or now), the aligned window, and a
// "legacy:<id>" execution key.
func (s *Store) Migrate(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "migrate").Logger()

	for _, stmt := range migrateStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	backfilled, err := s.backfillLegacyTasks(ctx)
	if err != nil {
		return err
	}
	if backfilled > 0 {
		log.Info().Int("rows", backfilled).Msg("backfilled legacy tasks")
	}

	for _, stmt := range postBackfillStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) backfillLegacyTasks(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, created_at
		FROM tasks
		WHERE payload_hash IS NULL OR execution_key IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("select legacy tasks: %w", err)
	}
	defer rows.Close()

	type legacy struct {
		id        int64
		payload   []byte
		createdAt *time.Time
	}
	var pending []legacy
	for rows.Next() {
		var l legacy
		if err := rows.Scan(&l.id, &l.payload, &l.createdAt); err != nil {
			return 0, fmt.Errorf("scan legacy task: %w", err)
		}
		pending = append(pending, l)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, l := range pending {
		var payload map[string]any
		if len(l.payload) > 0 {
			_ = json.Unmarshal(l.payload, &payload)
		}
		hash, err := admission.PayloadHash(payload)
		if err != nil {
			return 0, fmt.Errorf("hash legacy task %d: %w", l.id, err)
		}

		scheduledAt := now
		if l.createdAt != nil {
			scheduledAt = l.createdAt.UTC()
		}
		windowStart := admission.WindowStart(scheduledAt, s.opts.DedupeWindow)

		_, err = s.pool.Exec(ctx, `
			UPDATE tasks
			SET payload_hash = $2,
			    scheduled_at = $3,
			    scheduled_window_start = $4,
			    execution_key = $5
			WHERE id = $1
		`, l.id, hash, scheduledAt, windowStart, fmt.Sprintf("legacy:%d", l.id))
		if err != nil {
			return 0, fmt.Errorf("backfill task %d: %w", l.id, err)
		}
	}
	return len(pending), nil
}
