// Package postgres owns all durable state: tasks, outbox, inbox and
// dead-letter rows. Every mutation runs inside an explicit transaction; row
// locks are the only inter-process coordination primitive.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options carry the admission settings the store needs to derive windows and
// execution keys, plus the primary stream name recorded on outbox rows.
type Options struct {
	Stream       string
	DedupeWindow time.Duration
	ClockSkew    time.Duration
}

type Store struct {
	pool *pgxpool.Pool
	opts Options
}

func New(pool *pgxpool.Pool, opts Options) *Store {
	return &Store{pool: pool, opts: opts}
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// rollback is the deferred safety net; a no-op after commit.
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
