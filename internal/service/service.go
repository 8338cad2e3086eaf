// Package service wires admission, store and dispatcher behind the single
// synchronous submission call the HTTP layer exposes.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/trx-labs/taskrunnerx/internal/domain"
	"github.com/trx-labs/taskrunnerx/internal/infrastructure/postgres"
)

// SubmitResult is what submitters see: the (possibly pre-existing) task id,
// the stream id when the task was dispatched immediately, and whether this
// submission collapsed onto an existing execution.
type SubmitResult struct {
	TaskID   int64  `json:"task_id"`
	StreamID string `json:"stream_id,omitempty"`
	Deduped  bool   `json:"deduped"`
}

type TaskService struct {
	store *postgres.Store
	pub   postgres.Publisher
	log   zerolog.Logger
}

func NewTaskService(store *postgres.Store, pub postgres.Publisher, log zerolog.Logger) *TaskService {
	return &TaskService{
		store: store,
		pub:   pub,
		log:   log.With().Str("component", "task_service").Logger(),
	}
}

// Submit finds-or-creates the task and attempts an immediate dispatch.
// DispatchTask is idempotent, so a deduped submission returns the stream id
// the winner already recorded; a not-yet-due task returns an empty stream id
// and the dispatch loop publishes it later.
func (s *TaskService) Submit(ctx context.Context, name string, payload map[string]any, scheduledAt *time.Time) (SubmitResult, error) {
	task, created, err := s.store.CreateTask(ctx, postgres.CreateTaskParams{
		Name:        name,
		Payload:     payload,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	streamID, err := s.store.DispatchTask(ctx, s.pub, task.ID)
	if err != nil {
		// The task row is durable; the dispatch loop retries publication.
		s.log.Warn().Err(err).Int64("task_id", task.ID).Msg("immediate dispatch failed")
	}

	return SubmitResult{
		TaskID:   task.ID,
		StreamID: streamID,
		Deduped:  !created,
	}, nil
}

func (s *TaskService) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *TaskService) ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, limit, offset)
}
