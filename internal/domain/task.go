package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
//
//	queued → running → done
//	           │  ↘ failed → retrying → running …
//	           │                     └→ dead_letter
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusRunning    TaskStatus = "running"
	StatusRetrying   TaskStatus = "retrying"
	StatusDone       TaskStatus = "done"
	StatusFailed     TaskStatus = "failed"
	StatusDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusDeadLetter
}

// Task is the logical unit of work. One row per execution key; retries reuse
// the row, they never create a new logical task.
type Task struct {
	ID                   int64           `json:"id"`
	Name                 string          `json:"name"`
	Status               TaskStatus      `json:"status"`
	Payload              json.RawMessage `json:"payload"`
	PayloadHash          string          `json:"payload_hash"`
	Attempts             int             `json:"attempts"`
	LastError            *string         `json:"last_error,omitempty"`
	ExecutionKey         string          `json:"execution_key"`
	ScheduledAt          time.Time       `json:"scheduled_at"`
	ScheduledWindowStart time.Time       `json:"scheduled_window_start"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            *time.Time      `json:"updated_at,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
}

// DeadLetter is the frozen record of a terminally failed task.
type DeadLetter struct {
	ID           int64           `json:"id"`
	TaskID       int64           `json:"task_id"`
	ExecutionKey string          `json:"execution_key"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	FailedAt     time.Time       `json:"failed_at"`
}
