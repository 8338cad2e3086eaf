package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrOutboxMissing means a dispatch was requested for a task that has no
	// outbox row. Fatal for that call; the caller reports it.
	ErrOutboxMissing = errors.New("outbox entry missing")

	// ErrInvalidPayload means the submitted payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// UnknownTaskError is an execution failure for task names with no registered
// handler. Subject to the normal retry policy.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task name: %s", e.Name)
}
