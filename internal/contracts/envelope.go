// Package contracts defines the wire envelopes exchanged over the broker
// streams. Fields are flat string maps because Redis stream entries are
// field-value pairs.
package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskMessage is the envelope published to the primary stream for each
// dispatch of a task.
type TaskMessage struct {
	TaskID       int64
	Name         string
	Payload      json.RawMessage
	ExecutionKey string
	ScheduledAt  time.Time
	Attempt      int // 1-based publication attempt
}

// Values renders the envelope as broker entry fields.
func (m TaskMessage) Values() map[string]any {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return map[string]any{
		"task_id":       strconv.FormatInt(m.TaskID, 10),
		"name":          m.Name,
		"payload":       string(payload),
		"execution_key": m.ExecutionKey,
		"scheduled_at":  m.ScheduledAt.UTC().Format(time.RFC3339Nano),
		"attempt":       strconv.Itoa(m.Attempt),
	}
}

// DecodeTaskMessage parses broker entry fields back into a TaskMessage.
// task_id, name and execution_key are required; a malformed or missing
// payload decodes as {} and the remaining fields are parsed leniently, so a
// decode error means the message itself is unusable and must be dropped.
func DecodeTaskMessage(values map[string]any) (TaskMessage, error) {
	var m TaskMessage

	rawID := stringField(values, "task_id")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return m, fmt.Errorf("decode task_id %q: %w", rawID, err)
	}
	m.TaskID = id

	m.Name = stringField(values, "name")
	if m.Name == "" {
		return m, fmt.Errorf("decode: missing name")
	}
	m.ExecutionKey = stringField(values, "execution_key")
	if m.ExecutionKey == "" {
		return m, fmt.Errorf("decode: missing execution_key")
	}

	payload := stringField(values, "payload")
	if payload == "" || !json.Valid([]byte(payload)) {
		payload = "{}"
	}
	m.Payload = json.RawMessage(payload)

	if ts := stringField(values, "scheduled_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.ScheduledAt = parsed.UTC()
		}
	}

	m.Attempt = 1
	if a := stringField(values, "attempt"); a != "" {
		if parsed, err := strconv.Atoi(a); err == nil && parsed > 0 {
			m.Attempt = parsed
		}
	}

	return m, nil
}

// DeadLetterMessage is the envelope published to the DLQ stream when a task
// exhausts its attempts.
type DeadLetterMessage struct {
	TaskID       int64
	ExecutionKey string
	Name         string
	Payload      json.RawMessage
	Error        string
	FailedAt     time.Time
}

func (m DeadLetterMessage) Values() map[string]any {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return map[string]any{
		"task_id":       strconv.FormatInt(m.TaskID, 10),
		"execution_key": m.ExecutionKey,
		"name":          m.Name,
		"payload":       string(payload),
		"error":         m.Error,
		"failed_at":     m.FailedAt.UTC().Format(time.RFC3339Nano),
	}
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}
