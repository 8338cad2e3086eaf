package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndSnapshot(t *testing.T) {
	m := New()

	m.AttemptStarted()
	m.AttemptStarted()
	m.TaskSucceeded(120 * time.Millisecond)
	m.TaskFailed()
	m.TaskSkipped()
	m.SetDLQSize(3)

	snap := m.Stats()
	assert.Equal(t, int64(1), snap.TasksSuccess)
	assert.Equal(t, int64(1), snap.TasksFailure)
	assert.Equal(t, int64(1), snap.TasksSkipped)
	assert.Equal(t, int64(2), snap.Attempts)
	assert.Equal(t, int64(3), snap.DLQSize)
	assert.InDelta(t, 0.5, snap.SuccessRate, 1e-9)
}

func TestSuccessRateZeroWhenIdle(t *testing.T) {
	m := New()
	assert.Zero(t, m.SuccessRate())
}

func TestSuccessRateAllSuccess(t *testing.T) {
	m := New()
	m.TaskSucceeded(time.Millisecond)
	m.TaskSucceeded(time.Millisecond)
	assert.InDelta(t, 1.0, m.SuccessRate(), 1e-9)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.TaskSucceeded(10 * time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tasks_success_total 1")
	assert.Contains(t, body, "task_duration_seconds")
	assert.Contains(t, body, "dlq_size")
}

func TestDLQGaugeOverwrites(t *testing.T) {
	m := New()
	m.SetDLQSize(5)
	m.SetDLQSize(2)
	assert.Equal(t, int64(2), m.Stats().DLQSize)
}
