// Package metrics is the process-local collector for the worker pipeline.
// It is an injected collaborator, not a global: each process builds its own
// and aggregation across processes is done by scraping.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes counters, timers and gauges for the task pipeline. The
// prometheus registry backs the /metrics endpoint; atomic mirrors back the
// JSON /stats snapshot and the derived success rate.
type Metrics struct {
	registry *prometheus.Registry

	tasksSuccess prometheus.Counter
	tasksFailure prometheus.Counter
	tasksSkipped prometheus.Counter
	attempts     prometheus.Counter
	taskDuration prometheus.Histogram
	dlqSize      prometheus.Gauge

	successCount atomic.Int64
	failureCount atomic.Int64
	skippedCount atomic.Int64
	attemptCount atomic.Int64
	dlqCount     atomic.Int64
}

// New builds a collector with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_success_total",
			Help: "Tasks that finished successfully",
		}),
		tasksFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_failure_total",
			Help: "Task executions that failed (including decode drops)",
		}),
		tasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_skipped_total",
			Help: "Duplicate deliveries collapsed by the inbox check",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_attempts_total",
			Help: "Started task executions",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Handler duration per successful run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_size",
			Help: "Dead-letter rows currently stored",
		}),
	}
	m.registry.MustRegister(
		m.tasksSuccess, m.tasksFailure, m.tasksSkipped,
		m.attempts, m.taskDuration, m.dlqSize,
	)
	return m
}

// TaskSucceeded records one successful run and its duration.
func (m *Metrics) TaskSucceeded(d time.Duration) {
	m.tasksSuccess.Inc()
	m.successCount.Add(1)
	m.taskDuration.Observe(d.Seconds())
}

// TaskFailed records one failed execution.
func (m *Metrics) TaskFailed() {
	m.tasksFailure.Inc()
	m.failureCount.Add(1)
}

// TaskSkipped records one duplicate delivery absorbed by the inbox.
func (m *Metrics) TaskSkipped() {
	m.tasksSkipped.Inc()
	m.skippedCount.Add(1)
}

// AttemptStarted records one started execution.
func (m *Metrics) AttemptStarted() {
	m.attempts.Inc()
	m.attemptCount.Add(1)
}

// SetDLQSize updates the dead-letter gauge.
func (m *Metrics) SetDLQSize(n int64) {
	m.dlqSize.Set(float64(n))
	m.dlqCount.Store(n)
}

// SuccessRate is tasks_success / (tasks_success + tasks_failure); zero when
// nothing has finished yet.
func (m *Metrics) SuccessRate() float64 {
	success := m.successCount.Load()
	total := success + m.failureCount.Load()
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

// Snapshot is a point-in-time view for the /stats endpoint.
type Snapshot struct {
	TasksSuccess int64   `json:"tasks_success"`
	TasksFailure int64   `json:"tasks_failure"`
	TasksSkipped int64   `json:"tasks_skipped"`
	Attempts     int64   `json:"attempts"`
	DLQSize      int64   `json:"dlq_size"`
	SuccessRate  float64 `json:"success_rate"`
}

func (m *Metrics) Stats() Snapshot {
	return Snapshot{
		TasksSuccess: m.successCount.Load(),
		TasksFailure: m.failureCount.Load(),
		TasksSkipped: m.skippedCount.Load(),
		Attempts:     m.attemptCount.Load(),
		DLQSize:      m.dlqCount.Load(),
		SuccessRate:  m.SuccessRate(),
	}
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
