package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trx-labs/taskrunnerx/internal/domain"
	"github.com/trx-labs/taskrunnerx/internal/metrics"
	"github.com/trx-labs/taskrunnerx/internal/service"
)

type fakeService struct {
	submit    service.SubmitResult
	submitErr error

	lastName      string
	lastPayload   map[string]any
	lastScheduled *time.Time

	task    *domain.Task
	taskErr error

	tasks []domain.Task
}

func (f *fakeService) Submit(ctx context.Context, name string, payload map[string]any, scheduledAt *time.Time) (service.SubmitResult, error) {
	f.lastName = name
	f.lastPayload = payload
	f.lastScheduled = scheduledAt
	return f.submit, f.submitErr
}

func (f *fakeService) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	return f.task, f.taskErr
}

func (f *fakeService) ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error) {
	return f.tasks, nil
}

func newTestServer(svc *fakeService) http.Handler {
	return NewRouter(NewHandler(svc), Deps{Metrics: metrics.New()})
}

func TestSubmitTaskCreated(t *testing.T) {
	svc := &fakeService{submit: service.SubmitResult{TaskID: 42, StreamID: "1-0"}}
	srv := newTestServer(svc)

	body := `{"name":"send_email","payload":{"to":"a@b.c"}}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "send_email", svc.lastName)
	assert.Equal(t, map[string]any{"to": "a@b.c"}, svc.lastPayload)
	assert.Nil(t, svc.lastScheduled)

	var resp struct {
		Data service.SubmitResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.Data.TaskID)
	assert.Equal(t, "1-0", resp.Data.StreamID)
	assert.False(t, resp.Data.Deduped)
}

func TestSubmitTaskWithSchedule(t *testing.T) {
	svc := &fakeService{submit: service.SubmitResult{TaskID: 1}}
	srv := newTestServer(svc)

	body := `{"name":"echo","scheduled_at":"2026-03-01T12:00:00Z"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.lastScheduled)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), svc.lastScheduled.UTC())
}

func TestSubmitTaskValidation(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)

	cases := []string{
		`{}`,
		`{"name":""}`,
		`{"name":"` + strings.Repeat("x", 129) + `"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestSubmitTaskValidationReportsField(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)

	body := `{"name":"` + strings.Repeat("x", 129) + `"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Meta map[string]string `json:"meta"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "max=128", resp.Error.Meta["name"])

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "required", resp.Error.Meta["name"])
}

func TestGetTaskNotFound(t *testing.T) {
	svc := &fakeService{taskErr: domain.ErrTaskNotFound}
	srv := newTestServer(svc)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskBadID(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskOK(t *testing.T) {
	svc := &fakeService{task: &domain.Task{ID: 7, Name: "echo", Status: domain.StatusDone}}
	srv := newTestServer(svc)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data domain.Task `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.Data.ID)
	assert.Equal(t, domain.StatusDone, resp.Data.Status)
}

func TestListTasksEmptyArray(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeService{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "success_rate")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeService{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthWithoutPingers(t *testing.T) {
	srv := newTestServer(&fakeService{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
