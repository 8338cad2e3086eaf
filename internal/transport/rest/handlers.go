package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/trx-labs/taskrunnerx/internal/domain"
	"github.com/trx-labs/taskrunnerx/internal/service"
	"github.com/trx-labs/taskrunnerx/internal/transport/rest/response"
)

// Submitter is the slice of the task service the HTTP layer needs.
type Submitter interface {
	Submit(ctx context.Context, name string, payload map[string]any, scheduledAt *time.Time) (service.SubmitResult, error)
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]domain.Task, error)
}

type Handler struct {
	svc      Submitter
	validate *validator.Validate
}

func NewHandler(svc Submitter) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

type submitRequest struct {
	Name        string         `json:"name" validate:"required,min=1,max=128"`
	Payload     map[string]any `json:"payload"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Fail(w, http.StatusBadRequest, "request.invalid", "validation failed", validationMeta(err))
		return
	}

	result, err := h.svc.Submit(r.Context(), req.Name, req.Payload, req.ScheduledAt)
	if err != nil {
		handleErr(w, err)
		return
	}

	response.Data(w, http.StatusCreated, result)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		response.Fail(w, http.StatusBadRequest, "request.invalid", "invalid task id", nil)
		return
	}

	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	response.Data(w, http.StatusOK, task)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	tasks, err := h.svc.ListTasks(r.Context(), limit, offset)
	if err != nil {
		handleErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	response.Data(w, http.StatusOK, tasks)
}

func handleErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		response.Fail(w, http.StatusNotFound, "task.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidPayload):
		response.Fail(w, http.StatusBadRequest, "task.invalid_payload", err.Error(), nil)
	default:
		response.Fail(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

// validationMeta maps each violated field to its failed rule, e.g.
// {"name": "max=128"}.
func validationMeta(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	meta := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if p := fe.Param(); p != "" {
			rule += "=" + p
		}
		meta[strings.ToLower(fe.Field())] = rule
	}
	return meta
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return def
	}
	return i
}
