package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/trx-labs/taskrunnerx/internal/metrics"
	"github.com/trx-labs/taskrunnerx/internal/transport/rest/response"
)

// Pinger reports backend liveness for the health endpoint.
type Pinger func(ctx context.Context) error

// Deps collects everything the router serves besides the task handlers.
type Deps struct {
	Metrics *metrics.Metrics
	DBPing  Pinger
	RedPing Pinger
}

// NewRouter builds the HTTP surface: task submission and lookup, health,
// prometheus metrics and the JSON stats snapshot.
func NewRouter(h *Handler, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(deps))
	r.Handle("/metrics", deps.Metrics.Handler())
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		response.Data(w, http.StatusOK, deps.Metrics.Stats())
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(httprate.LimitByIP(100, time.Minute))
		api.Post("/tasks", h.SubmitTask)
		api.Get("/tasks", h.ListTasks)
		api.Get("/tasks/{taskID}", h.GetTask)
	})

	return r
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"postgres": "ok", "redis": "ok"}
		healthy := true
		if deps.DBPing != nil {
			if err := deps.DBPing(ctx); err != nil {
				status["postgres"] = err.Error()
				healthy = false
			}
		}
		if deps.RedPing != nil {
			if err := deps.RedPing(ctx); err != nil {
				status["redis"] = err.Error()
				healthy = false
			}
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		response.Data(w, code, status)
	}
}
