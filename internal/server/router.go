// Package server exposes the job API over HTTP and backend readiness over
// gRPC health checking.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/app"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

const maxBodyBytes = 1 << 20

// API is the facade the handlers call; *app.App implements it.
type API interface {
	SubmitRun(ctx context.Context, req app.RunRequest) (string, error)
	Job(ctx context.Context, id string) (jobs.Job, error)
	CancelJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, limit int) ([]jobs.Job, error)
	BackendStatus() []supervisor.Status
	StartBackend(ctx context.Context, name string) (supervisor.Status, error)
	StopBackend(ctx context.Context, name string) (supervisor.Status, error)
	ListModels(ctx context.Context, kind string) ([]models.Choice, error)
	SwitchModel(ctx context.Context, kind, key string) (models.Spec, error)
	Health() app.Health
}

type handlers struct {
	api    API
	logger *slog.Logger
}

// NewRouter builds the HTTP routes. metrics may be nil.
func NewRouter(api API, metrics http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{api: api, logger: logger}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))

	r.Get("/healthz", h.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.submitJob)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/cancel", h.cancelJob)

		r.Get("/backends", h.listBackends)
		r.Post("/backends/{name}/start", h.startBackend)
		r.Post("/backends/{name}/stop", h.stopBackend)

		r.Get("/models", h.listModels)
		r.Put("/models/{kind}", h.switchModel)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, common.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: &common.Detail{Code: common.CodeInvalidInput, Message: "method not allowed"}})
	})
	return r
}

// requestID honours an incoming X-Request-ID and otherwise mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), id)))
	})
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http.request",
				"req_id", common.RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return common.NewInvalidInputError("unable to read body", err)
	}
	if len(body) > maxBodyBytes {
		return common.NewInvalidInputError("payload exceeds limit", nil)
	}
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return common.NewInvalidInputError("invalid JSON", err)
	}
	return nil
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.api.Health())
}

type submitResponse struct {
	ID    string             `json:"id"`
	State constants.JobState `json:"state"`
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	var req app.RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.api.SubmitRun(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, State: constants.JobQueued})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, common.NewInvalidInputError("limit must be a non-negative integer", err))
			return
		}
		limit = n
	}
	list, err := h.api.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.api.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	// The cancel waits for acknowledgement, bounded by the request.
	j, err := h.api.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) listBackends(w http.ResponseWriter, _ *http.Request) {
	list := h.api.BackendStatus()
	if list == nil {
		list = []supervisor.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": list})
}

func (h *handlers) startBackend(w http.ResponseWriter, r *http.Request) {
	h.backendAction(w, r, h.api.StartBackend)
}

func (h *handlers) stopBackend(w http.ResponseWriter, r *http.Request) {
	h.backendAction(w, r, h.api.StopBackend)
}

func (h *handlers) backendAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (supervisor.Status, error)) {
	name := chi.URLParam(r, "name")
	st, err := fn(r.Context(), name)
	if err != nil {
		h.logger.Warn("http.backend.action_failed", "backend", name, "error", err)
		var status *supervisor.Status
		if st.Name != "" {
			status = &st
		}
		writeJSON(w, HTTPStatus(err), struct {
			Error   *common.Detail     `json:"error"`
			Backend *supervisor.Status `json:"backend,omitempty"`
		}{common.DetailOf(err), status})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = constants.BackendLLM
	}
	choices, err := h.api.ListModels(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if choices == nil {
		choices = []models.Choice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "models": choices})
}

type switchRequest struct {
	Key string `json:"key"`
}

func (h *handlers) switchModel(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Key == "" {
		writeError(w, common.NewInvalidInputError("key is required", nil))
		return
	}
	spec, err := h.api.SwitchModel(r.Context(), chi.URLParam(r, "kind"), req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}
