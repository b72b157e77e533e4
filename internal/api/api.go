// Package api exposes job submission and status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/submit"
)

type Jobs interface {
	Submit(ctx context.Context, req submit.Request) (string, error)
	Status(ctx context.Context, id string) (domain.Job, error)
	Ping(ctx context.Context) error
}

type API struct {
	jobs   Jobs
	logger *zap.Logger
}

func NewAPI(jobs Jobs, logger *zap.Logger) *API {
	return &API{jobs: jobs, logger: logger}
}

func (a *API) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(logging.Requests(a.logger))
	rtr.Use(middleware.Recoverer)

	rtr.Post("/submit-job", a.SubmitJob)
	rtr.Get("/jobs/status/{id}", a.JobStatus)
	rtr.Post("/v1/jobs", a.SubmitJob)
	rtr.Get("/v1/jobs/{id}", a.JobStatus)

	rtr.Get("/healthz", a.Health)
	rtr.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return rtr
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (a *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submit.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "wrong type", Field: typeErr.Field})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	id, err := a.jobs.Submit(r.Context(), req)
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Reason, Field: ve.Field})
	case err != nil:
		a.logger.Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to submit job"})
	default:
		writeJSON(w, http.StatusCreated, submitResponse{JobID: id, Status: "enqueued"})
	}
}

func (a *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case err != nil:
		a.logger.Error("status lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load job"})
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.jobs.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
