package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/config"
	"github.com/JakeFAU/wiki-circuit/internal/job"
	"github.com/JakeFAU/wiki-circuit/internal/manager"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
)

const requestTimeout = 60 * time.Second

// JobService is the subset of the job manager the handlers use.
type JobService interface {
	Start(ctx context.Context, id string, opts ...manager.StartOption) (job.Status, error)
	Get(ctx context.Context, id string) (job.Status, error)
	List(ctx context.Context) ([]string, error)
	Stop(ctx context.Context, id string) error
}

// Envelope wraps every response body.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Server wires HTTP handlers to the job manager.
type Server struct {
	router chi.Router
	jobs   JobService
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{jobs: jobs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/", s.listJobs)
		r.Post("/", s.startJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/progress", s.getProgress)
			r.Post("/stop", s.stopJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: map[string]string{"status": "ok"}})
}

type startRequest struct {
	ID       string `json:"id"`
	MaxDepth *int   `json:"maxDepth,omitempty"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var opts []manager.StartOption
	if req.MaxDepth != nil {
		if *req.MaxDepth <= 0 {
			writeError(w, http.StatusBadRequest, "maxDepth must be > 0")
			return
		}
		opts = append(opts, manager.WithMaxDepth(*req.MaxDepth))
	}

	status, err := s.jobs.Start(r.Context(), req.ID, opts...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, Envelope{Status: statusSuccess, Message: "job started", Data: withoutResult(status)})
	case errors.Is(err, manager.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrAlreadyComplete), errors.Is(err, manager.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, Envelope{Status: statusFailed, Message: err.Error(), Data: withoutResult(status)})
	default:
		s.logger.Error("start job failed", zap.String("job_id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: ids})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: status})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	status, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: withoutResult(status)})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := s.jobs.Stop(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Message: "job stopped"})
	case errors.Is(err, manager.ErrNotRunning):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("stop job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (job.Status, bool) {
	id, ok := jobID(w, r)
	if !ok {
		return job.Status{}, false
	}
	status, err := s.jobs.Get(r.Context(), id)
	switch {
	case err == nil:
		return status, true
	case errors.Is(err, manager.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return job.Status{}, false
}

// jobID reads the {id} segment. Article names may carry an escaped slash.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return id, true
}

func withoutResult(s job.Status) job.Status {
	s.Result = nil
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Status: statusFailed, Message: msg})
}
