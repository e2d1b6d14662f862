package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

// JobService is the job surface the API exposes
type JobService interface {
	Submit(ctx context.Context, jc models.JobConfig) (string, error)
	Status(ctx context.Context, pid string) (models.JobSnapshot, error)
	Stop(ctx context.Context, pid, reason string) (bool, error)
	Running() []string
}

// JobHandler handles job-related API requests
type JobHandler struct {
	jobs   JobService
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger}
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// CreateJobHandler queues a job
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var jc models.JobConfig
	if err := DecodeJSON(r, &jc); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	pid, err := h.jobs.Submit(r.Context(), jc)
	if err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, models.ErrJobExists) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("category", jc.Category).Str("system", jc.System).Msg("Failed to queue job")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"pid":    pid,
		"status": string(models.TaskStatusQueued),
	})
}

// GetJobHandler returns a job snapshot
// GET /api/jobs/{pid}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	pid := PathParam(r.URL.Path, "/api/jobs/")
	if pid == "" {
		WriteError(w, http.StatusBadRequest, "Job pid is required")
		return
	}

	snap, err := h.jobs.Status(r.Context(), pid)
	if err != nil {
		h.writeLookupError(w, pid, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// StopJobHandler requests a cooperative stop
// POST /api/jobs/{pid}/stop
func (h *JobHandler) StopJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	pid := PathParam(r.URL.Path, "/api/jobs/")
	if pid == "" {
		WriteError(w, http.StatusBadRequest, "Job pid is required")
		return
	}

	var req stopRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "requested via API"
	}

	stopped, err := h.jobs.Stop(r.Context(), pid, req.Reason)
	if err != nil {
		h.writeLookupError(w, pid, err)
		return
	}
	h.logger.Info().Str("pid", pid).Bool("acknowledged", stopped).Msg("Stop requested via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pid":     pid,
		"stopped": stopped,
	})
}

// HealthHandler reports liveness
// GET /api/health
func (h *JobHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"running": h.jobs.Running(),
	})
}

func (h *JobHandler) writeLookupError(w http.ResponseWriter, pid string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	h.logger.Error().Err(err).Str("pid", pid).Msg("Job lookup failed")
	WriteError(w, http.StatusInternalServerError, err.Error())
}
