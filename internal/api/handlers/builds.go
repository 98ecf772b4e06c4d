package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/orchestrator"
	"github.com/forgelabs/build-plane/internal/store"
)

// Runner is the slice of the orchestrator the API depends on.
type Runner interface {
	Start(buildID string) error
	Cancel(ctx context.Context, buildID string) (*models.BuildRecord, error)
}

// BuildHandler handles build lifecycle HTTP requests.
type BuildHandler struct {
	store         store.Store
	runner        Runner
	maxIterations int
	logger        *slog.Logger
}

// NewBuildHandler creates a new build handler. defaultMaxIterations is
// applied to start requests that omit the field.
func NewBuildHandler(st store.Store, runner Runner, defaultMaxIterations int, logger *slog.Logger) *BuildHandler {
	if defaultMaxIterations < 1 {
		defaultMaxIterations = 3
	}
	return &BuildHandler{
		store:         st,
		runner:        runner,
		maxIterations: defaultMaxIterations,
		logger:        logger,
	}
}

// startBuildRequest is the body of POST /v1/builds.
type startBuildRequest struct {
	Task          string `json:"task"`
	Mode          string `json:"mode,omitempty"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
}

// Create handles POST /v1/builds - accepts a build request and starts
// its execution asynchronously.
func (h *BuildHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Task == "" {
		WriteBadRequest(w, "Task description is required")
		return
	}

	mode := models.BuildModeNewProject
	if req.Mode != "" {
		mode = models.BuildMode(req.Mode)
		if mode != models.BuildModeNewProject && mode != models.BuildModeExistingProject {
			WriteBadRequest(w, "Mode must be new_project or existing_project")
			return
		}
	}

	maxIterations := h.maxIterations
	if req.MaxIterations != nil {
		if *req.MaxIterations < 1 {
			WriteBadRequest(w, "max_iterations must be at least 1")
			return
		}
		maxIterations = *req.MaxIterations
	}

	record := &models.BuildRecord{
		BuildID:       uuid.New().String(),
		Task:          req.Task,
		Mode:          mode,
		Status:        models.BuildStatusInitiated,
		MaxIterations: maxIterations,
	}

	if err := h.store.Builds().Create(r.Context(), record); err != nil {
		h.logger.Error("failed to create build record", "error", err)
		WriteInternalError(w, "Failed to create build")
		return
	}

	if err := h.runner.Start(record.BuildID); err != nil {
		h.logger.Error("failed to start build execution", "error", err, "build_id", record.BuildID)
		WriteInternalError(w, "Failed to start build")
		return
	}

	h.logger.Info("build started", "build_id", record.BuildID, "mode", mode, "max_iterations", maxIterations)
	WriteJSON(w, http.StatusAccepted, record)
}

// Get handles GET /v1/builds/{buildID} - retrieves the full build record.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	if buildID == "" {
		WriteBadRequest(w, "Build ID is required")
		return
	}

	record, err := h.store.Builds().Get(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Build not found")
			return
		}
		h.logger.Error("failed to get build", "error", err, "build_id", buildID)
		WriteInternalError(w, "Failed to get build")
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// List handles GET /v1/builds - lists builds, optionally filtered by
// status via ?status=, newest first.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	var statusFilter models.BuildStatus
	if s := r.URL.Query().Get("status"); s != "" {
		statusFilter = models.BuildStatus(s)
		if !statusFilter.Valid() {
			WriteBadRequest(w, "Unknown status filter")
			return
		}
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.store.Builds().List(r.Context(), statusFilter, limit)
	if err != nil {
		h.logger.Error("failed to list builds", "error", err)
		WriteInternalError(w, "Failed to list builds")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"builds": records,
		"count":  len(records),
	})
}

// Logs handles GET /v1/builds/{buildID}/logs - returns the retained
// log lines for a build in append order, with their count as
// log_size. A build whose execution has not logged anything yet gets
// a 404, same as an unknown build.
func (h *BuildHandler) Logs(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	if buildID == "" {
		WriteBadRequest(w, "Build ID is required")
		return
	}

	// 404 for unknown builds rather than an empty log list.
	if _, err := h.store.Builds().Get(r.Context(), buildID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Build not found")
			return
		}
		h.logger.Error("failed to get build for logs", "error", err, "build_id", buildID)
		WriteInternalError(w, "Failed to get build logs")
		return
	}

	entries, err := h.store.Logs().List(r.Context(), buildID, 0)
	if err != nil {
		h.logger.Error("failed to list build logs", "error", err, "build_id", buildID)
		WriteInternalError(w, "Failed to get build logs")
		return
	}
	if len(entries) == 0 {
		WriteNotFound(w, "No logs produced for build yet")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"build_id": buildID,
		"logs":     entries,
		"log_size": len(entries),
	})
}

// Cancel handles POST /v1/builds/{buildID}/cancel - stops a running
// build. Terminal builds cannot be cancelled.
func (h *BuildHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	if buildID == "" {
		WriteBadRequest(w, "Build ID is required")
		return
	}

	record, err := h.runner.Cancel(r.Context(), buildID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "Build not found")
		case errors.Is(err, orchestrator.ErrInvalidState):
			WriteInvalidState(w, "Build is already in a terminal state")
		default:
			h.logger.Error("failed to cancel build", "error", err, "build_id", buildID)
			WriteInternalError(w, "Failed to cancel build")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"build_id": record.BuildID,
		"status":   record.Status,
	})
}
