package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// AdminHandler handles management and stats HTTP requests
type AdminHandler struct {
	queue      *queue.Queue
	registry   *registry.Registry
	store      store.Store
	rebalancer *dispatch.Rebalancer
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(q *queue.Queue, reg *registry.Registry, s store.Store, rb *dispatch.Rebalancer) *AdminHandler {
	return &AdminHandler{queue: q, registry: reg, store: s, rebalancer: rb}
}

// HealthCheck handles GET /health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatsOverview handles GET /api/distribution/stats/overview
func (h *AdminHandler) StatsOverview(w http.ResponseWriter, r *http.Request) {
	taskCounts, err := h.queue.Stats(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to count tasks")
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	deviceCounts, err := h.registry.CountByStatus(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to count devices")
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	openAssignments, err := h.store.OpenAssignmentCounts(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to count assignments")
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":            taskCounts,
		"devices":          deviceCounts,
		"open_assignments": openAssignments,
	})
}

// Rebalance handles POST /api/distribution/management/rebalance
func (h *AdminHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	moved, err := h.rebalancer.Rebalance(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("rebalance failed")
		respondError(w, http.StatusInternalServerError, "rebalance failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

// CleanupRequest is the body for POST /management/cleanup.
type CleanupRequest struct {
	Days int `json:"days"`
}

// Cleanup handles POST /api/distribution/management/cleanup. Heartbeats
// older than N days go; closed assignments are kept four times as long.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Days <= 0 {
		respondError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	now := time.Now().UTC()
	heartbeats, err := h.store.DeleteHeartbeatsBefore(r.Context(), now.AddDate(0, 0, -req.Days))
	if err != nil {
		logger.Error().Err(err).Msg("heartbeat cleanup failed")
		respondError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	assignments, err := h.store.DeleteClosedAssignmentsBefore(r.Context(), now.AddDate(0, 0, -4*req.Days))
	if err != nil {
		logger.Error().Err(err).Msg("assignment cleanup failed")
		respondError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	logger.Info().
		Int64("heartbeats_deleted", heartbeats).
		Int64("assignments_deleted", assignments).
		Int("days", req.Days).
		Msg("cleanup complete")
	respondJSON(w, http.StatusOK, map[string]int64{
		"heartbeats_deleted":  heartbeats,
		"assignments_deleted": assignments,
	})
}

// ResetFailed handles POST /api/distribution/management/reset-failed
func (h *AdminHandler) ResetFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ResetFailed(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("reset failed tasks failed")
		respondError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// Zero handles POST /api/distribution/management/zero
func (h *AdminHandler) Zero(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ZeroPending(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("zero pending tasks failed")
		respondError(w, http.StatusInternalServerError, "zero failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"zeroed": n})
}
