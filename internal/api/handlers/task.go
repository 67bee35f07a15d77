package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

const maxPullLimit = 10

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	queue      *queue.Queue
	registry   *registry.Registry
	store      store.Store
	dispatcher *dispatch.Dispatcher
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(q *queue.Queue, reg *registry.Registry, s store.Store, d *dispatch.Dispatcher) *TaskHandler {
	return &TaskHandler{queue: q, registry: reg, store: s, dispatcher: d}
}

// Create handles POST /api/distribution/tasks. The body may be a single
// task or an array of tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var reqs []*model.CreateTaskRequest

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		var one model.CreateTaskRequest
		if err := json.Unmarshal(raw, &one); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		reqs = append(reqs, &one)
	}

	tasks, err := h.queue.Create(r.Context(), reqs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// List handles GET /api/distribution/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		TaskType: q.Get("task_type"),
		DeviceID: q.Get("device_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := model.ParseStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid task status")
			return
		}
		f.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}

	tasks, err := h.queue.List(r.Context(), f)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks")
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// TaskDetail is the response for a single task lookup.
type TaskDetail struct {
	Task        *model.Task         `json:"task"`
	Assignments []*model.Assignment `json:"assignments"`
}

// Get handles GET /api/distribution/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task ID")
		return
	}

	t, err := h.queue.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Int64("task_id", taskID).Msg("failed to get task")
		respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	assignments, err := h.store.ListTaskAssignments(r.Context(), taskID)
	if err != nil {
		logger.Error().Err(err).Int64("task_id", taskID).Msg("failed to load assignments")
		respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	respondJSON(w, http.StatusOK, TaskDetail{Task: t, Assignments: assignments})
}

// Assign handles POST /api/distribution/tasks/assign (manual force-dispatch)
func (h *TaskHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req model.AssignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "task_id and device_id are required")
		return
	}

	err := h.dispatcher.ForceDispatch(r.Context(), req.TaskID, req.DeviceID)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, model.ErrDeviceNotFound):
		respondError(w, http.StatusNotFound, "device not found")
		return
	case errors.Is(err, model.ErrCapacityExceeded):
		respondError(w, http.StatusConflict, "device at capacity")
		return
	case errors.Is(err, dispatch.ErrPlacementLost):
		respondError(w, http.StatusConflict, "task is not assignable")
		return
	default:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.WithTask(req.TaskID).Info().Str("device_id", req.DeviceID).Msg("task force-dispatched")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   req.TaskID,
		"device_id": req.DeviceID,
		"status":    "assigned",
	})
}

// UpdateStatus handles PUT /api/distribution/tasks/status, the worker's
// status report. Completion and failure free the device slot.
func (h *TaskHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req model.TaskStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "task_id and device_id are required")
		return
	}

	ctx := r.Context()
	var err error
	switch req.Status {
	case "running":
		if err = h.queue.MarkRunning(ctx, req.TaskID, req.DeviceID); err == nil {
			err = h.store.UpdateAssignmentStatus(ctx, req.TaskID, req.DeviceID, model.AssignmentRunning, "", nil)
		}
	case "completed":
		if err = h.queue.Complete(ctx, req.TaskID, req.DeviceID, req.ResultData); err == nil {
			if aerr := h.store.UpdateAssignmentStatus(ctx, req.TaskID, req.DeviceID, model.AssignmentCompleted, "", req.ResultData); aerr != nil {
				logger.WithTask(req.TaskID).Warn().Err(aerr).Msg("assignment close failed")
			}
			if derr := h.registry.DecCounter(ctx, req.DeviceID); derr != nil {
				logger.WithDevice(req.DeviceID).Warn().Err(derr).Msg("counter decrement failed")
			}
		}
	case "failed":
		if err = h.queue.Fail(ctx, req.TaskID, req.DeviceID, req.ErrorMessage); err == nil {
			if aerr := h.store.UpdateAssignmentStatus(ctx, req.TaskID, req.DeviceID, model.AssignmentFailed, req.ErrorMessage, nil); aerr != nil {
				logger.WithTask(req.TaskID).Warn().Err(aerr).Msg("assignment close failed")
			}
			if derr := h.registry.DecCounter(ctx, req.DeviceID); derr != nil {
				logger.WithDevice(req.DeviceID).Warn().Err(derr).Msg("counter decrement failed")
			}
		}
	default:
		respondError(w, http.StatusBadRequest, "status must be running, completed or failed")
		return
	}

	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "task is not in an updatable state")
			return
		}
		logger.WithTask(req.TaskID).Error().Err(err).Str("status", req.Status).Msg("status update failed")
		respondError(w, http.StatusInternalServerError, "failed to update task status")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pull handles GET /api/distribution/tasks/{deviceID}/pull. Workers poll
// this for their next batch of assigned tasks.
func (h *TaskHandler) Pull(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !model.ValidDeviceID(deviceID) {
		respondError(w, http.StatusBadRequest, "invalid device ID")
		return
	}

	limit := maxPullLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	tasks, err := h.queue.List(r.Context(), store.TaskFilter{
		Status:   model.StatusAssigned,
		DeviceID: deviceID,
		Limit:    limit,
	})
	if err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to pull tasks")
		respondError(w, http.StatusInternalServerError, "failed to pull tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}
