package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskgrid/taskgrid/internal/heartbeat"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	registry  *registry.Registry
	collector *heartbeat.Collector
	store     store.Store
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(reg *registry.Registry, c *heartbeat.Collector, s store.Store) *DeviceHandler {
	return &DeviceHandler{registry: reg, collector: c, store: s}
}

// Register handles POST /api/distribution/devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceName == "" {
		respondError(w, http.StatusBadRequest, "device_name is required")
		return
	}

	d, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		logger.Error().Err(err).Str("device_name", req.DeviceName).Msg("failed to register device")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// List handles GET /api/distribution/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	var status model.DeviceStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := model.ParseDeviceStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid device status")
			return
		}
		status = parsed
	}

	devices, err := h.registry.List(r.Context(), status)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list devices")
		respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// DeviceDetail is the response for a single device lookup.
type DeviceDetail struct {
	Device          *model.Device       `json:"device"`
	LatestHeartbeat *model.Heartbeat    `json:"latest_heartbeat,omitempty"`
	OpenTasks       []*model.Task       `json:"open_tasks"`
	OpenAssignments []*model.Assignment `json:"open_assignments"`
}

// Get handles GET /api/distribution/devices/{deviceID}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	d, err := h.registry.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			respondError(w, http.StatusNotFound, "device not found")
			return
		}
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to get device")
		respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	hb, err := h.store.LatestHeartbeat(r.Context(), deviceID)
	if err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to load heartbeat")
		respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	tasks, err := h.store.ListDeviceTasks(r.Context(), deviceID)
	if err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to load device tasks")
		respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	assignments, err := h.store.ListOpenDeviceAssignments(r.Context(), deviceID)
	if err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to load assignments")
		respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	respondJSON(w, http.StatusOK, DeviceDetail{
		Device:          d,
		LatestHeartbeat: hb,
		OpenTasks:       tasks,
		OpenAssignments: assignments,
	})
}

// Heartbeat handles POST /api/distribution/devices/{deviceID}/heartbeat
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		respondError(w, http.StatusBadRequest, "device_id mismatch")
		return
	}

	if err := h.collector.Ingest(r.Context(), &req, deviceID); err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			respondError(w, http.StatusNotFound, "device not registered")
			return
		}
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to ingest heartbeat")
		respondError(w, http.StatusInternalServerError, "failed to ingest heartbeat")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetStatus handles PUT /api/distribution/devices/{deviceID}/status
func (h *DeviceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var raw string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, ok := model.ParseDeviceStatus(raw)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid device status")
		return
	}

	if err := h.registry.SetStatus(r.Context(), deviceID, status); err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			respondError(w, http.StatusNotFound, "device not found")
			return
		}
		logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to set device status")
		respondError(w, http.StatusInternalServerError, "failed to set device status")
		return
	}

	logger.WithDevice(deviceID).Info().Str("status", string(status)).Msg("device status forced")
	respondJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": string(status)})
}
