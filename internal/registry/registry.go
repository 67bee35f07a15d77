package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Registry maintains the set of known worker devices, their capacity, load
// and liveness. All state lives in the store; the registry adds validation
// and the capacity/status discipline on top.
type Registry struct {
	store           store.Store
	heartbeatWindow time.Duration
	defaultCapacity int
}

// New creates a device registry. heartbeatWindow bounds how stale a
// heartbeat may be for a device to count as available.
func New(s store.Store, heartbeatWindow time.Duration, defaultCapacity int) *Registry {
	if heartbeatWindow <= 0 {
		heartbeatWindow = 120 * time.Second
	}
	if defaultCapacity <= 0 {
		defaultCapacity = 5
	}
	return &Registry{
		store:           s,
		heartbeatWindow: heartbeatWindow,
		defaultCapacity: defaultCapacity,
	}
}

// Register upserts a device and marks it online. Idempotent; re-registration
// refreshes capabilities and capacity but keeps the task counter.
func (r *Registry) Register(ctx context.Context, req *model.RegisterDeviceRequest) (*model.Device, error) {
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = model.GenerateDeviceID(req.DeviceType, req.DeviceName)
	}
	if !model.ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("invalid device id %q", deviceID)
	}

	caps := model.Capabilities{}
	if req.Capabilities != nil {
		caps = *req.Capabilities
	}
	maxConcurrent := caps.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = r.defaultCapacity
		caps.MaxConcurrentTasks = maxConcurrent
	}

	now := time.Now().UTC()
	d := &model.Device{
		DeviceID:      deviceID,
		DeviceName:    req.DeviceName,
		DeviceType:    req.DeviceType,
		Address:       req.IPAddress,
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
		Status:        model.DeviceOnline,
		LastHeartbeat: &now,
	}
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("register device %s: %w", deviceID, err)
	}

	metrics.DevicesRegistered.Inc()
	logger.WithDevice(deviceID).Info().
		Str("device_type", d.DeviceType).
		Int("max_concurrent_tasks", d.MaxConcurrent).
		Msg("device registered")

	return r.store.GetDevice(ctx, deviceID)
}

// UpdateHeartbeat refreshes a device's liveness. runningTasks < 0 leaves the
// counter untouched. An offline device flips back online.
func (r *Registry) UpdateHeartbeat(ctx context.Context, deviceID string, runningTasks int) error {
	return r.store.UpdateDeviceHeartbeat(ctx, deviceID, runningTasks)
}

// IncCounter bumps the device's running-task counter, refusing past
// capacity. The online->busy transition happens in the same store write.
func (r *Registry) IncCounter(ctx context.Context, deviceID string) error {
	ok, err := r.store.IncDeviceTasks(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrCapacityExceeded
	}
	return nil
}

// DecCounter decrements the counter, clamped at zero.
func (r *Registry) DecCounter(ctx context.Context, deviceID string) error {
	return r.store.DecDeviceTasks(ctx, deviceID)
}

// ResetCounter zeroes the counter (offline sweep).
func (r *Registry) ResetCounter(ctx context.Context, deviceID string) error {
	return r.store.ResetDeviceTasks(ctx, deviceID)
}

// SetStatus forces a device status (admin path).
func (r *Registry) SetStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error {
	return r.store.SetDeviceStatus(ctx, deviceID, status)
}

// Get returns one device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

// List returns devices, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	return r.store.ListDevices(ctx, status)
}

// ListAvailable returns devices eligible for new work: online or busy with
// spare capacity and a recent heartbeat, least-loaded first. Empty is a
// normal outcome.
func (r *Registry) ListAvailable(ctx context.Context) ([]*model.Device, error) {
	return r.store.ListAvailableDevices(ctx, r.heartbeatWindow)
}

// ListTimedOut returns devices still recorded online whose heartbeat is
// older than threshold.
func (r *Registry) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*model.Device, error) {
	return r.store.ListTimedOutDevices(ctx, threshold)
}

// CountByStatus tallies devices per status for the stats overview.
func (r *Registry) CountByStatus(ctx context.Context) (map[model.DeviceStatus]int, error) {
	devices, err := r.store.ListDevices(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[model.DeviceStatus]int)
	for _, d := range devices {
		out[d.Status]++
	}
	return out, nil
}
