package client

import "github.com/taskgrid/taskgrid/internal/model"

// Wire types re-exported so code outside this module can construct requests
// and name results without importing internal packages.
type (
	Task                  = model.Task
	Status                = model.Status
	CreateTaskRequest     = model.CreateTaskRequest
	TaskStatusUpdate      = model.TaskStatusUpdate
	AssignTaskRequest     = model.AssignTaskRequest
	Device                = model.Device
	DeviceStatus          = model.DeviceStatus
	Capabilities          = model.Capabilities
	RegisterDeviceRequest = model.RegisterDeviceRequest
	HeartbeatRequest      = model.HeartbeatRequest
	Assignment            = model.Assignment
	AssignmentStatus      = model.AssignmentStatus
)

const (
	StatusPending  = model.StatusPending
	StatusAssigned = model.StatusAssigned
	StatusRunning  = model.StatusRunning
	StatusDone     = model.StatusDone
	StatusFailed   = model.StatusFailed
	StatusZero     = model.StatusZero

	DeviceOnline  = model.DeviceOnline
	DeviceBusy    = model.DeviceBusy
	DeviceOffline = model.DeviceOffline
)
