package model

import (
	"time"
)

// DeviceStatus represents a worker's liveness state.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceBusy    DeviceStatus = "busy" // current_tasks == max_concurrent_tasks
	DeviceOffline DeviceStatus = "offline"
)

func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	switch DeviceStatus(s) {
	case DeviceOnline, DeviceBusy, DeviceOffline:
		return DeviceStatus(s), true
	}
	return "", false
}

// Capabilities describes what a device can run and how much of it.
type Capabilities struct {
	SupportedTaskTypes []string          `json:"supported_task_types"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Labels             map[string]string `json:"labels,omitempty"`
}

// Supports reports whether the device accepts the task type. An empty list
// means the device runs anything.
func (c Capabilities) Supports(taskType string) bool {
	if len(c.SupportedTaskTypes) == 0 {
		return true
	}
	for _, t := range c.SupportedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Device represents one worker process known to the registry.
type Device struct {
	DeviceID      string       `json:"device_id"`
	DeviceName    string       `json:"device_name"`
	DeviceType    string       `json:"device_type"` // master, worker or standalone
	Address       string       `json:"address,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent_tasks"`
	CurrentTasks  int          `json:"current_tasks"`
	Status        DeviceStatus `json:"status"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HasCapacity reports whether another task fits on the device.
func (d *Device) HasCapacity() bool {
	return d.CurrentTasks < d.MaxConcurrent
}

// RegisterDeviceRequest is the API request for device registration.
type RegisterDeviceRequest struct {
	DeviceID     string        `json:"device_id,omitempty"`
	DeviceName   string        `json:"device_name"`
	DeviceType   string        `json:"device_type"`
	IPAddress    string        `json:"ip_address,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}
