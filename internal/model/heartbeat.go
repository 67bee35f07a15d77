package model

import (
	"time"
)

// Heartbeat is one liveness/metric sample reported by a device. Samples are
// append-only per device and retained for a bounded window.
type Heartbeat struct {
	ID            int64     `json:"id"`
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	CPUUsage      float64   `json:"cpu_usage,omitempty"`
	MemoryUsage   float64   `json:"memory_usage,omitempty"`
	DiskUsage     float64   `json:"disk_usage,omitempty"`
	NetworkStatus string    `json:"network_status"`
	RunningTasks  int       `json:"running_tasks"`
	SystemLoad    float64   `json:"system_load,omitempty"`
	ErrorCount    int       `json:"error_count"`
	StatusInfo    string    `json:"status_info,omitempty"`
}

// HeartbeatRequest is the API request body for POST /devices/{id}/heartbeat.
type HeartbeatRequest struct {
	DeviceID      string  `json:"device_id"`
	CPUUsage      float64 `json:"cpu_usage,omitempty"`
	MemoryUsage   float64 `json:"memory_usage,omitempty"`
	DiskUsage     float64 `json:"disk_usage,omitempty"`
	NetworkStatus string  `json:"network_status"`
	RunningTasks  int     `json:"running_tasks"`
	SystemLoad    float64 `json:"system_load,omitempty"`
	ErrorCount    int     `json:"error_count"`
	StatusInfo    string  `json:"status_info,omitempty"`
}

// Sample converts the request into a stored heartbeat row.
func (r *HeartbeatRequest) Sample(deviceID string) *Heartbeat {
	return &Heartbeat{
		DeviceID:      deviceID,
		Timestamp:     time.Now().UTC(),
		CPUUsage:      r.CPUUsage,
		MemoryUsage:   r.MemoryUsage,
		DiskUsage:     r.DiskUsage,
		NetworkStatus: r.NetworkStatus,
		RunningTasks:  r.RunningTasks,
		SystemLoad:    r.SystemLoad,
		ErrorCount:    r.ErrorCount,
		StatusInfo:    r.StatusInfo,
	}
}

// Weight derives the weighted-placement score from the latest sample:
// max(1, 100 - (cpu% + mem%)/2). Devices without a sample default to 50.
func (h *Heartbeat) Weight() int {
	if h == nil {
		return 50
	}
	w := 100 - int((h.CPUUsage+h.MemoryUsage)/2)
	if w < 1 {
		return 1
	}
	return w
}
