package model

import (
	"time"
)

// AssignmentStatus is the state of one (task, device, attempt) record.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentTimeout   AssignmentStatus = "timeout"
)

// IsOpen returns true while the attempt occupies a device slot.
func (s AssignmentStatus) IsOpen() bool {
	return s == AssignmentAssigned || s == AssignmentRunning
}

// Assignment is the append-only ledger row tying a task to a device.
// (task_id, device_id) is unique; a re-dispatch to the same device reuses
// the row.
type Assignment struct {
	ID           int64                  `json:"id"`
	TaskID       int64                  `json:"task_id"`
	DeviceID     string                 `json:"device_id"`
	Status       AssignmentStatus       `json:"status"`
	AssignedAt   time.Time              `json:"assigned_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
}
