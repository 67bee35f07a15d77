package model

import (
	"encoding/json"
	"time"
)

// Task represents one unit of work placed on the grid.
type Task struct {
	ID               int64                  `json:"id"`
	TaskType         string                 `json:"task_type"`
	Payload          map[string]interface{} `json:"payload"`
	Priority         int                    `json:"priority"`
	Status           Status                 `json:"status"`
	Retry            int                    `json:"retry"`
	MaxRetryCount    int                    `json:"max_retry_count"`
	ExecutionTimeout int                    `json:"execution_timeout"` // seconds, 0 = controller default
	NextRunAt        time.Time              `json:"next_run_at"`
	AssignedDeviceID string                 `json:"assigned_device_id,omitempty"`
	AssignedAt       *time.Time             `json:"assigned_at,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// CreateTaskRequest is the API request for enqueueing a task.
type CreateTaskRequest struct {
	TaskType         string                 `json:"task_type"`
	Payload          map[string]interface{} `json:"payload"`
	Priority         int                    `json:"priority,omitempty"`
	ExecutionTimeout int                    `json:"execution_timeout,omitempty"`
	MaxRetryCount    int                    `json:"max_retry_count,omitempty"`
	NextRunAt        *time.Time             `json:"next_run_at,omitempty"`
}

// AssignTaskRequest is the API request for manual force-dispatch.
type AssignTaskRequest struct {
	TaskID   int64  `json:"task_id"`
	DeviceID string `json:"device_id"`
}

// TaskStatusUpdate is the worker-to-controller status report.
type TaskStatusUpdate struct {
	TaskID       int64                  `json:"task_id"`
	DeviceID     string                 `json:"device_id"`
	Status       string                 `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
}

// NewTask creates a task with defaults applied.
func NewTask(taskType string, payload map[string]interface{}) *Task {
	now := time.Now().UTC()
	return &Task{
		TaskType:      taskType,
		Payload:       payload,
		Priority:      0,
		Status:        StatusPending,
		MaxRetryCount: 3,
		NextRunAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FromCreateRequest builds a task from an API request, leaving zero-valued
// fields to controller defaults.
func FromCreateRequest(req *CreateTaskRequest) *Task {
	t := NewTask(req.TaskType, req.Payload)
	t.Priority = req.Priority
	if req.MaxRetryCount > 0 {
		t.MaxRetryCount = req.MaxRetryCount
	}
	if req.ExecutionTimeout > 0 {
		t.ExecutionTimeout = req.ExecutionTimeout
	}
	if req.NextRunAt != nil {
		t.NextRunAt = req.NextRunAt.UTC()
	}
	return t
}

// Deadline returns the per-attempt execution deadline, falling back to def
// when the task does not carry its own timeout.
func (t *Task) Deadline(def time.Duration) time.Duration {
	if t.ExecutionTimeout > 0 {
		return time.Duration(t.ExecutionTimeout) * time.Second
	}
	return def
}

// RetryBudgetLeft reports whether another attempt is allowed.
func (t *Task) RetryBudgetLeft() bool {
	return t.Retry < t.MaxRetryCount
}

// PayloadJSON serializes the payload for storage.
func (t *Task) PayloadJSON() ([]byte, error) {
	if t.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.Payload)
}
