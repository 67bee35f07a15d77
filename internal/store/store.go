package store

import (
	"context"
	"time"

	"github.com/taskgrid/taskgrid/internal/model"
)

// TaskFilter narrows ListTasks results. Zero values mean "any".
type TaskFilter struct {
	Status   model.Status
	TaskType string
	DeviceID string
	Limit    int
}

// Store is the durable row store backing the scheduler. All placement
// correctness hangs on AssignTask being an atomic compare-and-set.
type Store interface {
	DeviceStore
	TaskStore
	AssignmentStore
	HeartbeatStore

	Ping(ctx context.Context) error
	Close()
}

type DeviceStore interface {
	// UpsertDevice registers or refreshes a device. Idempotent.
	UpsertDevice(ctx context.Context, d *model.Device) error
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	// ListDevices returns all devices, optionally filtered by status.
	ListDevices(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error)
	// ListAvailableDevices returns online/busy devices with spare capacity
	// and a heartbeat within the window, ordered by current_tasks ASC,
	// last_heartbeat DESC.
	ListAvailableDevices(ctx context.Context, heartbeatWindow time.Duration) ([]*model.Device, error)
	// ListTimedOutDevices returns devices still recorded online whose last
	// heartbeat is older than threshold.
	ListTimedOutDevices(ctx context.Context, threshold time.Duration) ([]*model.Device, error)
	// UpdateDeviceHeartbeat refreshes last_heartbeat and the task counter,
	// flipping an offline device back online. runningTasks < 0 leaves the
	// counter untouched.
	UpdateDeviceHeartbeat(ctx context.Context, deviceID string, runningTasks int) error
	SetDeviceStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error
	// IncDeviceTasks atomically bumps current_tasks unless the device is at
	// capacity; returns false when it was. Transitions online->busy at the
	// boundary.
	IncDeviceTasks(ctx context.Context, deviceID string) (bool, error)
	// DecDeviceTasks atomically decrements current_tasks, clamped at zero.
	// Transitions busy->online when headroom returns.
	DecDeviceTasks(ctx context.Context, deviceID string) error
	ResetDeviceTasks(ctx context.Context, deviceID string) error
}

type TaskStore interface {
	// InsertTasks bulk-inserts pending tasks, populating IDs.
	InsertTasks(ctx context.Context, tasks []*model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error)
	// FetchAssignable returns tasks ready for dispatch: pending, or failed
	// with retry budget left, whose next_run_at has passed. Ordered by
	// priority DESC, next_run_at ASC, id ASC.
	FetchAssignable(ctx context.Context, taskType string, limit int) ([]*model.Task, error)
	// AssignTask is the compare-and-set placement commit: it succeeds iff
	// the task is still assignable and unclaimed. The sole serialization
	// point preventing double placement.
	AssignTask(ctx context.Context, taskID int64, deviceID string) (bool, error)
	// MarkTaskRunning transitions assigned -> running for the given device.
	MarkTaskRunning(ctx context.Context, taskID int64, deviceID string) error
	// MarkTaskDone closes the task as done. Guarded the same way as
	// MarkTaskRunning: the task must still be open on deviceID (empty skips
	// the device check), so a stale report cannot close a re-dispatch.
	MarkTaskDone(ctx context.Context, taskID int64, deviceID string, result map[string]interface{}) error
	// FailTask records a failed attempt: retry += 1, next_run_at pushed out
	// by the backoff, assignment fields cleared. The assignable scan
	// resurrects it while budget remains.
	FailTask(ctx context.Context, taskID int64, errMsg string, nextRunAt time.Time) error
	// ReleaseTask returns a single open task to pending (dispatch rollback,
	// reaper). bumpRetry charges the attempt against the budget; a task
	// whose budget is exhausted goes to failed instead.
	ReleaseTask(ctx context.Context, taskID int64, bumpRetry bool) error
	// ReleaseDeviceTasks releases every open task on a device, returning
	// the number of rows touched.
	ReleaseDeviceTasks(ctx context.Context, deviceID string, bumpRetry bool) (int64, error)
	// ListDeviceTasks returns open tasks assigned to a device, newest
	// placement first.
	ListDeviceTasks(ctx context.Context, deviceID string) ([]*model.Task, error)
	// ListTimedOutTasks returns open tasks whose attempt exceeded its
	// deadline (per-task execution_timeout, defaultAge when unset).
	ListTimedOutTasks(ctx context.Context, defaultAge time.Duration) ([]*model.Task, error)
	// ZeroPendingTasks moves every pending task to the zero tombstone.
	ZeroPendingTasks(ctx context.Context) (int64, error)
	// ResetFailedTasks returns terminally failed tasks to pending with a
	// fresh retry budget. Admin-only path.
	ResetFailedTasks(ctx context.Context) (int64, error)
	// ShouldCreateNewTasks reports whether the queue is drained and stale:
	// nothing assignable and the newest update older than interval.
	ShouldCreateNewTasks(ctx context.Context, interval time.Duration) (bool, error)
	CountTasksByStatus(ctx context.Context) (map[model.Status]int, error)
}

type AssignmentStore interface {
	// UpsertAssignment opens an attempt row for (task, device), reusing the
	// existing row on re-dispatch. Resets timing and outcome fields.
	UpsertAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error)
	GetAssignment(ctx context.Context, taskID int64, deviceID string) (*model.Assignment, error)
	ListTaskAssignments(ctx context.Context, taskID int64) ([]*model.Assignment, error)
	ListOpenDeviceAssignments(ctx context.Context, deviceID string) ([]*model.Assignment, error)
	// UpdateAssignmentStatus advances the attempt row, stamping started_at /
	// completed_at as appropriate.
	UpdateAssignmentStatus(ctx context.Context, taskID int64, deviceID string, status model.AssignmentStatus, errMsg string, result map[string]interface{}) error
	// CloseDeviceAssignments closes every open attempt on a device with the
	// given terminal status and message.
	CloseDeviceAssignments(ctx context.Context, deviceID string, status model.AssignmentStatus, msg string) (int64, error)
	// OpenAssignmentCounts returns open-attempt counts per device.
	OpenAssignmentCounts(ctx context.Context) (map[string]int, error)
	DeleteClosedAssignmentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type HeartbeatStore interface {
	InsertHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	LatestHeartbeat(ctx context.Context, deviceID string) (*model.Heartbeat, error)
	// LatestHeartbeats returns the most recent sample per device.
	LatestHeartbeats(ctx context.Context) (map[string]*model.Heartbeat, error)
	DeleteHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
