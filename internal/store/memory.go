package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskgrid/taskgrid/internal/model"
)

// Memory is an in-process Store used by unit tests and single-node dev
// deployments. It mirrors the SQL implementation's semantics, including the
// compare-and-set on AssignTask.
type Memory struct {
	mu sync.Mutex

	devices     map[string]*model.Device
	tasks       map[int64]*model.Task
	assignments map[int64]*model.Assignment
	heartbeats  []*model.Heartbeat

	nextTaskID       int64
	nextAssignmentID int64
	nextHeartbeatID  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:     make(map[string]*model.Device),
		tasks:       make(map[int64]*model.Task),
		assignments: make(map[int64]*model.Assignment),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

// --- Devices ---

func (m *Memory) UpsertDevice(ctx context.Context, d *model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *d
	if existing, ok := m.devices[d.DeviceID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.CurrentTasks = existing.CurrentTasks
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.devices[d.DeviceID] = &cp
	return nil
}

func (m *Memory) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, model.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDevices(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Device
	for _, d := range m.devices {
		if status != "" && d.Status != status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Memory) ListAvailableDevices(ctx context.Context, heartbeatWindow time.Duration) ([]*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-heartbeatWindow)
	var out []*model.Device
	for _, d := range m.devices {
		if d.Status != model.DeviceOnline && d.Status != model.DeviceBusy {
			continue
		}
		if d.CurrentTasks >= d.MaxConcurrent {
			continue
		}
		if d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentTasks != out[j].CurrentTasks {
			return out[i].CurrentTasks < out[j].CurrentTasks
		}
		return out[i].LastHeartbeat.After(*out[j].LastHeartbeat)
	})
	return out, nil
}

func (m *Memory) ListTimedOutDevices(ctx context.Context, threshold time.Duration) ([]*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var out []*model.Device
	for _, d := range m.devices {
		if d.Status == model.DeviceOffline {
			continue
		}
		if d.LastHeartbeat != nil && d.LastHeartbeat.After(cutoff) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Memory) UpdateDeviceHeartbeat(ctx context.Context, deviceID string, runningTasks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.ErrDeviceNotFound
	}
	now := time.Now().UTC()
	d.LastHeartbeat = &now
	d.UpdatedAt = now
	if runningTasks >= 0 {
		if runningTasks > d.MaxConcurrent {
			runningTasks = d.MaxConcurrent
		}
		d.CurrentTasks = runningTasks
	}
	if d.Status == model.DeviceOffline {
		d.Status = model.DeviceOnline
	}
	m.syncBusyLocked(d)
	return nil
}

func (m *Memory) SetDeviceStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.ErrDeviceNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) IncDeviceTasks(ctx context.Context, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return false, model.ErrDeviceNotFound
	}
	if d.CurrentTasks >= d.MaxConcurrent {
		return false, nil
	}
	d.CurrentTasks++
	d.UpdatedAt = time.Now().UTC()
	m.syncBusyLocked(d)
	return true, nil
}

func (m *Memory) DecDeviceTasks(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.ErrDeviceNotFound
	}
	if d.CurrentTasks > 0 {
		d.CurrentTasks--
	}
	d.UpdatedAt = time.Now().UTC()
	m.syncBusyLocked(d)
	return nil
}

func (m *Memory) ResetDeviceTasks(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.ErrDeviceNotFound
	}
	d.CurrentTasks = 0
	d.UpdatedAt = time.Now().UTC()
	m.syncBusyLocked(d)
	return nil
}

// syncBusyLocked keeps the online/busy pair in step with the counter.
// Offline devices stay offline regardless of the counter.
func (m *Memory) syncBusyLocked(d *model.Device) {
	if d.Status == model.DeviceOffline {
		return
	}
	if d.CurrentTasks >= d.MaxConcurrent {
		d.Status = model.DeviceBusy
	} else {
		d.Status = model.DeviceOnline
	}
}

// --- Tasks ---

func (m *Memory) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range tasks {
		m.nextTaskID++
		t.ID = m.nextTaskID
		t.Status = model.StatusPending
		if t.NextRunAt.IsZero() {
			t.NextRunAt = now
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		if f.DeviceID != "" && t.AssignedDeviceID != f.DeviceID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) assignableLocked(t *model.Task, now time.Time) bool {
	if t.Status != model.StatusPending && t.Status != model.StatusFailed {
		return false
	}
	return t.Retry < t.MaxRetryCount && !t.NextRunAt.After(now)
}

func (m *Memory) FetchAssignable(ctx context.Context, taskType string, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []*model.Task
	for _, t := range m.tasks {
		if !m.assignableLocked(t, now) {
			continue
		}
		if taskType != "" && t.TaskType != taskType {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].NextRunAt.Before(out[j].NextRunAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AssignTask(ctx context.Context, taskID int64, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	if !m.assignableLocked(t, now) || t.AssignedDeviceID != "" {
		return false, nil
	}
	t.Status = model.StatusAssigned
	t.AssignedDeviceID = deviceID
	t.AssignedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (m *Memory) MarkTaskRunning(ctx context.Context, taskID int64, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	if t.Status != model.StatusAssigned || (deviceID != "" && t.AssignedDeviceID != deviceID) {
		return model.ErrInvalidTransition
	}
	t.Status = model.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkTaskDone(ctx context.Context, taskID int64, deviceID string, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	// A completion report only counts while the task is still placed on the
	// reporting device; a stale report after the reaper reclaimed it must
	// not close the re-dispatched task.
	if t.Status != model.StatusAssigned && t.Status != model.StatusRunning {
		return model.ErrInvalidTransition
	}
	if deviceID != "" && t.AssignedDeviceID != deviceID {
		return model.ErrInvalidTransition
	}
	t.Status = model.StatusDone
	t.Result = result
	t.ErrorMessage = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FailTask(ctx context.Context, taskID int64, errMsg string, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	t.Status = model.StatusFailed
	t.Retry++
	t.ErrorMessage = errMsg
	t.NextRunAt = nextRunAt.UTC()
	t.AssignedDeviceID = ""
	t.AssignedAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) releaseLocked(t *model.Task, bumpRetry bool) {
	now := time.Now().UTC()
	if bumpRetry {
		t.Retry++
	}
	if bumpRetry && t.Retry >= t.MaxRetryCount {
		t.Status = model.StatusFailed
	} else {
		t.Status = model.StatusPending
	}
	t.AssignedDeviceID = ""
	t.AssignedAt = nil
	t.NextRunAt = now
	t.UpdatedAt = now
}

func (m *Memory) ReleaseTask(ctx context.Context, taskID int64, bumpRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	if !t.Status.IsOpen() {
		return nil
	}
	m.releaseLocked(t, bumpRetry)
	return nil
}

func (m *Memory) ReleaseDeviceTasks(ctx context.Context, deviceID string, bumpRetry bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, t := range m.tasks {
		if t.AssignedDeviceID != deviceID || !t.Status.IsOpen() {
			continue
		}
		m.releaseLocked(t, bumpRetry)
		n++
	}
	return n, nil
}

func (m *Memory) ListDeviceTasks(ctx context.Context, deviceID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if t.AssignedDeviceID != deviceID || !t.Status.IsOpen() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].AssignedAt, out[j].AssignedAt
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.After(*tj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) ListTimedOutTasks(ctx context.Context, defaultAge time.Duration) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []*model.Task
	for _, t := range m.tasks {
		if !t.Status.IsOpen() || t.AssignedAt == nil {
			continue
		}
		age := defaultAge
		if t.ExecutionTimeout > 0 {
			age = time.Duration(t.ExecutionTimeout) * time.Second
		}
		if now.Sub(*t.AssignedAt) <= age {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ZeroPendingTasks(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, t := range m.tasks {
		if t.Status != model.StatusPending {
			continue
		}
		t.Status = model.StatusZero
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) ResetFailedTasks(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, t := range m.tasks {
		if t.Status != model.StatusFailed {
			continue
		}
		t.Status = model.StatusPending
		t.Retry = 0
		t.ErrorMessage = ""
		t.NextRunAt = now
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) ShouldCreateNewTasks(ctx context.Context, interval time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var newest time.Time
	for _, t := range m.tasks {
		if m.assignableLocked(t, now) || t.Status.IsOpen() {
			return false, nil
		}
		if t.UpdatedAt.After(newest) {
			newest = t.UpdatedAt
		}
	}
	return newest.IsZero() || now.Sub(newest) > interval, nil
}

func (m *Memory) CountTasksByStatus(ctx context.Context) (map[model.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[model.Status]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

// --- Assignments ---

func (m *Memory) findAssignmentLocked(taskID int64, deviceID string) *model.Assignment {
	for _, a := range m.assignments {
		if a.TaskID == taskID && a.DeviceID == deviceID {
			return a
		}
	}
	return nil
}

func (m *Memory) UpsertAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing := m.findAssignmentLocked(a.TaskID, a.DeviceID)
	if existing == nil {
		m.nextAssignmentID++
		existing = &model.Assignment{
			ID:       m.nextAssignmentID,
			TaskID:   a.TaskID,
			DeviceID: a.DeviceID,
		}
		m.assignments[existing.ID] = existing
	}
	existing.Status = model.AssignmentAssigned
	existing.AssignedAt = now
	existing.StartedAt = nil
	existing.CompletedAt = nil
	existing.RetryCount = a.RetryCount
	existing.ErrorMessage = ""
	existing.ResultData = nil

	cp := *existing
	return &cp, nil
}

func (m *Memory) GetAssignment(ctx context.Context, taskID int64, deviceID string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findAssignmentLocked(taskID, deviceID)
	if a == nil {
		return nil, model.ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListTaskAssignments(ctx context.Context, taskID int64) ([]*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Assignment
	for _, a := range m.assignments {
		if a.TaskID != taskID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOpenDeviceAssignments(ctx context.Context, deviceID string) ([]*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Assignment
	for _, a := range m.assignments {
		if a.DeviceID != deviceID || !a.Status.IsOpen() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	return out, nil
}

func (m *Memory) UpdateAssignmentStatus(ctx context.Context, taskID int64, deviceID string, status model.AssignmentStatus, errMsg string, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findAssignmentLocked(taskID, deviceID)
	if a == nil {
		return model.ErrAssignmentNotFound
	}
	now := time.Now().UTC()
	a.Status = status
	switch status {
	case model.AssignmentRunning:
		a.StartedAt = &now
	case model.AssignmentCompleted, model.AssignmentFailed, model.AssignmentTimeout:
		a.CompletedAt = &now
	}
	if errMsg != "" {
		a.ErrorMessage = errMsg
	}
	if result != nil {
		a.ResultData = result
	}
	return nil
}

func (m *Memory) CloseDeviceAssignments(ctx context.Context, deviceID string, status model.AssignmentStatus, msg string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, a := range m.assignments {
		if a.DeviceID != deviceID || !a.Status.IsOpen() {
			continue
		}
		a.Status = status
		a.CompletedAt = &now
		a.ErrorMessage = msg
		n++
	}
	return n, nil
}

func (m *Memory) OpenAssignmentCounts(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int)
	for _, a := range m.assignments {
		if a.Status.IsOpen() {
			out[a.DeviceID]++
		}
	}
	return out, nil
}

func (m *Memory) DeleteClosedAssignmentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.assignments {
		if a.Status.IsOpen() || a.CompletedAt == nil || a.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.assignments, id)
		n++
	}
	return n, nil
}

// --- Heartbeats ---

func (m *Memory) InsertHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHeartbeatID++
	cp := *hb
	cp.ID = m.nextHeartbeatID
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.heartbeats = append(m.heartbeats, &cp)
	return nil
}

func (m *Memory) LatestHeartbeat(ctx context.Context, deviceID string) (*model.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.heartbeats) - 1; i >= 0; i-- {
		if m.heartbeats[i].DeviceID == deviceID {
			cp := *m.heartbeats[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestHeartbeats(ctx context.Context) (map[string]*model.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*model.Heartbeat)
	for _, hb := range m.heartbeats {
		cp := *hb
		out[hb.DeviceID] = &cp
	}
	return out, nil
}

func (m *Memory) DeleteHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.heartbeats[:0]
	var n int64
	for _, hb := range m.heartbeats {
		if hb.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, hb)
	}
	m.heartbeats = kept
	return n, nil
}
