package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/model"
)

// fakeController is an in-memory Controller that hands out a fixed batch of
// tasks once and records every status report.
type fakeController struct {
	mu            sync.Mutex
	registered    *model.RegisterDeviceRequest
	heartbeats    []*model.HeartbeatRequest
	pending       []*model.Task
	updates       []*model.TaskStatusUpdate
	reportWindows []time.Duration

	registerErr  error
	heartbeatErr error
}

func (f *fakeController) RegisterDevice(ctx context.Context, req *model.RegisterDeviceRequest) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered = req
	return &model.Device{DeviceID: req.DeviceID, Status: model.DeviceOnline}, nil
}

func (f *fakeController) SendHeartbeat(ctx context.Context, deviceID string, req *model.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return f.heartbeatErr
	}
	f.heartbeats = append(f.heartbeats, req)
	return nil
}

func (f *fakeController) PullTasks(ctx context.Context, deviceID string, limit int) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeController) UpdateTaskStatus(ctx context.Context, upd *model.TaskStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		f.reportWindows = append(f.reportWindows, time.Until(deadline))
	}
	f.updates = append(f.updates, upd)
	return nil
}

func (f *fakeController) statusesFor(taskID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.updates {
		if u.TaskID == taskID {
			out = append(out, u.Status)
		}
	}
	return out
}

func workerConfig() *config.WorkerConfig {
	return &config.WorkerConfig{
		DeviceID:          "worker-test",
		DeviceName:        "test",
		Role:              "worker",
		Concurrency:       2,
		HeartbeatInterval: time.Hour, // only the immediate first beat fires
		PullInterval:      10 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	}
}

func TestRuntime_ExecutesPulledTasks(t *testing.T) {
	task := model.NewTask("echo", map[string]interface{}{"msg": "hi"})
	task.ID = 1
	fc := &fakeController{pending: []*model.Task{task}}

	handlers := map[string]TaskHandler{
		"echo": func(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": t.Payload["msg"]}, nil
		},
	}
	r := NewRuntime(fc, workerConfig(), handlers, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fc.statusesFor(1)
		return len(s) == 2 && s[1] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"running", "completed"}, fc.statusesFor(1))
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotNil(t, fc.registered)
	assert.Equal(t, "worker-test", fc.registered.DeviceID)
	assert.Equal(t, 2, fc.registered.Capabilities.MaxConcurrentTasks)
	assert.NotEmpty(t, fc.heartbeats)
}

func TestRuntime_SlowTaskKeepsFullReportWindow(t *testing.T) {
	task := model.NewTask("slow", nil)
	task.ID = 5
	fc := &fakeController{pending: []*model.Task{task}}

	handlers := map[string]TaskHandler{
		"slow": func(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
			time.Sleep(250 * time.Millisecond)
			return map[string]interface{}{}, nil
		},
	}
	r := NewRuntime(fc, workerConfig(), handlers, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fc.statusesFor(5)
		return len(s) == 2 && s[1] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// The completion report must not be sent on a deadline opened before
	// execution started; the window would shrink by the task's run time and
	// expire entirely for tasks longer than the report timeout.
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.reportWindows, 2)
	assert.Greater(t, fc.reportWindows[1], reportTimeout-100*time.Millisecond)
}

func TestRuntime_ReportsFailure(t *testing.T) {
	task := model.NewTask("fail", nil)
	task.ID = 7
	fc := &fakeController{pending: []*model.Task{task}}

	handlers := map[string]TaskHandler{
		"fail": func(ctx context.Context, t *model.Task) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		},
	}
	r := NewRuntime(fc, workerConfig(), handlers, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fc.statusesFor(7)
		return len(s) == 2 && s[1] == "failed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	last := fc.updates[len(fc.updates)-1]
	assert.Equal(t, "boom", last.ErrorMessage)
}

func TestRuntime_MissingHandlerReportsFailure(t *testing.T) {
	task := model.NewTask("mystery", nil)
	task.ID = 3
	fc := &fakeController{pending: []*model.Task{task}}

	r := NewRuntime(fc, workerConfig(), nil, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fc.statusesFor(3)
		return len(s) == 2 && s[1] == "failed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRuntime_RegisterFailureAborts(t *testing.T) {
	fc := &fakeController{registerErr: errors.New("connection refused")}
	r := NewRuntime(fc, workerConfig(), nil, time.Minute, nil)

	err := r.Run(context.Background())
	assert.Error(t, err)
}

func TestRuntime_AdoptsControllerDeviceID(t *testing.T) {
	cfg := workerConfig()
	cfg.DeviceID = ""
	cfg.DeviceName = "rack9"
	fc := &fakeController{}
	r := NewRuntime(fc, cfg, nil, time.Minute, nil)

	assert.Equal(t, "worker-rack9", r.DeviceID())
}

func TestSender_DisconnectsAfterConsecutiveErrors(t *testing.T) {
	fc := &fakeController{heartbeatErr: errors.New("unreachable")}
	s := NewSender(fc, "worker-a", time.Hour, 2, nil, nil)
	ctx := context.Background()

	assert.True(t, s.Connected())
	s.send(ctx)
	assert.True(t, s.Connected())
	s.send(ctx)
	assert.False(t, s.Connected())

	// A successful beat restores the connection.
	fc.mu.Lock()
	fc.heartbeatErr = nil
	fc.mu.Unlock()
	s.send(ctx)
	assert.True(t, s.Connected())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.heartbeats, 1)
	assert.Equal(t, "degraded", fc.heartbeats[0].NetworkStatus)
}

func TestSender_ReportsInFlight(t *testing.T) {
	fc := &fakeController{}
	s := NewSender(fc, "worker-a", time.Hour, 5, func() (float64, float64) { return 25, 50 }, func() int { return 3 })

	s.send(context.Background())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.heartbeats, 1)
	hb := fc.heartbeats[0]
	assert.Equal(t, 3, hb.RunningTasks)
	assert.Equal(t, 25.0, hb.CPUUsage)
	assert.Equal(t, 50.0, hb.MemoryUsage)
	assert.Equal(t, "ok", hb.NetworkStatus)
}
