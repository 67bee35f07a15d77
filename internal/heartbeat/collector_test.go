package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

func newCollector(offlineTimeout time.Duration) (*Collector, *store.Memory, *registry.Registry) {
	m := store.NewMemory()
	reg := registry.New(m, time.Minute, 5)
	c := NewCollector(m, reg, nil, time.Minute, offlineTimeout)
	return c, m, reg
}

func registerDevice(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, err := reg.Register(context.Background(), &model.RegisterDeviceRequest{
		DeviceID:   id,
		DeviceName: id,
		DeviceType: "worker",
	})
	require.NoError(t, err)
}

func TestIngest(t *testing.T) {
	c, m, reg := newCollector(time.Minute)
	ctx := context.Background()
	registerDevice(t, reg, "worker-a")

	req := &model.HeartbeatRequest{CPUUsage: 40, MemoryUsage: 60, RunningTasks: 2, NetworkStatus: "ok"}
	require.NoError(t, c.Ingest(ctx, req, "worker-a"))

	hb, err := m.LatestHeartbeat(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, 2, hb.RunningTasks)
	assert.Equal(t, 40.0, hb.CPUUsage)

	d, err := m.GetDevice(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 2, d.CurrentTasks)
}

func TestIngest_UnknownDevice(t *testing.T) {
	c, _, _ := newCollector(time.Minute)

	err := c.Ingest(context.Background(), &model.HeartbeatRequest{}, "ghost")
	assert.ErrorIs(t, err, model.ErrDeviceNotFound)

	err = c.Ingest(context.Background(), &model.HeartbeatRequest{}, "")
	assert.Error(t, err)
}

func TestSweep_MarksSilentDeviceOffline(t *testing.T) {
	// Zero is rejected by the constructor, so use the smallest window that
	// still treats the registration heartbeat as expired.
	c, m, reg := newCollector(time.Nanosecond)
	ctx := context.Background()
	registerDevice(t, reg, "worker-a")

	// Give the device in-flight work.
	task := model.NewTask("crawl", nil)
	require.NoError(t, m.InsertTasks(ctx, []*model.Task{task}))
	ok, err := m.AssignTask(ctx, task.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = m.UpsertAssignment(ctx, &model.Assignment{TaskID: task.ID, DeviceID: "worker-a"})
	require.NoError(t, err)
	require.NoError(t, reg.IncCounter(ctx, "worker-a"))

	time.Sleep(time.Millisecond)
	require.NoError(t, c.Sweep(ctx))

	d, err := m.GetDevice(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOffline, d.Status)
	assert.Zero(t, d.CurrentTasks)

	// The task went back to the queue with the attempt charged.
	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.Retry)
	assert.Empty(t, got.AssignedDeviceID)

	a, err := m.GetAssignment(ctx, task.ID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentFailed, a.Status)
	assert.Equal(t, "device went offline", a.ErrorMessage)
}

func TestSweep_SkipsFreshDevice(t *testing.T) {
	c, m, reg := newCollector(time.Hour)
	ctx := context.Background()
	registerDevice(t, reg, "worker-a")
	require.NoError(t, reg.UpdateHeartbeat(ctx, "worker-a", 0))

	require.NoError(t, c.Sweep(ctx))

	d, err := m.GetDevice(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOnline, d.Status)
}

func TestSweep_OfflineDeviceNotSweptTwice(t *testing.T) {
	c, m, reg := newCollector(time.Nanosecond)
	ctx := context.Background()
	registerDevice(t, reg, "worker-a")

	time.Sleep(time.Millisecond)
	require.NoError(t, c.Sweep(ctx))

	// A second sweep finds nothing; offline devices are excluded from the
	// timed-out scan.
	require.NoError(t, c.Sweep(ctx))
	d, err := m.GetDevice(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOffline, d.Status)
}
