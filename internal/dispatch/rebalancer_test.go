package dispatch

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

func newRebalancer(t *testing.T) (*Rebalancer, *store.Memory, *registry.Registry) {
	t.Helper()
	m := store.NewMemory()
	reg := registry.New(m, time.Minute, 5)
	d, err := New(m, reg, nil, nil, nil, Options{Strategy: StrategyLeastTasks})
	require.NoError(t, err)
	return NewRebalancer(m, reg, d), m, reg
}

// loadDevice places n fresh tasks on the device through the full placement
// protocol so counters, assignments and task rows stay consistent.
func loadDevice(t *testing.T, m *store.Memory, reg *registry.Registry, reb *Rebalancer, deviceID string, n int) {
	t.Helper()
	ctx := context.Background()
	dev, err := reg.Get(ctx, deviceID)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		task := addTask(t, m, "crawl", 0)
		require.NoError(t, reb.dispatcher.Place(ctx, task, dev, "manual"))
	}
}

func TestRebalance_EvensOutLoad(t *testing.T) {
	reb, m, reg := newRebalancer(t)
	ctx := context.Background()

	addDevice(t, reg, "worker-a", 10)
	addDevice(t, reg, "worker-b", 10)
	addDevice(t, reg, "worker-c", 10)
	loadDevice(t, m, reg, reb, "worker-a", 6)

	moved, err := reb.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, moved)

	counts, err := m.OpenAssignmentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["worker-a"])
	assert.Equal(t, 2, counts["worker-b"])
	assert.Equal(t, 2, counts["worker-c"])

	for _, id := range []string{"worker-a", "worker-b", "worker-c"} {
		d, err := m.GetDevice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, d.CurrentTasks, id)
	}
}

func TestRebalance_BalancedIsNoop(t *testing.T) {
	reb, m, reg := newRebalancer(t)
	ctx := context.Background()

	addDevice(t, reg, "worker-a", 10)
	addDevice(t, reg, "worker-b", 10)
	loadDevice(t, m, reg, reb, "worker-a", 2)
	loadDevice(t, m, reg, reb, "worker-b", 2)

	moved, err := reb.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestRebalance_SingleDeviceIsNoop(t *testing.T) {
	reb, m, reg := newRebalancer(t)

	addDevice(t, reg, "worker-a", 10)
	loadDevice(t, m, reg, reb, "worker-a", 5)

	moved, err := reb.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestRebalance_SkipsRunningTasks(t *testing.T) {
	reb, m, reg := newRebalancer(t)
	ctx := context.Background()

	addDevice(t, reg, "worker-a", 10)
	addDevice(t, reg, "worker-b", 10)
	loadDevice(t, m, reg, reb, "worker-a", 4)

	// Two of the four attempts already started executing; they must stay.
	tasks, err := m.ListDeviceTasks(ctx, "worker-a")
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks[:2] {
		require.NoError(t, m.MarkTaskRunning(ctx, task.ID, "worker-a"))
	}

	moved, err := reb.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	running, err := m.ListTasks(ctx, store.TaskFilter{Status: model.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)
	for _, task := range running {
		assert.Equal(t, "worker-a", task.AssignedDeviceID)
	}
}

func TestRebalance_IgnoresOfflineDevices(t *testing.T) {
	reb, m, reg := newRebalancer(t)
	ctx := context.Background()

	addDevice(t, reg, "worker-a", 10)
	addDevice(t, reg, "worker-b", 10)
	loadDevice(t, m, reg, reb, "worker-a", 6)
	require.NoError(t, reg.SetStatus(ctx, "worker-b", model.DeviceOffline))

	// Only one active device left; nothing to move.
	moved, err := reb.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestRebalance_RespectsCapabilities(t *testing.T) {
	reb, m, reg := newRebalancer(t)
	ctx := context.Background()

	addDevice(t, reg, "worker-a", 10)
	addDevice(t, reg, "worker-b", 10, "render")
	loadDevice(t, m, reg, reb, "worker-a", 6)

	// The crawl backlog cannot land on the render-only device.
	moved, err := reb.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	counts, err := m.OpenAssignmentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, counts["worker-a"])
}
