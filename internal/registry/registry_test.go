package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/store"
)

func newRegistry() (*Registry, *store.Memory) {
	m := store.NewMemory()
	return New(m, time.Minute, 5), m
}

func TestRegister_Defaults(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	d, err := reg.Register(ctx, &model.RegisterDeviceRequest{
		DeviceName: "rack1",
		DeviceType: "worker",
	})
	require.NoError(t, err)

	assert.Equal(t, "worker-rack1", d.DeviceID)
	assert.Equal(t, model.DeviceOnline, d.Status)
	assert.Equal(t, 5, d.MaxConcurrent)
	assert.Equal(t, 5, d.Capabilities.MaxConcurrentTasks)
	require.NotNil(t, d.LastHeartbeat)
}

func TestRegister_ExplicitCapabilities(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	d, err := reg.Register(ctx, &model.RegisterDeviceRequest{
		DeviceID:   "worker-gpu1",
		DeviceName: "gpu1",
		DeviceType: "worker",
		Capabilities: &model.Capabilities{
			SupportedTaskTypes: []string{"render"},
			MaxConcurrentTasks: 2,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "worker-gpu1", d.DeviceID)
	assert.Equal(t, 2, d.MaxConcurrent)
	assert.True(t, d.Capabilities.Supports("render"))
	assert.False(t, d.Capabilities.Supports("crawl"))
}

func TestRegister_InvalidID(t *testing.T) {
	reg, _ := newRegistry()

	_, err := reg.Register(context.Background(), &model.RegisterDeviceRequest{
		DeviceID:   "9bad id",
		DeviceName: "x",
	})
	assert.Error(t, err)
}

func TestRegister_IdempotentKeepsCounter(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	req := &model.RegisterDeviceRequest{DeviceID: "worker-a", DeviceName: "a", DeviceType: "worker"}
	_, err := reg.Register(ctx, req)
	require.NoError(t, err)

	require.NoError(t, reg.IncCounter(ctx, "worker-a"))

	d, err := reg.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, d.CurrentTasks)
}

func TestIncCounter_Capacity(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, &model.RegisterDeviceRequest{
		DeviceID:     "worker-a",
		DeviceName:   "a",
		Capabilities: &model.Capabilities{MaxConcurrentTasks: 1},
	})
	require.NoError(t, err)

	require.NoError(t, reg.IncCounter(ctx, "worker-a"))
	err = reg.IncCounter(ctx, "worker-a")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	require.NoError(t, reg.DecCounter(ctx, "worker-a"))
	assert.NoError(t, reg.IncCounter(ctx, "worker-a"))
}

func TestResetCounter(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, &model.RegisterDeviceRequest{DeviceID: "worker-a", DeviceName: "a"})
	require.NoError(t, err)
	require.NoError(t, reg.IncCounter(ctx, "worker-a"))
	require.NoError(t, reg.IncCounter(ctx, "worker-a"))

	require.NoError(t, reg.ResetCounter(ctx, "worker-a"))
	d, err := reg.Get(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, d.CurrentTasks)
}

func TestListAvailable_ExcludesStale(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, &model.RegisterDeviceRequest{DeviceID: "worker-a", DeviceName: "a"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateHeartbeat(ctx, "worker-a", 0))

	out, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "worker-a", out[0].DeviceID)
}

func TestCountByStatus(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	for _, id := range []string{"worker-a", "worker-b"} {
		_, err := reg.Register(ctx, &model.RegisterDeviceRequest{DeviceID: id, DeviceName: id})
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetStatus(ctx, "worker-b", model.DeviceOffline))

	counts, err := reg.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.DeviceOnline])
	assert.Equal(t, 1, counts[model.DeviceOffline])
}
