package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/events"
)

func TestClientSubscriptions(t *testing.T) {
	c := NewClient(NewHub(nil), nil)

	// No explicit subscriptions: everything is delivered.
	assert.True(t, c.IsSubscribed(events.EventTaskCreated))
	assert.True(t, c.IsSubscribed(events.EventDeviceOffline))

	c.Subscribe(events.EventTaskFailed)
	assert.True(t, c.IsSubscribed(events.EventTaskFailed))
	assert.False(t, c.IsSubscribed(events.EventTaskCreated))

	c.Unsubscribe(events.EventTaskFailed)
	assert.True(t, c.IsSubscribed(events.EventTaskCreated))
}

func TestClientHandleMessage(t *testing.T) {
	c := NewClient(NewHub(nil), nil)

	c.handleMessage([]byte(`{"action":"subscribe","event_types":["task.failed","device.offline"]}`))
	assert.True(t, c.IsSubscribed(events.EventTaskFailed))
	assert.True(t, c.IsSubscribed(events.EventDeviceOffline))
	assert.False(t, c.IsSubscribed(events.EventTaskCreated))

	c.handleMessage([]byte(`{"action":"unsubscribe","event_types":["task.failed"]}`))
	assert.False(t, c.IsSubscribed(events.EventTaskFailed))

	// Malformed and unknown messages are ignored.
	c.handleMessage([]byte(`{not json`))
	c.handleMessage([]byte(`{"action":"dance"}`))
	assert.True(t, c.IsSubscribed(events.EventDeviceOffline))
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	hub.Run(ctx)
	defer hub.Stop()

	c := NewClient(hub, nil)
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(events.TaskCompleted(1, "worker-a"))
	select {
	case data := <-c.send:
		ev, err := events.FromJSON(data)
		require.NoError(t, err)
		assert.Equal(t, events.EventTaskCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event never reached the client")
	}

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubSkipsUnsubscribedClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	hub.Run(ctx)
	defer hub.Stop()

	c := NewClient(hub, nil)
	c.Subscribe(events.EventDeviceOffline)
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(events.TaskCompleted(1, "worker-a"))
	hub.Broadcast(events.DeviceOffline("worker-a", 0))

	select {
	case data := <-c.send:
		ev, err := events.FromJSON(data)
		require.NoError(t, err)
		assert.Equal(t, events.EventDeviceOffline, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event never reached the client")
	}
}
