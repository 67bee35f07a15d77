package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/api"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/heartbeat"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

func init() {
	logger.Init("error", false)
}

type env struct {
	server     *api.Server
	store      *store.Memory
	dispatcher *dispatch.Dispatcher
}

// setup wires the controller the way cmd/controller does, on the embedded
// store with no Redis.
func setup(t *testing.T) *env {
	t.Helper()

	m := store.NewMemory()
	publisher := events.NopPublisher{}

	reg := registry.New(m, 2*time.Minute, 5)
	q := queue.New(m, publisher, queue.Options{
		Backoff:          model.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond},
		MaxRetryCount:    3,
		ExecutionTimeout: 30 * time.Minute,
	})
	collector := heartbeat.NewCollector(m, reg, publisher, time.Minute, 5*time.Minute)
	reaper := dispatch.NewReaper(m, q, reg, 30*time.Minute)
	d, err := dispatch.New(m, reg, publisher, dispatch.NopLocker{}, reaper, dispatch.Options{
		Interval:   10 * time.Second,
		BatchLimit: 100,
		Strategy:   "round_robin",
	})
	require.NoError(t, err)
	rb := dispatch.NewRebalancer(m, reg, d)

	server := api.NewServer(&config.Config{}, api.Deps{
		Store:      m,
		Registry:   reg,
		Queue:      q,
		Collector:  collector,
		Dispatcher: d,
		Rebalancer: rb,
		Publisher:  publisher,
	})

	return &env{server: server, store: m, dispatcher: d}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *env) registerWorker(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/distribution/devices/register", model.RegisterDeviceRequest{
		DeviceID:     id,
		DeviceName:   id,
		DeviceType:   "worker",
		Capabilities: &model.Capabilities{MaxConcurrentTasks: 2},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/distribution/devices/"+id+"/heartbeat", model.HeartbeatRequest{
		DeviceID:      id,
		NetworkStatus: "ok",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLifecycle_EnqueueDispatchPullComplete(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.registerWorker(t, "worker-a")

	rec := e.do(t, http.MethodPost, "/api/distribution/tasks/", model.CreateTaskRequest{
		TaskType: "crawl",
		Payload:  map[string]interface{}{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	placed, err := e.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, placed)

	// The worker pulls its batch and walks the task to done.
	rec = e.do(t, http.MethodGet, "/api/distribution/tasks/worker-a/pull", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pull struct {
		Tasks []*model.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pull))
	require.Equal(t, 1, pull.Count)
	taskID := pull.Tasks[0].ID
	assert.Equal(t, model.StatusAssigned, pull.Tasks[0].Status)

	rec = e.do(t, http.MethodPut, "/api/distribution/tasks/status", model.TaskStatusUpdate{
		TaskID: taskID, DeviceID: "worker-a", Status: "running",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/distribution/tasks/status", model.TaskStatusUpdate{
		TaskID: taskID, DeviceID: "worker-a", Status: "completed",
		ResultData: map[string]interface{}{"pages": float64(7)},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Task        *model.Task         `json:"task"`
		Assignments []*model.Assignment `json:"assignments"`
	}
	rec = e.do(t, http.MethodGet, "/api/distribution/tasks/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, model.StatusDone, detail.Task.Status)
	assert.Equal(t, float64(7), detail.Task.Result["pages"])
	require.Len(t, detail.Assignments, 1)
	assert.Equal(t, model.AssignmentCompleted, detail.Assignments[0].Status)

	// The slot is free again and the stats reflect the closed task.
	d, err := e.store.GetDevice(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, d.CurrentTasks)
	assert.Equal(t, model.DeviceOnline, d.Status)

	var stats struct {
		Tasks   map[string]int64 `json:"tasks"`
		Devices map[string]int64 `json:"devices"`
	}
	rec = e.do(t, http.MethodGet, "/api/distribution/stats/overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Tasks["done"])
	assert.EqualValues(t, 1, stats.Devices["online"])
}

func TestLifecycle_FailedAttemptIsRedispatched(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.registerWorker(t, "worker-a")

	rec := e.do(t, http.MethodPost, "/api/distribution/tasks/", model.CreateTaskRequest{TaskType: "crawl"})
	require.Equal(t, http.StatusCreated, rec.Code)

	placed, err := e.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, placed)

	rec = e.do(t, http.MethodPut, "/api/distribution/tasks/status", model.TaskStatusUpdate{
		TaskID: 1, DeviceID: "worker-a", Status: "failed", ErrorMessage: "boom",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Retry)

	// Backoff is a millisecond here; the next tick picks the task up again.
	time.Sleep(5 * time.Millisecond)
	placed, err = e.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, placed)

	rec = e.do(t, http.MethodPut, "/api/distribution/tasks/status", model.TaskStatusUpdate{
		TaskID: 1, DeviceID: "worker-a", Status: "running",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPut, "/api/distribution/tasks/status", model.TaskStatusUpdate{
		TaskID: 1, DeviceID: "worker-a", Status: "completed",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = e.store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, 1, got.Retry)
}
