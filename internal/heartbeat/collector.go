package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Collector ingests device heartbeats and runs the offline sweep. A device
// whose heartbeat is older than the offline timeout loses its in-flight
// tasks back to the queue.
type Collector struct {
	store     store.Store
	registry  *registry.Registry
	publisher events.Publisher

	sweepInterval  time.Duration
	offlineTimeout time.Duration

	// Per-device locks serialize the sweep against concurrent ingests for
	// the same device.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCollector(s store.Store, reg *registry.Registry, pub events.Publisher, sweepInterval, offlineTimeout time.Duration) *Collector {
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	if offlineTimeout <= 0 {
		offlineTimeout = 300 * time.Second
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Collector{
		store:          s,
		registry:       reg,
		publisher:      pub,
		sweepInterval:  sweepInterval,
		offlineTimeout: offlineTimeout,
		locks:          make(map[string]*sync.Mutex),
	}
}

func (c *Collector) deviceLock(deviceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	return l
}

// Ingest records a heartbeat sample and refreshes the device's liveness and
// task counter. Unknown devices are rejected; workers must register first.
func (c *Collector) Ingest(ctx context.Context, req *model.HeartbeatRequest, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("missing device id")
	}

	l := c.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	if _, err := c.store.GetDevice(ctx, deviceID); err != nil {
		return err
	}

	hb := req.Sample(deviceID)
	if err := c.store.InsertHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	if err := c.registry.UpdateHeartbeat(ctx, deviceID, hb.RunningTasks); err != nil {
		return fmt.Errorf("update device heartbeat: %w", err)
	}

	metrics.HeartbeatsReceived.WithLabelValues(deviceID).Inc()
	logger.WithDevice(deviceID).Debug().
		Float64("cpu_usage", hb.CPUUsage).
		Float64("memory_usage", hb.MemoryUsage).
		Int("running_tasks", hb.RunningTasks).
		Msg("heartbeat ingested")
	return nil
}

// Run drives the periodic offline sweep until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	log := logger.WithComponent("heartbeat-sweep")
	log.Info().
		Dur("sweep_interval", c.sweepInterval).
		Dur("offline_timeout", c.offlineTimeout).
		Msg("heartbeat sweep started")

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat sweep stopped")
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep marks every timed-out device offline and reclaims its tasks.
// Returns the first error but keeps going; one bad device must not shield
// the rest.
func (c *Collector) Sweep(ctx context.Context) error {
	devices, err := c.registry.ListTimedOut(ctx, c.offlineTimeout)
	if err != nil {
		return fmt.Errorf("list timed out devices: %w", err)
	}

	var firstErr error
	for _, d := range devices {
		if err := c.markOffline(ctx, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// markOffline transitions one device. Order matters: status first so no new
// work lands while its in-flight tasks are being released.
func (c *Collector) markOffline(ctx context.Context, d *model.Device) error {
	l := c.deviceLock(d.DeviceID)
	l.Lock()
	defer l.Unlock()

	// Re-check under the lock; a heartbeat may have landed since the scan.
	fresh, err := c.store.GetDevice(ctx, d.DeviceID)
	if err != nil {
		return err
	}
	if fresh.LastHeartbeat != nil && time.Since(*fresh.LastHeartbeat) < c.offlineTimeout {
		return nil
	}

	if err := c.registry.SetStatus(ctx, d.DeviceID, model.DeviceOffline); err != nil {
		return fmt.Errorf("mark device %s offline: %w", d.DeviceID, err)
	}

	released, err := c.store.ReleaseDeviceTasks(ctx, d.DeviceID, true)
	if err != nil {
		return fmt.Errorf("release tasks of %s: %w", d.DeviceID, err)
	}
	if _, err := c.store.CloseDeviceAssignments(ctx, d.DeviceID, model.AssignmentFailed, "device went offline"); err != nil {
		return fmt.Errorf("close assignments of %s: %w", d.DeviceID, err)
	}
	if err := c.registry.ResetCounter(ctx, d.DeviceID); err != nil {
		return fmt.Errorf("reset counter of %s: %w", d.DeviceID, err)
	}

	metrics.DevicesMarkedOffline.Inc()
	if released > 0 {
		metrics.TasksReleased.WithLabelValues("device_offline").Add(float64(released))
	}
	c.publisher.Publish(ctx, events.DeviceOffline(d.DeviceID, released))

	logger.WithDevice(d.DeviceID).Warn().
		Int64("tasks_released", released).
		Msg("device marked offline")
	return nil
}
