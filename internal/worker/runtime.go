package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
)

// Controller is the worker's view of the control API. pkg/client satisfies
// it; tests use a fake.
type Controller interface {
	RegisterDevice(ctx context.Context, req *model.RegisterDeviceRequest) (*model.Device, error)
	SendHeartbeat(ctx context.Context, deviceID string, req *model.HeartbeatRequest) error
	PullTasks(ctx context.Context, deviceID string, limit int) ([]*model.Task, error)
	UpdateTaskStatus(ctx context.Context, upd *model.TaskStatusUpdate) error
}

const (
	maxPullBatch  = 10
	reportTimeout = 30 * time.Second
)

// Runtime is the worker process: it registers with the controller, sends
// heartbeats, pulls assigned tasks and executes them on a bounded pool.
type Runtime struct {
	client   Controller
	cfg      *config.WorkerConfig
	executor *Executor
	sender   *Sender
	deviceID string

	defaultTimeout time.Duration
	inFlight       atomic.Int64
	sem            chan struct{}
	wg             sync.WaitGroup
}

// NewRuntime creates a worker runtime. stats may be nil.
func NewRuntime(client Controller, cfg *config.WorkerConfig, handlers map[string]TaskHandler, defaultTimeout time.Duration, stats StatsFunc) *Runtime {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = model.GenerateDeviceID(cfg.Role, cfg.DeviceName)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}

	r := &Runtime{
		client:         client,
		cfg:            cfg,
		executor:       NewExecutor(handlers),
		deviceID:       deviceID,
		defaultTimeout: defaultTimeout,
		sem:            make(chan struct{}, concurrency),
	}
	r.sender = NewSender(client, deviceID, cfg.HeartbeatInterval, cfg.MaxConsecutiveErrors, stats, func() int {
		return int(r.inFlight.Load())
	})
	return r
}

// DeviceID returns the identity this worker registered under.
func (r *Runtime) DeviceID() string {
	return r.deviceID
}

// Run registers the device and blocks in the pull loop until ctx is
// cancelled, then drains in-flight tasks up to the shutdown timeout.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sender.Run(ctx)
	}()

	r.pullLoop(ctx)
	return r.drain()
}

func (r *Runtime) register(ctx context.Context) error {
	taskTypes := r.cfg.TaskTypes
	if len(taskTypes) == 0 {
		taskTypes = r.executor.HandlerTypes()
	}
	req := &model.RegisterDeviceRequest{
		DeviceID:   r.deviceID,
		DeviceName: r.cfg.DeviceName,
		DeviceType: r.cfg.Role,
		Capabilities: &model.Capabilities{
			SupportedTaskTypes: taskTypes,
			MaxConcurrentTasks: cap(r.sem),
		},
	}
	d, err := r.client.RegisterDevice(ctx, req)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	r.deviceID = d.DeviceID

	logger.WithDevice(r.deviceID).Info().
		Strs("task_types", taskTypes).
		Int("concurrency", cap(r.sem)).
		Msg("worker registered")
	return nil
}

func (r *Runtime) pullLoop(ctx context.Context) {
	log := logger.WithDevice(r.deviceID)
	idle := r.cfg.PullInterval
	if idle <= 0 {
		idle = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		capacity := cap(r.sem) - int(r.inFlight.Load())
		if capacity <= 0 {
			sleep(ctx, idle)
			continue
		}
		if capacity > maxPullBatch {
			capacity = maxPullBatch
		}

		tasks, err := r.client.PullTasks(ctx, r.deviceID, capacity)
		if err != nil {
			log.Warn().Err(err).Msg("task pull failed")
			sleep(ctx, idle)
			continue
		}
		if len(tasks) == 0 {
			sleep(ctx, idle)
			continue
		}

		for _, t := range tasks {
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			r.inFlight.Add(1)
			r.wg.Add(1)
			go func(t *model.Task) {
				defer func() {
					<-r.sem
					r.inFlight.Add(-1)
					r.wg.Done()
				}()
				r.process(ctx, t)
			}(t)
		}
	}
}

// process drives one task through running and completed/failed.
func (r *Runtime) process(ctx context.Context, t *model.Task) {
	if err := r.report(&model.TaskStatusUpdate{
		TaskID:   t.ID,
		DeviceID: r.deviceID,
		Status:   "running",
	}); err != nil {
		logger.WithTask(t.ID).Warn().Err(err).Msg("running report failed")
		// The task stays assigned; the controller's reaper will reclaim it
		// if we never finish.
	}

	result, err := r.executor.Execute(ctx, t, r.defaultTimeout)

	upd := &model.TaskStatusUpdate{
		TaskID:   t.ID,
		DeviceID: r.deviceID,
	}
	if err != nil {
		upd.Status = "failed"
		upd.ErrorMessage = err.Error()
	} else {
		upd.Status = "completed"
		upd.ResultData = result
	}

	if rerr := r.report(upd); rerr != nil {
		logger.WithTask(t.ID).Error().Err(rerr).
			Str("status", upd.Status).
			Msg("status report failed")
	}
}

// report sends one status update on its own short-lived background context,
// so a worker shutdown mid-task still reports the outcome and the deadline
// is never charged for the task's execution time.
func (r *Runtime) report(upd *model.TaskStatusUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	return r.client.UpdateTaskStatus(ctx, upd)
}

func (r *Runtime) drain() error {
	timeout := r.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.WithDevice(r.deviceID).Info().Msg("worker stopped gracefully")
		return nil
	case <-time.After(timeout):
		logger.WithDevice(r.deviceID).Warn().
			Int64("in_flight", r.inFlight.Load()).
			Msg("shutdown timeout, abandoning in-flight tasks")
		return fmt.Errorf("shutdown timed out with %d tasks in flight", r.inFlight.Load())
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
