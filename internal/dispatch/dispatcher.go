package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// ErrPlacementLost reports that another dispatcher claimed the task first.
var ErrPlacementLost = errors.New("task claimed concurrently")

// Options configures the dispatcher loop.
type Options struct {
	Interval          time.Duration
	BatchLimit        int
	Strategy          string
	Adaptive          bool
	PriorityThreshold int
}

// Dispatcher matches assignable tasks to available devices. The store's
// compare-and-set on task assignment is the only serialization point;
// everything else here is a best-effort in-memory view refreshed per tick.
type Dispatcher struct {
	store     store.Store
	registry  *registry.Registry
	publisher events.Publisher
	locker    Locker
	reaper    *Reaper

	interval          time.Duration
	batchLimit        int
	adaptive          bool
	priorityThreshold int

	rng        *rand.Rand
	configured Policy
	least      Policy
	weighted   Policy
}

func New(s store.Store, reg *registry.Registry, pub events.Publisher, locker Locker, reaper *Reaper, opts Options) (*Dispatcher, error) {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyLeastTasks
	}
	if opts.PriorityThreshold <= 0 {
		opts.PriorityThreshold = 5
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if locker == nil {
		locker = NopLocker{}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	configured, err := NewPolicy(opts.Strategy, rng)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:             s,
		registry:          reg,
		publisher:         pub,
		locker:            locker,
		reaper:            reaper,
		interval:          opts.Interval,
		batchLimit:        opts.BatchLimit,
		adaptive:          opts.Adaptive,
		priorityThreshold: opts.PriorityThreshold,
		rng:               rng,
		configured:        configured,
		least:             leastTasks{},
		weighted:          &weighted{rng: rng},
	}, nil
}

// Run drives the dispatch loop until ctx is cancelled. The timeout reaper
// shares the tick.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logger.WithComponent("dispatcher")
	log.Info().
		Dur("interval", d.interval).
		Str("strategy", d.configured.Name()).
		Bool("adaptive", d.adaptive).
		Msg("dispatcher started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher stopped")
			return
		case <-ticker.C:
			if d.reaper != nil {
				if _, err := d.reaper.Reap(ctx); err != nil {
					log.Error().Err(err).Msg("reap failed")
				}
			}
			if _, err := d.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

// Tick runs one dispatch cycle and returns the number of placements made.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	acquired, err := d.locker.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer d.locker.Unlock(ctx)

	start := time.Now()
	metrics.DispatchTicks.Inc()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	devices, err := d.registry.ListAvailable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list available devices: %w", err)
	}
	if len(devices) == 0 {
		return 0, nil
	}

	tasks, err := d.store.FetchAssignable(ctx, "", d.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch assignable tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	heartbeats, err := d.store.LatestHeartbeats(ctx)
	if err != nil {
		return 0, fmt.Errorf("load heartbeats: %w", err)
	}

	working := make([]*candidate, 0, len(devices))
	for _, dev := range devices {
		working = append(working, &candidate{
			device:    dev,
			remaining: dev.MaxConcurrent - dev.CurrentTasks,
			weight:    heartbeats[dev.DeviceID].Weight(),
		})
	}

	policy := d.pickPolicy(working)
	placed := 0
	for _, t := range tasks {
		if len(working) == 0 {
			break
		}
		eligible := working[:0:0]
		for _, c := range working {
			if c.remaining > 0 && c.device.Capabilities.Supports(t.TaskType) {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		var chosen *candidate
		if t.Priority > d.priorityThreshold {
			chosen = d.least.Pick(eligible)
		} else {
			chosen = policy.Pick(eligible)
		}
		if chosen == nil {
			continue
		}

		if err := d.Place(ctx, t, chosen.device, policy.Name()); err != nil {
			if !errors.Is(err, ErrPlacementLost) {
				logger.WithTask(t.ID).Error().Err(err).
					Str("device_id", chosen.device.DeviceID).
					Msg("placement failed")
			}
			continue
		}
		placed++
		chosen.remaining--
		if chosen.remaining <= 0 {
			working = removeCandidate(working, chosen)
		}
	}

	if placed > 0 {
		logger.WithComponent("dispatcher").Debug().
			Int("placed", placed).
			Int("tasks", len(tasks)).
			Int("devices", len(devices)).
			Msg("dispatch tick complete")
	}
	return placed, nil
}

// pickPolicy applies the adaptive toggle: under heavy average load fall
// back to least_tasks, under light load spread by weight.
func (d *Dispatcher) pickPolicy(working []*candidate) Policy {
	if !d.adaptive || len(working) == 0 {
		return d.configured
	}
	var load, capacity int
	for _, c := range working {
		load += c.device.CurrentTasks
		capacity += c.device.MaxConcurrent
	}
	if capacity == 0 {
		return d.configured
	}
	avgLoad := float64(load) / float64(len(working))
	avgCap := float64(capacity) / float64(len(working))
	switch {
	case avgLoad > 0.8*avgCap:
		return d.least
	case avgLoad < 0.3*avgCap:
		return d.weighted
	default:
		return d.configured
	}
}

// Place runs the placement protocol: claim the task, open (or reopen) the
// assignment row, then charge the device counter. Any failure after the
// claim rolls the task back to the queue without charging its retry budget.
func (d *Dispatcher) Place(ctx context.Context, t *model.Task, dev *model.Device, strategy string) error {
	ok, err := d.store.AssignTask(ctx, t.ID, dev.DeviceID)
	if err != nil {
		return fmt.Errorf("assign task %d: %w", t.ID, err)
	}
	if !ok {
		metrics.PlacementConflicts.Inc()
		return ErrPlacementLost
	}

	a := &model.Assignment{TaskID: t.ID, DeviceID: dev.DeviceID, RetryCount: t.Retry}
	if _, err := d.store.UpsertAssignment(ctx, a); err != nil {
		d.rollback(ctx, t.ID, dev.DeviceID, false)
		return fmt.Errorf("open assignment for task %d: %w", t.ID, err)
	}

	if err := d.registry.IncCounter(ctx, dev.DeviceID); err != nil {
		d.store.UpdateAssignmentStatus(ctx, t.ID, dev.DeviceID, model.AssignmentFailed, "placement rolled back", nil)
		d.rollback(ctx, t.ID, dev.DeviceID, false)
		return fmt.Errorf("charge device %s: %w", dev.DeviceID, err)
	}

	metrics.TasksDispatched.WithLabelValues(t.TaskType, strategy).Inc()
	d.publisher.Publish(ctx, events.TaskAssigned(t.ID, dev.DeviceID, strategy))
	logger.WithTask(t.ID).Debug().
		Str("device_id", dev.DeviceID).
		Str("strategy", strategy).
		Int("priority", t.Priority).
		Msg("task placed")
	return nil
}

func (d *Dispatcher) rollback(ctx context.Context, taskID int64, deviceID string, bumpRetry bool) {
	metrics.PlacementRollbacks.Inc()
	if err := d.store.ReleaseTask(ctx, taskID, bumpRetry); err != nil {
		logger.WithTask(taskID).Error().Err(err).
			Str("device_id", deviceID).
			Msg("placement rollback failed")
	}
}

// ForceDispatch places one specific task on one specific device (admin
// path). Capability and capacity checks still apply.
func (d *Dispatcher) ForceDispatch(ctx context.Context, taskID int64, deviceID string) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	dev, err := d.registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.Status == model.DeviceOffline {
		return fmt.Errorf("device %s is offline", deviceID)
	}
	if !dev.Capabilities.Supports(t.TaskType) {
		return fmt.Errorf("device %s does not support task type %q", deviceID, t.TaskType)
	}
	if !dev.HasCapacity() {
		return model.ErrCapacityExceeded
	}
	return d.Place(ctx, t, dev, "manual")
}

func removeCandidate(working []*candidate, c *candidate) []*candidate {
	for i, w := range working {
		if w == c {
			return append(working[:i], working[i+1:]...)
		}
	}
	return working
}
