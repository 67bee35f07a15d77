package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Reaper reclaims tasks whose execution exceeded their timeout. A reaped
// task is charged a retry and goes back through the queue; the device
// counter is released so the slot can be reused.
type Reaper struct {
	store          store.Store
	queue          *queue.Queue
	registry       *registry.Registry
	defaultTimeout time.Duration
}

func NewReaper(s store.Store, q *queue.Queue, reg *registry.Registry, defaultTimeout time.Duration) *Reaper {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &Reaper{
		store:          s,
		queue:          q,
		registry:       reg,
		defaultTimeout: defaultTimeout,
	}
}

// Reap processes every timed-out task once and returns how many it
// reclaimed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	tasks, err := r.store.ListTimedOutTasks(ctx, r.defaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("list timed out tasks: %w", err)
	}

	reaped := 0
	for _, t := range tasks {
		if err := r.reapOne(ctx, t); err != nil {
			logger.WithTask(t.ID).Error().Err(err).Msg("reap failed")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		logger.WithComponent("reaper").Warn().Int("reaped", reaped).Msg("timed out tasks reclaimed")
	}
	return reaped, nil
}

func (r *Reaper) reapOne(ctx context.Context, t *model.Task) error {
	deviceID := t.AssignedDeviceID
	if deviceID != "" {
		err := r.store.UpdateAssignmentStatus(ctx, t.ID, deviceID, model.AssignmentTimeout, "execution timeout exceeded", nil)
		if err != nil && err != model.ErrAssignmentNotFound {
			return fmt.Errorf("close assignment: %w", err)
		}
		if err := r.registry.DecCounter(ctx, deviceID); err != nil && err != model.ErrDeviceNotFound {
			return fmt.Errorf("release device slot: %w", err)
		}
	}

	if err := r.queue.Fail(ctx, t.ID, deviceID, "execution timeout exceeded"); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	metrics.TasksTimedOut.Inc()
	return nil
}
