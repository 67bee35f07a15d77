package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Rebalancer moves excess open tasks off overloaded devices onto
// underloaded ones. It runs on demand from the admin API, never
// periodically.
type Rebalancer struct {
	store      store.Store
	registry   *registry.Registry
	dispatcher *Dispatcher
}

func NewRebalancer(s store.Store, reg *registry.Registry, d *Dispatcher) *Rebalancer {
	return &Rebalancer{store: s, registry: reg, dispatcher: d}
}

type rebalanceTarget struct {
	device *model.Device
	count  int
}

// Rebalance runs one pass and returns the number of tasks moved. Only
// not-yet-running assignments move; a task already executing stays where it
// is.
func (r *Rebalancer) Rebalance(ctx context.Context) (int, error) {
	devices, err := r.registry.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	counts, err := r.store.OpenAssignmentCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count open assignments: %w", err)
	}

	var (
		active []*model.Device
		total  int
	)
	for _, d := range devices {
		if d.Status == model.DeviceOffline {
			continue
		}
		active = append(active, d)
		total += counts[d.DeviceID]
	}
	if len(active) < 2 {
		return 0, nil
	}

	avg := total / len(active)
	var overloaded []*model.Device
	var targets []*rebalanceTarget
	for _, d := range active {
		c := counts[d.DeviceID]
		switch {
		case c > avg+1:
			overloaded = append(overloaded, d)
		case c < avg-1 || (avg <= 1 && c == 0):
			targets = append(targets, &rebalanceTarget{device: d, count: c})
		}
	}
	if len(overloaded) == 0 || len(targets) == 0 {
		return 0, nil
	}
	// Busiest first so the worst hotspot drains before targets fill up.
	sort.Slice(overloaded, func(i, j int) bool {
		return counts[overloaded[i].DeviceID] > counts[overloaded[j].DeviceID]
	})

	moved := 0
	for _, src := range overloaded {
		excess := counts[src.DeviceID] - avg
		if excess <= 0 {
			continue
		}
		n, err := r.drain(ctx, src, excess, &targets, avg)
		if err != nil {
			logger.WithDevice(src.DeviceID).Error().Err(err).Msg("rebalance drain failed")
			continue
		}
		moved += n
		if len(targets) == 0 {
			break
		}
	}

	if moved > 0 {
		logger.WithComponent("rebalancer").Info().
			Int("moved", moved).
			Int("avg", avg).
			Msg("rebalance complete")
	}
	return moved, nil
}

// drain moves up to excess newest assigned tasks off src.
func (r *Rebalancer) drain(ctx context.Context, src *model.Device, excess int, targets *[]*rebalanceTarget, avg int) (int, error) {
	tasks, err := r.store.ListDeviceTasks(ctx, src.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("list device tasks: %w", err)
	}

	moved := 0
	for _, t := range tasks {
		if moved >= excess || len(*targets) == 0 {
			break
		}
		if t.Status != model.StatusAssigned {
			continue
		}
		tgt := pickTarget(*targets, t.TaskType)
		if tgt == nil {
			continue
		}
		if err := r.move(ctx, t, src, tgt.device); err != nil {
			logger.WithTask(t.ID).Warn().Err(err).
				Str("from", src.DeviceID).
				Str("to", tgt.device.DeviceID).
				Msg("rebalance move failed")
			continue
		}
		moved++
		tgt.count++
		if tgt.count >= avg && avg > 0 {
			*targets = dropTarget(*targets, tgt)
		}
	}
	return moved, nil
}

// move closes the old assignment, releases the task without charging its
// retry budget, then re-places it on the target. A failed re-place leaves
// the task pending for the next dispatch tick, which is safe.
func (r *Rebalancer) move(ctx context.Context, t *model.Task, src, dst *model.Device) error {
	if err := r.store.UpdateAssignmentStatus(ctx, t.ID, src.DeviceID, model.AssignmentFailed, "rebalanced", nil); err != nil {
		return fmt.Errorf("close source assignment: %w", err)
	}
	if err := r.store.ReleaseTask(ctx, t.ID, false); err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if err := r.registry.DecCounter(ctx, src.DeviceID); err != nil {
		return fmt.Errorf("release source slot: %w", err)
	}
	metrics.TasksReleased.WithLabelValues("rebalance").Inc()

	released, err := r.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	return r.dispatcher.Place(ctx, released, dst, "rebalance")
}

func pickTarget(targets []*rebalanceTarget, taskType string) *rebalanceTarget {
	var best *rebalanceTarget
	for _, tgt := range targets {
		if !tgt.device.Capabilities.Supports(taskType) || !tgt.device.HasCapacity() {
			continue
		}
		if best == nil || tgt.count < best.count {
			best = tgt
		}
	}
	return best
}

func dropTarget(targets []*rebalanceTarget, tgt *rebalanceTarget) []*rebalanceTarget {
	for i, t := range targets {
		if t == tgt {
			return append(targets[:i], targets[i+1:]...)
		}
	}
	return targets
}
