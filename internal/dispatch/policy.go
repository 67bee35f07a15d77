package dispatch

import (
	"fmt"
	"math/rand"

	"github.com/taskgrid/taskgrid/internal/model"
)

// Strategy names accepted in config.
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastTasks = "least_tasks"
	StrategyWeighted   = "weighted"
	StrategyRandom     = "random"
)

// candidate is the dispatcher's in-memory view of one available device
// during a tick. remaining tracks capacity left after earlier placements in
// the same tick; weight comes from the device's latest heartbeat.
type candidate struct {
	device    *model.Device
	remaining int
	weight    int
}

func (c *candidate) load() int {
	return c.device.MaxConcurrent - c.remaining
}

// Policy picks one device out of a non-empty candidate set.
type Policy interface {
	Name() string
	Pick(cands []*candidate) *candidate
}

// NewPolicy returns the policy for a strategy name.
func NewPolicy(strategy string, rng *rand.Rand) (Policy, error) {
	switch strategy {
	case StrategyRoundRobin:
		return &roundRobin{}, nil
	case StrategyLeastTasks:
		return leastTasks{}, nil
	case StrategyWeighted:
		return &weighted{rng: rng}, nil
	case StrategyRandom:
		return &random{rng: rng}, nil
	default:
		return nil, fmt.Errorf("unknown load balance strategy %q", strategy)
	}
}

// roundRobin advances a cursor across the candidate set. The cursor
// survives ticks so placement keeps rotating even when the set shrinks.
type roundRobin struct {
	next int
}

func (*roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Pick(cands []*candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	c := cands[r.next%len(cands)]
	r.next++
	return c
}

// leastTasks picks the candidate with the lowest current load, breaking
// ties by the most recent heartbeat.
type leastTasks struct{}

func (leastTasks) Name() string { return StrategyLeastTasks }

func (leastTasks) Pick(cands []*candidate) *candidate {
	var best *candidate
	for _, c := range cands {
		switch {
		case best == nil:
			best = c
		case c.load() < best.load():
			best = c
		case c.load() == best.load() && moreRecent(c.device, best.device):
			best = c
		}
	}
	return best
}

func moreRecent(a, b *model.Device) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	if b.LastHeartbeat == nil {
		return true
	}
	return a.LastHeartbeat.After(*b.LastHeartbeat)
}

// weighted does a weighted random pick; healthier devices carry more
// weight.
type weighted struct {
	rng *rand.Rand
}

func (*weighted) Name() string { return StrategyWeighted }

func (w *weighted) Pick(cands []*candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	if total <= 0 {
		return cands[w.rng.Intn(len(cands))]
	}
	n := w.rng.Intn(total)
	for _, c := range cands {
		n -= c.weight
		if n < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

// random picks uniformly.
type random struct {
	rng *rand.Rand
}

func (*random) Name() string { return StrategyRandom }

func (r *random) Pick(cands []*candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	return cands[r.rng.Intn(len(cands))]
}
