package queue

import (
	"context"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
)

// ZeroScheduler tombstones leftover pending tasks once a day at a fixed
// local hour, so yesterday's unfinished backlog never bleeds into today's.
type ZeroScheduler struct {
	queue *Queue
	hour  int
}

func NewZeroScheduler(q *Queue, hour int) *ZeroScheduler {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	return &ZeroScheduler{queue: q, hour: hour}
}

// Run blocks until ctx is cancelled, firing once per day at the configured
// hour.
func (z *ZeroScheduler) Run(ctx context.Context) {
	log := logger.WithComponent("zero-scheduler")
	log.Info().Int("hour", z.hour).Msg("daily zero scheduler started")

	for {
		wait := time.Until(z.nextFire(time.Now()))
		select {
		case <-ctx.Done():
			log.Info().Msg("daily zero scheduler stopped")
			return
		case <-time.After(wait):
		}

		n, err := z.queue.ZeroPending(ctx)
		if err != nil {
			log.Error().Err(err).Msg("daily zero failed")
			continue
		}
		log.Info().Int64("zeroed", n).Msg("daily zero complete")
	}
}

func (z *ZeroScheduler) nextFire(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), z.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
