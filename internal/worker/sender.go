package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
)

// StatsFunc supplies host usage percentages for heartbeat samples. Optional;
// zero values are sent when absent.
type StatsFunc func() (cpuUsage, memoryUsage float64)

// Sender ships periodic heartbeats to the controller. After too many
// consecutive failures it flags itself disconnected but keeps trying; the
// controller decides when the device is actually gone.
type Sender struct {
	client    Controller
	deviceID  string
	interval  time.Duration
	maxErrors int
	stats     StatsFunc
	inFlight  func() int

	consecutiveErrors int
	connected         atomic.Bool
}

func NewSender(client Controller, deviceID string, interval time.Duration, maxErrors int, stats StatsFunc, inFlight func() int) *Sender {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxErrors <= 0 {
		maxErrors = 5
	}
	s := &Sender{
		client:    client,
		deviceID:  deviceID,
		interval:  interval,
		maxErrors: maxErrors,
		stats:     stats,
		inFlight:  inFlight,
	}
	s.connected.Store(true)
	return s
}

// Connected reports whether the last heartbeats reached the controller.
func (s *Sender) Connected() bool {
	return s.connected.Load()
}

// Run blocks until ctx is cancelled, sending one heartbeat per interval.
func (s *Sender) Run(ctx context.Context) {
	log := logger.WithDevice(s.deviceID)
	log.Info().Dur("interval", s.interval).Msg("heartbeat sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First beat immediately so the controller sees us without waiting a
	// full interval.
	s.send(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat sender stopped")
			return
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

func (s *Sender) send(ctx context.Context) {
	var cpu, mem float64
	if s.stats != nil {
		cpu, mem = s.stats()
	}
	running := 0
	if s.inFlight != nil {
		running = s.inFlight()
	}

	req := &model.HeartbeatRequest{
		DeviceID:      s.deviceID,
		CPUUsage:      cpu,
		MemoryUsage:   mem,
		NetworkStatus: "ok",
		RunningTasks:  running,
		ErrorCount:    s.consecutiveErrors,
	}
	if !s.connected.Load() {
		req.NetworkStatus = "degraded"
	}

	err := s.client.SendHeartbeat(ctx, s.deviceID, req)
	if err != nil {
		s.consecutiveErrors++
		logger.WithDevice(s.deviceID).Warn().
			Err(err).
			Int("consecutive_errors", s.consecutiveErrors).
			Msg("heartbeat send failed")
		if s.consecutiveErrors >= s.maxErrors && s.connected.Load() {
			s.connected.Store(false)
			logger.WithDevice(s.deviceID).Error().
				Int("consecutive_errors", s.consecutiveErrors).
				Msg("controller unreachable, marking disconnected")
		}
		return
	}

	if s.consecutiveErrors > 0 {
		logger.WithDevice(s.deviceID).Info().Msg("controller connection restored")
	}
	s.consecutiveErrors = 0
	s.connected.Store(true)
}
