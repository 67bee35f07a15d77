package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"type"},
	)

	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to devices",
		},
		[]string{"type", "strategy"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_completed_total",
			Help: "Total number of tasks finished, by outcome",
		},
		[]string{"type", "status"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_task_retries_total",
			Help: "Total number of task retry attempts",
		},
		[]string{"type"},
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgrid_task_execution_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		},
		[]string{"type"},
	)

	TasksTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_timed_out_total",
			Help: "Total number of tasks reclaimed after exceeding their execution timeout",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_queue_depth",
			Help: "Current number of tasks per status",
		},
		[]string{"status"},
	)

	// Dispatch metrics
	DispatchTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_dispatch_ticks_total",
			Help: "Total number of dispatch cycles run",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgrid_dispatch_duration_seconds",
			Help:    "Duration of a dispatch cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	PlacementConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_placement_conflicts_total",
			Help: "Total number of assignment attempts lost to a concurrent claim",
		},
	)

	PlacementRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_placement_rollbacks_total",
			Help: "Total number of placements rolled back after a partial failure",
		},
	)

	// Device metrics
	DevicesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_devices_registered_total",
			Help: "Total number of device registrations",
		},
	)

	DevicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_devices",
			Help: "Current number of devices per status",
		},
		[]string{"status"},
	)

	DevicesMarkedOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_devices_marked_offline_total",
			Help: "Total number of devices marked offline by the heartbeat sweep",
		},
	)

	HeartbeatsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_heartbeats_received_total",
			Help: "Total number of heartbeats ingested",
		},
		[]string{"device_id"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_websocket_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	TasksReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_tasks_released_total",
			Help: "Total number of tasks released back to the queue",
		},
		[]string{"reason"},
	)
)

// SetQueueDepth publishes per-status task counts from a stats snapshot.
func SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
