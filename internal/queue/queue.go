package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/model"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Queue owns the task lifecycle: submission, completion, failure with
// backoff, release back to pending and the daily zeroing. Assignment is the
// dispatcher's job; the queue never picks devices.
type Queue struct {
	store     store.Store
	publisher events.Publisher
	backoff   model.BackoffPolicy

	maxRetryCount    int
	executionTimeout time.Duration
}

// Options configures queue defaults applied to tasks that do not set their
// own.
type Options struct {
	Backoff          model.BackoffPolicy
	MaxRetryCount    int
	ExecutionTimeout time.Duration
}

func New(s store.Store, pub events.Publisher, opts Options) *Queue {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = model.DefaultBackoffPolicy()
	}
	if opts.MaxRetryCount <= 0 {
		opts.MaxRetryCount = 3
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 30 * time.Minute
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Queue{
		store:            s,
		publisher:        pub,
		backoff:          opts.Backoff,
		maxRetryCount:    opts.MaxRetryCount,
		executionTimeout: opts.ExecutionTimeout,
	}
}

// Create validates and persists a batch of tasks. All-or-nothing: one bad
// request rejects the whole batch before anything is written.
func (q *Queue) Create(ctx context.Context, reqs []*model.CreateTaskRequest) ([]*model.Task, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("empty task batch")
	}
	tasks := make([]*model.Task, 0, len(reqs))
	for i, req := range reqs {
		if req.TaskType == "" {
			return nil, fmt.Errorf("task %d: task_type is required", i)
		}
		t := model.FromCreateRequest(req)
		if t.MaxRetryCount <= 0 {
			t.MaxRetryCount = q.maxRetryCount
		}
		if t.ExecutionTimeout <= 0 {
			t.ExecutionTimeout = int(q.executionTimeout.Seconds())
		}
		tasks = append(tasks, t)
	}
	if err := q.store.InsertTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("insert tasks: %w", err)
	}
	for _, t := range tasks {
		metrics.TasksCreated.WithLabelValues(t.TaskType).Inc()
		q.publisher.Publish(ctx, events.TaskCreated(t))
	}
	logger.WithComponent("queue").Info().Int("count", len(tasks)).Msg("tasks created")
	return tasks, nil
}

// Get returns one task.
func (q *Queue) Get(ctx context.Context, id int64) (*model.Task, error) {
	return q.store.GetTask(ctx, id)
}

// List returns tasks matching the filter.
func (q *Queue) List(ctx context.Context, f store.TaskFilter) ([]*model.Task, error) {
	return q.store.ListTasks(ctx, f)
}

// MarkRunning records that a device started executing a task.
func (q *Queue) MarkRunning(ctx context.Context, taskID int64, deviceID string) error {
	if err := q.store.MarkTaskRunning(ctx, taskID, deviceID); err != nil {
		return err
	}
	q.publisher.Publish(ctx, events.TaskStarted(taskID, deviceID))
	return nil
}

// Complete marks a task done and stores its result.
func (q *Queue) Complete(ctx context.Context, taskID int64, deviceID string, result map[string]interface{}) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := q.store.MarkTaskDone(ctx, taskID, deviceID, result); err != nil {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(t.TaskType, string(model.StatusDone)).Inc()
	q.publisher.Publish(ctx, events.TaskCompleted(taskID, deviceID))
	logger.WithTask(taskID).Debug().Str("device_id", deviceID).Msg("task completed")
	return nil
}

// Fail records a failed attempt. The retry counter advances and the next run
// is pushed out by exponential backoff; once the budget is spent the task
// stays failed for good.
func (q *Queue) Fail(ctx context.Context, taskID int64, deviceID, errMsg string) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	nextRun := q.backoff.NextRun(t.Retry)
	if err := q.store.FailTask(ctx, taskID, errMsg, nextRun); err != nil {
		return err
	}

	metrics.TaskRetries.WithLabelValues(t.TaskType).Inc()
	exhausted := t.Retry+1 >= t.MaxRetryCount
	if exhausted {
		metrics.TasksCompleted.WithLabelValues(t.TaskType, string(model.StatusFailed)).Inc()
	}
	q.publisher.Publish(ctx, events.TaskFailed(taskID, deviceID, errMsg, exhausted))

	logger.WithTask(taskID).Warn().
		Str("device_id", deviceID).
		Int("retry", t.Retry+1).
		Int("max_retry_count", t.MaxRetryCount).
		Time("next_run_at", nextRun).
		Str("error", errMsg).
		Msg("task failed")
	return nil
}

// Release puts an in-flight task back on the queue. bumpRetry charges the
// attempt against the retry budget.
func (q *Queue) Release(ctx context.Context, taskID int64, bumpRetry bool, reason string) error {
	if err := q.store.ReleaseTask(ctx, taskID, bumpRetry); err != nil {
		return err
	}
	metrics.TasksReleased.WithLabelValues(reason).Inc()
	q.publisher.Publish(ctx, events.TaskReleased(taskID, reason))
	return nil
}

// ZeroPending tombstones every pending task. Returns the number zeroed.
func (q *Queue) ZeroPending(ctx context.Context) (int64, error) {
	n, err := q.store.ZeroPendingTasks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.WithComponent("queue").Info().Int64("count", n).Msg("pending tasks zeroed")
	}
	return n, nil
}

// ResetFailed returns every terminally failed task to pending with a fresh
// retry budget.
func (q *Queue) ResetFailed(ctx context.Context) (int64, error) {
	n, err := q.store.ResetFailedTasks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.WithComponent("queue").Info().Int64("count", n).Msg("failed tasks reset")
	}
	return n, nil
}

// Stats returns per-status task counts and refreshes the depth gauges.
func (q *Queue) Stats(ctx context.Context) (map[model.Status]int, error) {
	counts, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return counts, nil
}

// NeedsSeeding reports whether the queue has fully drained and sat idle for
// at least interval, the signal producers poll before generating a new batch.
func (q *Queue) NeedsSeeding(ctx context.Context, interval time.Duration) (bool, error) {
	return q.store.ShouldCreateNewTasks(ctx, interval)
}
