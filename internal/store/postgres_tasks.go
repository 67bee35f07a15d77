package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskgrid/taskgrid/internal/model"
)

const taskColumns = `id, task_type, payload, priority, status, retry, max_retry_count,
	execution_timeout, next_run_at, assigned_device_id, assigned_at, result,
	error_message, created_at, updated_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t        model.Task
		payload  []byte
		status   string
		deviceID *string
		result   []byte
	)
	err := row.Scan(
		&t.ID, &t.TaskType, &payload, &t.Priority, &status, &t.Retry, &t.MaxRetryCount,
		&t.ExecutionTimeout, &t.NextRunAt, &deviceID, &t.AssignedAt, &result,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	if deviceID != nil {
		t.AssignedDeviceID = *deviceID
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (s *Postgres) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO tasks (task_type, payload, priority, status, max_retry_count,
			execution_timeout, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, COALESCE($6, NOW()), NOW(), NOW())
		RETURNING id, next_run_at, created_at, updated_at
	`
	for _, t := range tasks {
		payload, err := t.PayloadJSON()
		if err != nil {
			return err
		}
		var nextRun *time.Time
		if !t.NextRunAt.IsZero() {
			nr := t.NextRunAt.UTC()
			nextRun = &nr
		}
		batch.Queue(query, t.TaskType, payload, t.Priority, t.MaxRetryCount, t.ExecutionTimeout, nextRun)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, t := range tasks {
		if err := results.QueryRow().Scan(&t.ID, &t.NextRunAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		t.Status = model.StatusPending
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTaskNotFound
	}
	return t, err
}

func (s *Postgres) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.TaskType != "" {
		add("task_type = ?", f.TaskType)
	}
	if f.DeviceID != "" {
		add("assigned_device_id = ?", f.DeviceID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT ` + placeholder(len(args))
	}
	return s.queryTasks(ctx, query, args...)
}

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

const assignableCond = `status IN ('pending', 'failed')
	  AND retry < max_retry_count
	  AND next_run_at <= NOW()`

func (s *Postgres) FetchAssignable(ctx context.Context, taskType string, limit int) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ` + assignableCond + `
	`
	args := []interface{}{}
	if taskType != "" {
		args = append(args, taskType)
		query += ` AND task_type = $1`
	}
	args = append(args, limit)
	query += ` ORDER BY priority DESC, next_run_at ASC, id ASC LIMIT ` + placeholder(len(args))
	return s.queryTasks(ctx, query, args...)
}

func (s *Postgres) AssignTask(ctx context.Context, taskID int64, deviceID string) (bool, error) {
	// The compare-and-set. Exactly one row changes iff the task is still
	// assignable and unclaimed.
	query := `
		UPDATE tasks SET
			status = 'assigned',
			assigned_device_id = $2,
			assigned_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		  AND ` + assignableCond + `
		  AND assigned_device_id IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, taskID, deviceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkTaskRunning(ctx context.Context, taskID int64, deviceID string) error {
	query := `
		UPDATE tasks SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status = 'assigned'
		  AND ($2 = '' OR assigned_device_id = $2)
	`
	tag, err := s.pool.Exec(ctx, query, taskID, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) MarkTaskDone(ctx context.Context, taskID int64, deviceID string, result map[string]interface{}) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resultJSON = b
	}
	// Only the device the task is currently placed on may close it; a stale
	// report after the reaper reclaimed it must not touch the re-dispatch.
	query := `
		UPDATE tasks SET status = 'done', result = COALESCE($2, result),
			error_message = '', updated_at = NOW()
		WHERE id = $1 AND status IN ('assigned', 'running')
		  AND ($3 = '' OR assigned_device_id = $3)
	`
	tag, err := s.pool.Exec(ctx, query, taskID, resultJSON, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) FailTask(ctx context.Context, taskID int64, errMsg string, nextRunAt time.Time) error {
	query := `
		UPDATE tasks SET
			status = 'failed',
			retry = retry + 1,
			error_message = $2,
			next_run_at = $3,
			assigned_device_id = NULL,
			assigned_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, taskID, errMsg, nextRunAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTaskNotFound
	}
	return nil
}

const releaseSet = `
	retry = retry + CASE WHEN $2 THEN 1 ELSE 0 END,
	status = CASE WHEN $2 AND retry + 1 >= max_retry_count THEN 'failed' ELSE 'pending' END,
	assigned_device_id = NULL,
	assigned_at = NULL,
	next_run_at = NOW(),
	updated_at = NOW()`

func (s *Postgres) ReleaseTask(ctx context.Context, taskID int64, bumpRetry bool) error {
	query := `
		UPDATE tasks SET ` + releaseSet + `
		WHERE id = $1 AND status IN ('assigned', 'running')
	`
	_, err := s.pool.Exec(ctx, query, taskID, bumpRetry)
	return err
}

func (s *Postgres) ReleaseDeviceTasks(ctx context.Context, deviceID string, bumpRetry bool) (int64, error) {
	query := `
		UPDATE tasks SET ` + releaseSet + `
		WHERE assigned_device_id = $1 AND status IN ('assigned', 'running')
	`
	tag, err := s.pool.Exec(ctx, query, deviceID, bumpRetry)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListDeviceTasks(ctx context.Context, deviceID string) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE assigned_device_id = $1 AND status IN ('assigned', 'running')
		ORDER BY assigned_at DESC, id DESC
	`
	return s.queryTasks(ctx, query, deviceID)
}

func (s *Postgres) ListTimedOutTasks(ctx context.Context, defaultAge time.Duration) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ('assigned', 'running')
		  AND assigned_at IS NOT NULL
		  AND assigned_at < NOW() - make_interval(secs =>
				CASE WHEN execution_timeout > 0 THEN execution_timeout::float8 ELSE $1 END)
		ORDER BY id
	`
	return s.queryTasks(ctx, query, defaultAge.Seconds())
}

func (s *Postgres) ZeroPendingTasks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'zero', updated_at = NOW() WHERE status = 'pending'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ResetFailedTasks(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks SET
			status = 'pending',
			retry = 0,
			error_message = '',
			next_run_at = NOW(),
			updated_at = NOW()
		WHERE status = 'failed'
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ShouldCreateNewTasks(ctx context.Context, interval time.Duration) (bool, error) {
	query := `
		SELECT
			NOT EXISTS (
				SELECT 1 FROM tasks
				WHERE (` + assignableCond + `) OR status IN ('assigned', 'running')
			),
			COALESCE(MAX(updated_at) < NOW() - make_interval(secs => $1), TRUE)
		FROM tasks
	`
	var drained, stale bool
	if err := s.pool.QueryRow(ctx, query, interval.Seconds()).Scan(&drained, &stale); err != nil {
		return false, err
	}
	return drained && stale, nil
}

func (s *Postgres) CountTasksByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}
