package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskgrid/taskgrid/internal/model"
)

const assignmentColumns = `id, task_id, device_id, status, assigned_at, started_at,
	completed_at, retry_count, error_message, result_data`

func scanAssignment(row pgx.Row) (*model.Assignment, error) {
	var (
		a      model.Assignment
		status string
		result []byte
	)
	err := row.Scan(
		&a.ID, &a.TaskID, &a.DeviceID, &status, &a.AssignedAt, &a.StartedAt,
		&a.CompletedAt, &a.RetryCount, &a.ErrorMessage, &result,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.AssignmentStatus(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &a.ResultData); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *Postgres) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]*model.Assignment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error) {
	// Re-dispatch to the same device reuses the row: UNIQUE(task_id,
	// device_id) plus ON CONFLICT reopen.
	query := `
		INSERT INTO assignments (task_id, device_id, status, assigned_at, retry_count)
		VALUES ($1, $2, 'assigned', NOW(), $3)
		ON CONFLICT (task_id, device_id) DO UPDATE SET
			status = 'assigned',
			assigned_at = NOW(),
			started_at = NULL,
			completed_at = NULL,
			retry_count = EXCLUDED.retry_count,
			error_message = '',
			result_data = NULL
		RETURNING ` + assignmentColumns + `
	`
	return scanAssignment(s.pool.QueryRow(ctx, query, a.TaskID, a.DeviceID, a.RetryCount))
}

func (s *Postgres) GetAssignment(ctx context.Context, taskID int64, deviceID string) (*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE task_id = $1 AND device_id = $2`
	a, err := scanAssignment(s.pool.QueryRow(ctx, query, taskID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAssignmentNotFound
	}
	return a, err
}

func (s *Postgres) ListTaskAssignments(ctx context.Context, taskID int64) ([]*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE task_id = $1 ORDER BY id`
	return s.queryAssignments(ctx, query, taskID)
}

func (s *Postgres) ListOpenDeviceAssignments(ctx context.Context, deviceID string) ([]*model.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE device_id = $1 AND status IN ('assigned', 'running')
		ORDER BY assigned_at DESC
	`
	return s.queryAssignments(ctx, query, deviceID)
}

func (s *Postgres) UpdateAssignmentStatus(ctx context.Context, taskID int64, deviceID string, status model.AssignmentStatus, errMsg string, result map[string]interface{}) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resultJSON = b
	}
	query := `
		UPDATE assignments SET
			status = $3,
			started_at = CASE WHEN $3 = 'running' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed', 'timeout') THEN NOW() ELSE completed_at END,
			error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
			result_data = COALESCE($5, result_data)
		WHERE task_id = $1 AND device_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, taskID, deviceID, string(status), errMsg, resultJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAssignmentNotFound
	}
	return nil
}

func (s *Postgres) CloseDeviceAssignments(ctx context.Context, deviceID string, status model.AssignmentStatus, msg string) (int64, error) {
	query := `
		UPDATE assignments SET
			status = $2,
			completed_at = NOW(),
			error_message = $3
		WHERE device_id = $1 AND status IN ('assigned', 'running')
	`
	tag, err := s.pool.Exec(ctx, query, deviceID, string(status), msg)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) OpenAssignmentCounts(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT device_id, COUNT(*)
		FROM assignments
		WHERE status IN ('assigned', 'running')
		GROUP BY device_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			deviceID string
			n        int
		)
		if err := rows.Scan(&deviceID, &n); err != nil {
			return nil, err
		}
		out[deviceID] = n
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteClosedAssignmentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM assignments
		WHERE status NOT IN ('assigned', 'running') AND completed_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
