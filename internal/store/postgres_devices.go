package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskgrid/taskgrid/internal/model"
)

const deviceColumns = `device_id, device_name, device_type, address, capabilities,
	max_concurrent_tasks, current_tasks, status, last_heartbeat, created_at, updated_at`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var (
		d       model.Device
		caps    []byte
		status  string
		lastHB  *time.Time
	)
	err := row.Scan(
		&d.DeviceID, &d.DeviceName, &d.DeviceType, &d.Address, &caps,
		&d.MaxConcurrent, &d.CurrentTasks, &status, &lastHB, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = model.DeviceStatus(status)
	d.LastHeartbeat = lastHB
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &d.Capabilities); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (s *Postgres) UpsertDevice(ctx context.Context, d *model.Device) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO devices (device_id, device_name, device_type, address, capabilities,
			max_concurrent_tasks, status, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			device_type = EXCLUDED.device_type,
			address = EXCLUDED.address,
			capabilities = EXCLUDED.capabilities,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		d.DeviceID, d.DeviceName, d.DeviceType, d.Address, caps,
		d.MaxConcurrent, string(d.Status), d.LastHeartbeat,
	)
	return err
}

func (s *Postgres) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	d, err := scanDevice(s.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrDeviceNotFound
	}
	return d, err
}

func (s *Postgres) queryDevices(ctx context.Context, query string, args ...interface{}) ([]*model.Device, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Postgres) ListDevices(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	if status == "" {
		return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	}
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE status = $1 ORDER BY device_id`,
		string(status))
}

func (s *Postgres) ListAvailableDevices(ctx context.Context, heartbeatWindow time.Duration) ([]*model.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE status IN ('online', 'busy')
		  AND current_tasks < max_concurrent_tasks
		  AND last_heartbeat >= NOW() - make_interval(secs => $1)
		ORDER BY current_tasks ASC, last_heartbeat DESC
	`
	return s.queryDevices(ctx, query, heartbeatWindow.Seconds())
}

func (s *Postgres) ListTimedOutDevices(ctx context.Context, threshold time.Duration) ([]*model.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE status <> 'offline'
		  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - make_interval(secs => $1))
		ORDER BY device_id
	`
	return s.queryDevices(ctx, query, threshold.Seconds())
}

func (s *Postgres) UpdateDeviceHeartbeat(ctx context.Context, deviceID string, runningTasks int) error {
	query := `
		UPDATE devices SET
			last_heartbeat = NOW(),
			current_tasks = CASE WHEN $2 >= 0 THEN LEAST($2, max_concurrent_tasks) ELSE current_tasks END,
			status = CASE
				WHEN CASE WHEN $2 >= 0 THEN LEAST($2, max_concurrent_tasks) ELSE current_tasks END >= max_concurrent_tasks THEN 'busy'
				ELSE 'online'
			END,
			updated_at = NOW()
		WHERE device_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, deviceID, runningTasks)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}

func (s *Postgres) SetDeviceStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET status = $2, updated_at = NOW() WHERE device_id = $1`,
		deviceID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}

func (s *Postgres) IncDeviceTasks(ctx context.Context, deviceID string) (bool, error) {
	query := `
		UPDATE devices SET
			current_tasks = current_tasks + 1,
			status = CASE
				WHEN status <> 'offline' AND current_tasks + 1 >= max_concurrent_tasks THEN 'busy'
				ELSE status
			END,
			updated_at = NOW()
		WHERE device_id = $1 AND current_tasks < max_concurrent_tasks
	`
	tag, err := s.pool.Exec(ctx, query, deviceID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish "at capacity" from "no such device".
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) DecDeviceTasks(ctx context.Context, deviceID string) error {
	query := `
		UPDATE devices SET
			current_tasks = GREATEST(current_tasks - 1, 0),
			status = CASE
				WHEN status <> 'offline' AND GREATEST(current_tasks - 1, 0) < max_concurrent_tasks THEN 'online'
				ELSE status
			END,
			updated_at = NOW()
		WHERE device_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}

func (s *Postgres) ResetDeviceTasks(ctx context.Context, deviceID string) error {
	query := `
		UPDATE devices SET
			current_tasks = 0,
			status = CASE WHEN status <> 'offline' THEN 'online' ELSE status END,
			updated_at = NOW()
		WHERE device_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}
