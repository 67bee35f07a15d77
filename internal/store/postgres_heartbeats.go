package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskgrid/taskgrid/internal/model"
)

const heartbeatColumns = `id, device_id, ts, cpu_usage, memory_usage, disk_usage,
	network_status, running_tasks, system_load, error_count, status_info`

func scanHeartbeat(row pgx.Row) (*model.Heartbeat, error) {
	var hb model.Heartbeat
	err := row.Scan(
		&hb.ID, &hb.DeviceID, &hb.Timestamp, &hb.CPUUsage, &hb.MemoryUsage, &hb.DiskUsage,
		&hb.NetworkStatus, &hb.RunningTasks, &hb.SystemLoad, &hb.ErrorCount, &hb.StatusInfo,
	)
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (s *Postgres) InsertHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := `
		INSERT INTO heartbeats (device_id, ts, cpu_usage, memory_usage, disk_usage,
			network_status, running_tasks, system_load, error_count, status_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		hb.DeviceID, ts, hb.CPUUsage, hb.MemoryUsage, hb.DiskUsage,
		hb.NetworkStatus, hb.RunningTasks, hb.SystemLoad, hb.ErrorCount, hb.StatusInfo,
	).Scan(&hb.ID)
}

func (s *Postgres) LatestHeartbeat(ctx context.Context, deviceID string) (*model.Heartbeat, error) {
	query := `
		SELECT ` + heartbeatColumns + `
		FROM heartbeats
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT 1
	`
	hb, err := scanHeartbeat(s.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return hb, err
}

func (s *Postgres) LatestHeartbeats(ctx context.Context) (map[string]*model.Heartbeat, error) {
	query := `
		SELECT DISTINCT ON (device_id) ` + heartbeatColumns + `
		FROM heartbeats
		ORDER BY device_id, ts DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*model.Heartbeat)
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out[hb.DeviceID] = hb
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM heartbeats WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
