package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signalgw/internal/models"
)

const taskColumns = `task_id, controller_id, sync_type, payload_type, payload, priority, status, progress,
    message, timeout_seconds, max_retry_count, retry_count, create_time, start_time, end_time`

// SaveTask inserts or replaces the task row.
func (db *DB) SaveTask(ctx context.Context, task *models.SyncTask) error {
	var payload sql.NullString
	if task.Payload != nil {
		raw, err := marshalPayload(task.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload of task %s: %w", task.TaskID, err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	query := `INSERT INTO sync_tasks (` + taskColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(task_id) DO UPDATE SET
                  status = excluded.status,
                  progress = excluded.progress,
                  message = excluded.message,
                  retry_count = excluded.retry_count,
                  start_time = excluded.start_time,
                  end_time = excluded.end_time`

	_, err := db.ExecContext(ctx, query,
		task.TaskID,
		task.ControllerID,
		string(task.SyncType),
		task.PayloadType,
		payload,
		task.Priority,
		string(task.Status),
		task.Progress,
		task.Message,
		task.TimeoutSeconds,
		task.MaxRetryCount,
		task.RetryCount,
		task.CreateTime.UTC(),
		nullTime(task.StartTime),
		nullTime(task.EndTime),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync task: %w", err)
	}
	return nil
}

// GetTask returns nil, nil when the task is not stored.
func (db *DB) GetTask(ctx context.Context, taskID string) (*models.SyncTask, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return task, nil
}

// GetTaskHistory returns the newest tasks first. An empty controllerID
// returns tasks of every controller.
func (db *DB) GetTaskHistory(ctx context.Context, controllerID string, limit int) ([]models.SyncTask, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM sync_tasks`
	args := []interface{}{}
	if controllerID != "" {
		query += ` WHERE controller_id = ?`
		args = append(args, controllerID)
	}
	query += ` ORDER BY create_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// PurgeTasksBefore deletes finished tasks whose end time is before cutoff.
func (db *DB) PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE end_time IS NOT NULL AND end_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge task history: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*models.SyncTask, error) {
	var (
		task        models.SyncTask
		syncType    string
		status      string
		payloadType sql.NullString
		payload     sql.NullString
		message     sql.NullString
		startTime   sql.NullTime
		endTime     sql.NullTime
	)
	err := s.Scan(
		&task.TaskID,
		&task.ControllerID,
		&syncType,
		&payloadType,
		&payload,
		&task.Priority,
		&status,
		&task.Progress,
		&message,
		&task.TimeoutSeconds,
		&task.MaxRetryCount,
		&task.RetryCount,
		&task.CreateTime,
		&startTime,
		&endTime,
	)
	if err != nil {
		return nil, err
	}

	task.SyncType = models.SyncType(syncType)
	task.Status = models.SyncStatus(status)
	task.PayloadType = payloadType.String
	task.Message = message.String
	if payload.Valid {
		task.Payload = &models.RawPayload{Type: payloadType.String, Raw: json.RawMessage(payload.String)}
	}
	if startTime.Valid {
		t := startTime.Time
		task.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		task.EndTime = &t
	}
	return &task, nil
}

func marshalPayload(p models.Payload) ([]byte, error) {
	if raw, ok := p.(*models.RawPayload); ok {
		return raw.Raw, nil
	}
	return json.Marshal(p)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
