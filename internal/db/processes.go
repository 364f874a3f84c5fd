package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// ProcessRecord is the persisted row for one process instance.
type ProcessRecord struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	Definition     json.RawMessage `json:"definition"`
	TotalTasks     int             `json:"total_tasks"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	SkippedTasks   int             `json:"skipped_tasks"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ErrProcessNotFound is returned when no process row exists for an id.
var ErrProcessNotFound = fmt.Errorf("process not found")

// InsertProcess stores a newly created process instance.
func (db *DB) InsertProcess(ctx context.Context, rec *ProcessRecord) error {
	span := sentry.StartSpan(ctx, "db.insert_process")
	defer span.Finish()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO processes (id, name, status, definition, total_tasks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Name, rec.Status, []byte(rec.Definition), rec.TotalTasks, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert process: %w", err)
	}
	return nil
}

// UpdateProcessStatus writes the current status and task counters for a
// process. Started and completed timestamps are set once and kept.
func (db *DB) UpdateProcessStatus(ctx context.Context, rec *ProcessRecord) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE processes
		SET status = $2,
		    completed_tasks = $3,
		    failed_tasks = $4,
		    skipped_tasks = $5,
		    error_message = $6,
		    started_at = COALESCE(started_at, $7),
		    completed_at = COALESCE(completed_at, $8)
		WHERE id = $1
	`, rec.ID, rec.Status, rec.CompletedTasks, rec.FailedTasks, rec.SkippedTasks,
		nullIfEmpty(rec.ErrorMessage), nullableTime(rec.StartedAt), nullableTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update process status: %w", err)
	}
	return nil
}

// GetProcessRecord fetches a single process row.
func (db *DB) GetProcessRecord(ctx context.Context, id string) (*ProcessRecord, error) {
	row := db.client.QueryRowContext(ctx, `
		SELECT id, name, status, definition, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
		       COALESCE(error_message, ''), created_at, started_at, completed_at
		FROM processes
		WHERE id = $1
	`, id)

	rec, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, ErrProcessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}
	return rec, nil
}

// ListProcesses returns process rows, most recent first. An empty status
// matches all.
func (db *DB) ListProcesses(ctx context.Context, status string, limit, offset int) ([]ProcessRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, name, status, definition, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
		       COALESCE(error_message, ''), created_at, started_at, completed_at
		FROM processes
	`
	args := []any{limit, offset}
	if status != "" {
		query += ` WHERE status = $3`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := db.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}
	defer rows.Close()

	var records []ProcessRecord
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read processes: %w", err)
	}
	return records, nil
}

func scanProcess(row rowScanner) (*ProcessRecord, error) {
	var rec ProcessRecord
	var definition []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.Name, &rec.Status, &definition, &rec.TotalTasks,
		&rec.CompletedTasks, &rec.FailedTasks, &rec.SkippedTasks, &rec.ErrorMessage,
		&rec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Definition = json.RawMessage(definition)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
