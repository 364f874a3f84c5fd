package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Transition is one recorded task state change. The history table is
// append-only; rows are never updated or deleted.
type Transition struct {
	ID         int64     `json:"id"`
	ProcessID  string    `json:"process_id"`
	TaskID     string    `json:"task_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordTransition appends a task state transition to the history log.
func (db *DB) RecordTransition(ctx context.Context, t *Transition) error {
	span := sentry.StartSpan(ctx, "db.record_transition")
	defer span.Finish()

	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO task_history (process_id, task_id, from_state, to_state, attempt, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ProcessID, t.TaskID, t.FromState, t.ToState, t.Attempt, nullIfEmpty(t.Detail), t.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the recorded transitions for a process instance in
// the order they occurred.
func (db *DB) ListTransitions(ctx context.Context, processID string) ([]Transition, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT id, process_id, task_id, from_state, to_state, attempt, COALESCE(detail, ''), occurred_at
		FROM task_history
		WHERE process_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.ProcessID, &t.TaskID, &t.FromState, &t.ToState, &t.Attempt, &t.Detail, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transitions: %w", err)
	}
	return transitions, nil
}

// TaskAttempts returns the recorded transitions for one task within a
// process, useful for retry forensics.
func (db *DB) TaskAttempts(ctx context.Context, processID, taskID string) ([]Transition, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT id, process_id, task_id, from_state, to_state, attempt, COALESCE(detail, ''), occurred_at
		FROM task_history
		WHERE process_id = $1 AND task_id = $2
		ORDER BY occurred_at ASC, id ASC
	`, processID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task attempts: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.ProcessID, &t.TaskID, &t.FromState, &t.ToState, &t.Attempt, &t.Detail, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task attempts: %w", err)
	}
	return transitions, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
