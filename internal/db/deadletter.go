package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DeadLetter holds a task whose retries were exhausted, together with enough
// context to replay it later.
type DeadLetter struct {
	ID         string          `json:"id"`
	ProcessID  string          `json:"process_id"`
	TaskID     string          `json:"task_id"`
	Identity   string          `json:"identity,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

// ErrDeadLetterNotFound is returned when no dead letter exists for an id.
var ErrDeadLetterNotFound = fmt.Errorf("dead letter not found")

// InsertDeadLetter stores an exhausted task for later inspection or replay.
func (db *DB) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	span := sentry.StartSpan(ctx, "db.insert_dead_letter")
	defer span.Finish()

	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO dead_letters (id, process_id, task_id, identity, attempts, last_error, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, dl.ID, dl.ProcessID, dl.TaskID, nullIfEmpty(dl.Identity), dl.Attempts, dl.LastError, nullableJSON(dl.Payload), dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	log.Warn().
		Str("dead_letter_id", dl.ID).
		Str("process_id", dl.ProcessID).
		Str("task_id", dl.TaskID).
		Int("attempts", dl.Attempts).
		Msg("Task dead-lettered after exhausting retries")

	return nil
}

// GetDeadLetter fetches a single dead letter by id.
func (db *DB) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row := db.client.QueryRowContext(ctx, `
		SELECT id, process_id, task_id, COALESCE(identity, ''), attempts, last_error, payload, created_at, replayed_at
		FROM dead_letters
		WHERE id = $1
	`, id)

	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters, most recent first. When unreplayedOnly
// is set, letters that have already been replayed are excluded.
func (db *DB) ListDeadLetters(ctx context.Context, unreplayedOnly bool, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, process_id, task_id, COALESCE(identity, ''), attempts, last_error, payload, created_at, replayed_at
		FROM dead_letters
	`
	if unreplayedOnly {
		query += ` WHERE replayed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := db.client.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return letters, nil
}

// MarkReplayed stamps a dead letter as replayed. Replaying twice is refused
// so a letter re-enters the queue at most once.
func (db *DB) MarkReplayed(ctx context.Context, id string) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE dead_letters
		SET replayed_at = NOW()
		WHERE id = $1 AND replayed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check replay result: %w", err)
	}
	if affected == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var payload []byte
	var replayedAt sql.NullTime

	err := row.Scan(&dl.ID, &dl.ProcessID, &dl.TaskID, &dl.Identity, &dl.Attempts, &dl.LastError, &payload, &dl.CreatedAt, &replayedAt)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		dl.Payload = json.RawMessage(payload)
	}
	if replayedAt.Valid {
		dl.ReplayedAt = &replayedAt.Time
	}
	return &dl, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
