package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
)

// DedupStore is the PostgreSQL-backed dedup.Store. Writes upsert via ON
// CONFLICT, keeping a single record per identity.
type DedupStore struct {
	db *DB
}

// NewDedupStore creates a dedup store over the shared connection.
func NewDedupStore(db *DB) *DedupStore {
	return &DedupStore{db: db}
}

// Get reads the record for identity.
func (s *DedupStore) Get(ctx context.Context, identity string) (*dedup.Record, bool, error) {
	var rec dedup.Record
	err := s.db.client.QueryRowContext(ctx, `
		SELECT identity, COALESCE(target, ''), last_processed, schema_version, outcome, process_count
		FROM dedup_records
		WHERE identity = $1
	`, identity).Scan(&rec.Identity, &rec.Target, &rec.LastProcessed, &rec.SchemaVersion, &rec.Outcome, &rec.ProcessCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get dedup record: %w", err)
	}
	return &rec, true, nil
}

// Upsert writes the record, replacing any previous one for its identity.
func (s *DedupStore) Upsert(ctx context.Context, rec *dedup.Record) error {
	_, err := s.db.client.ExecContext(ctx, `
		INSERT INTO dedup_records (identity, target, last_processed, schema_version, outcome, process_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity) DO UPDATE SET
			target = EXCLUDED.target,
			last_processed = EXCLUDED.last_processed,
			schema_version = EXCLUDED.schema_version,
			outcome = EXCLUDED.outcome,
			process_count = EXCLUDED.process_count
	`, rec.Identity, nullIfEmpty(rec.Target), rec.LastProcessed, rec.SchemaVersion, rec.Outcome, rec.ProcessCount)
	if err != nil {
		return fmt.Errorf("failed to upsert dedup record: %w", err)
	}
	return nil
}

// ListStale returns records last processed before cutoff or stored under an
// older schema version, oldest first.
func (s *DedupStore) ListStale(ctx context.Context, cutoff time.Time, currentVersion int, limit int) ([]dedup.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.client.QueryContext(ctx, `
		SELECT identity, COALESCE(target, ''), last_processed, schema_version, outcome, process_count
		FROM dedup_records
		WHERE last_processed < $1 OR schema_version < $2
		ORDER BY last_processed ASC
		LIMIT $3
	`, cutoff, currentVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale dedup records: %w", err)
	}
	defer rows.Close()

	var records []dedup.Record
	for rows.Next() {
		var rec dedup.Record
		if err := rows.Scan(&rec.Identity, &rec.Target, &rec.LastProcessed, &rec.SchemaVersion, &rec.Outcome, &rec.ProcessCount); err != nil {
			return nil, fmt.Errorf("failed to scan dedup record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dedup records: %w", err)
	}
	return records, nil
}
