// Package dedup tracks which target identities have already been processed
// and gates whether new work is needed. At most one record exists per
// canonical identity; records are updated, never duplicated.
package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome records how the most recent processing of an identity ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Record is the stored state for one canonical identity.
type Record struct {
	Identity string `json:"identity"`
	// Target is the normalised target the identity was derived from, kept so
	// the re-crawl sweeper can re-enqueue stale records.
	Target        string    `json:"target,omitempty"`
	LastProcessed time.Time `json:"last_processed"`
	SchemaVersion int       `json:"schema_version"`
	Outcome       Outcome   `json:"outcome"`
	// ProcessCount counts how many times this identity has been processed,
	// across schema versions.
	ProcessCount int `json:"process_count"`
}

// Store persists dedup records keyed by identity.
type Store interface {
	Get(ctx context.Context, identity string) (*Record, bool, error)
	Upsert(ctx context.Context, rec *Record) error
	// ListStale returns identities last processed before cutoff or stored
	// under a schema version below current, for the re-crawl sweeper.
	ListStale(ctx context.Context, cutoff time.Time, currentVersion int, limit int) ([]Record, error)
}

// VersionSource supplies the current schema version at decision time. A
// version bump forces systematic re-processing of every stored identity.
type VersionSource func() int

const lockStripes = 64

// Registry gates work admission on dedup state. Concurrent calls for the
// same identity serialise on a striped per-identity lock so counters and
// last-seen timestamps never interleave into lost updates.
type Registry struct {
	store   Store
	version VersionSource

	locks [lockStripes]sync.Mutex
}

// NewRegistry creates a registry over the given store and version source.
func NewRegistry(store Store, version VersionSource) *Registry {
	if version == nil {
		version = func() int { return 1 }
	}
	return &Registry{store: store, version: version}
}

func (r *Registry) lock(identity string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &r.locks[h.Sum32()%lockStripes]
}

// ShouldProcess reports whether the identity needs processing. A target is
// skipped only when a record exists AND its stored schema version is at
// least the current one; anything older needs re-processing.
func (r *Registry) ShouldProcess(ctx context.Context, identity string) (bool, error) {
	mu := r.lock(identity)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := r.store.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}

	current := r.version()
	if rec.SchemaVersion >= current {
		log.Debug().
			Str("identity", identity).
			Int("stored_version", rec.SchemaVersion).
			Int("current_version", current).
			Msg("Identity already processed, skipping")
		return false, nil
	}
	return true, nil
}

// RecordOutcome upserts the record for identity after processing. The
// update is serialised per identity.
func (r *Registry) RecordOutcome(ctx context.Context, identity, target string, outcome Outcome, schemaVersion int) error {
	mu := r.lock(identity)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := r.store.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !found {
		rec = &Record{Identity: identity}
	}

	if target != "" {
		rec.Target = target
	}
	rec.LastProcessed = time.Now().UTC()
	rec.SchemaVersion = schemaVersion
	rec.Outcome = outcome
	rec.ProcessCount++

	return r.store.Upsert(ctx, rec)
}

// Stale lists records due for re-processing, either because they predate
// cutoff or were stored under an older schema version.
func (r *Registry) Stale(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	return r.store.ListStale(ctx, cutoff, r.version(), limit)
}

// SchemaVersion returns the current schema version from the configuration
// source.
func (r *Registry) SchemaVersion() int {
	return r.version()
}
