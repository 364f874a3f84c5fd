package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

func TestSweepRequeuesStaleTargets(t *testing.T) {
	q := queue.New()
	t.Cleanup(q.Stop)

	store := dedup.NewMemoryStore()
	registry := dedup.NewRegistry(store, func() int { return 1 })
	m := NewManager(q, nil, registry, retry.NewManager(retry.DefaultPolicy()))
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Upsert(ctx, &dedup.Record{
		Identity:      dedup.Identity("https://example.com/old"),
		Target:        "https://example.com/old",
		LastProcessed: old,
		SchemaVersion: 1,
		Outcome:       dedup.OutcomeSuccess,
	}))
	// Content-hash identity with no resubmittable target.
	require.NoError(t, store.Upsert(ctx, &dedup.Record{
		Identity:      dedup.ContentIdentity([]byte("payload")),
		LastProcessed: old,
		SchemaVersion: 1,
		Outcome:       dedup.OutcomeSuccess,
	}))
	// Fresh record, not due yet.
	require.NoError(t, store.Upsert(ctx, &dedup.Record{
		Identity:      dedup.Identity("https://example.com/fresh"),
		Target:        "https://example.com/fresh",
		LastProcessed: time.Now().UTC(),
		SchemaVersion: 1,
		Outcome:       dedup.OutcomeSuccess,
	}))

	sweeper := NewSweeper(m, WithRecrawlAge(24*time.Hour), WithSweepPriority(2))
	requeued := sweeper.Sweep(ctx)
	assert.Equal(t, 1, requeued)

	entry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, queue.KindTarget, entry.Kind)
	assert.Equal(t, dedup.Identity("https://example.com/old"), entry.Identity)
	assert.Equal(t, 2, entry.Priority)

	// Nothing else is due.
	entry, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSweepIsIdempotentWhileEntryInFlight(t *testing.T) {
	q := queue.New()
	t.Cleanup(q.Stop)

	store := dedup.NewMemoryStore()
	registry := dedup.NewRegistry(store, func() int { return 1 })
	m := NewManager(q, nil, registry, retry.NewManager(retry.DefaultPolicy()))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &dedup.Record{
		Identity:      dedup.Identity("https://example.com/old"),
		Target:        "https://example.com/old",
		LastProcessed: time.Now().UTC().Add(-48 * time.Hour),
		SchemaVersion: 1,
		Outcome:       dedup.OutcomeSuccess,
	}))

	sweeper := NewSweeper(m, WithRecrawlAge(24*time.Hour))
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	// The live queue entry blocks a second resubmission of the same identity.
	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

func TestSchemaVersionBumpMakesRecordsStale(t *testing.T) {
	q := queue.New()
	t.Cleanup(q.Stop)

	version := 1
	store := dedup.NewMemoryStore()
	registry := dedup.NewRegistry(store, func() int { return version })
	m := NewManager(q, nil, registry, retry.NewManager(retry.DefaultPolicy()))
	ctx := context.Background()

	// Recently processed at version 1: nothing to sweep.
	require.NoError(t, registry.RecordOutcome(ctx, dedup.Identity("https://example.com/page"),
		"https://example.com/page", dedup.OutcomeSuccess, 1))

	sweeper := NewSweeper(m, WithRecrawlAge(24*time.Hour))
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	// A schema bump makes every stored record stale regardless of age.
	version = 2
	assert.Equal(t, 1, sweeper.Sweep(ctx))
}
