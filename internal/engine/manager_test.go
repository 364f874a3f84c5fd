package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dag"
	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// newTestManager wires a manager over an in-memory queue and dedup store,
// with millisecond backoff so retry paths do not slow tests down.
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	q := queue.New()
	t.Cleanup(q.Stop)

	registry := dedup.NewRegistry(dedup.NewMemoryStore(), func() int { return 1 })
	retries := retry.NewManager(retry.Policy{
		MaxAttempts:    3,
		BackoffBase:    1 * time.Millisecond,
		BackoffCeiling: 5 * time.Millisecond,
	})
	return NewManager(q, nil, registry, retries)
}

func pipelineDefinition() *ProcessDefinition {
	return &ProcessDefinition{
		Name: "crawl-pipeline",
		Tasks: []TaskDefinition{
			{ID: "fetch", Config: TaskConfig{Type: "http_fetch", HTTPFetch: &HTTPFetchConfig{URL: "https://example.com"}}},
			{ID: "parse", DependsOn: []string{"fetch"}, Config: TaskConfig{Type: "transform", Transform: &TransformConfig{Pick: []string{"status_code"}}}},
			{ID: "save", DependsOn: []string{"parse"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "pages"}}},
		},
	}
}

func TestCreateProcessResolvesBatches(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name: "diamond",
		Tasks: []TaskDefinition{
			{ID: "a", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "b", DependsOn: []string{"a"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "c", DependsOn: []string{"a"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "d", DependsOn: []string{"b", "c"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 5)
	require.NoError(t, err)
	require.NotNil(t, instance)

	assert.Equal(t, ProcessStatusPending, instance.Status)
	require.Len(t, instance.Batches, 3)
	assert.Equal(t, []string{"a"}, instance.Batches[0])
	assert.ElementsMatch(t, []string{"b", "c"}, instance.Batches[1])
	assert.Equal(t, []string{"d"}, instance.Batches[2])

	// Only the first batch is ready; dependents wait for promotion.
	assert.Equal(t, TaskStatusReady, instance.Tasks["a"].Status)
	assert.Equal(t, TaskStatusPending, instance.Tasks["b"].Status)
	assert.Equal(t, TaskStatusPending, instance.Tasks["d"].Status)

	counts, err := m.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[queue.StateReady])
	assert.Equal(t, 3, counts[queue.StatePending])
}

func TestCreateProcessRejectsCycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name: "cyclic",
		Tasks: []TaskDefinition{
			{ID: "a", DependsOn: []string{"c"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "b", DependsOn: []string{"a"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "c", DependsOn: []string{"b"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 0)
	require.Error(t, err)
	assert.Nil(t, instance)

	var cycleErr *dag.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Nodes)

	// Rejection leaves no trace: no instance, no queue entries.
	assert.Empty(t, m.ListProcesses(""))
	counts, err := m.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCreateProcessRejectsInvalidDefinition(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateProcess(context.Background(), &ProcessDefinition{Name: "empty"}, 0)
	require.Error(t, err)

	var valErr *dag.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestSubmitTargetNormalisesAndDeduplicates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, queued, err := m.SubmitTarget(ctx, "http://www.example.com/page/", 2, nil)
	require.NoError(t, err)
	require.True(t, queued)
	assert.Equal(t, "https://example.com/page", sub.URL)
	assert.NotEmpty(t, sub.Identity)

	// A variant of the same URL collapses to a live duplicate.
	dup, queued, err := m.SubmitTarget(ctx, "https://example.com/page", 2, nil)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Nil(t, dup)
}

func TestSubmitTargetSkipsProcessedIdentity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, queued, err := m.SubmitTarget(ctx, "https://example.com/done", 1, nil)
	require.NoError(t, err)
	require.True(t, queued)

	// Simulate a completed crawl: entry finished and outcome recorded at the
	// current schema version.
	entry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, m.Queue().Complete(ctx, entry.ID, queue.StateCompleted))
	require.NoError(t, m.Dedup().RecordOutcome(ctx, sub.Identity, sub.URL, dedup.OutcomeSuccess, 1))

	_, queued, err = m.SubmitTarget(ctx, "https://example.com/done", 1, nil)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestResubmitTargetBypassesDedupGate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, queued, err := m.SubmitTarget(ctx, "https://example.com/stale", 1, nil)
	require.NoError(t, err)
	require.True(t, queued)

	entry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Queue().Complete(ctx, entry.ID, queue.StateCompleted))
	require.NoError(t, m.Dedup().RecordOutcome(ctx, sub.Identity, sub.URL, dedup.OutcomeSuccess, 1))

	// The normal gate refuses, the sweeper path does not.
	_, queued, err = m.SubmitTarget(ctx, "https://example.com/stale", 1, nil)
	require.NoError(t, err)
	require.False(t, queued)

	requeued, err := m.ResubmitTarget(ctx, "https://example.com/stale", 1)
	require.NoError(t, err)
	assert.True(t, requeued)

	// But a live in-queue duplicate is still rejected.
	requeued, err = m.ResubmitTarget(ctx, "https://example.com/stale", 1)
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestTaskCompletionPromotesNextBatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	fetchEntry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, fetchEntry)
	assert.Equal(t, "fetch", fetchEntry.TaskID)

	require.NoError(t, m.Queue().Complete(ctx, fetchEntry.ID, queue.StateCompleted))
	m.OnTaskTerminal(ctx, fetchEntry.ID, TaskStatusCompleted, map[string]any{"status_code": 200}, "")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Tasks["fetch"].Status)
	assert.Equal(t, TaskStatusReady, got.Tasks["parse"].Status)
	assert.Equal(t, TaskStatusPending, got.Tasks["save"].Status)

	parseEntry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, parseEntry)
	assert.Equal(t, "parse", parseEntry.TaskID)
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	fetchEntry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, fetchEntry)
	require.Equal(t, "fetch", fetchEntry.TaskID)

	require.NoError(t, m.Queue().Complete(ctx, fetchEntry.ID, queue.StateFailed))
	m.OnTaskTerminal(ctx, fetchEntry.ID, TaskStatusFailed, nil, "upstream gone")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Tasks["fetch"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["parse"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["save"].Status)
	assert.Equal(t, ProcessStatusFailed, got.Status)

	// Nothing downstream of the failure is ever handed to a worker.
	next, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDeadLetteredDependencyBlocksDependents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	fetchEntry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, fetchEntry)

	require.NoError(t, m.Queue().Complete(ctx, fetchEntry.ID, queue.StateDeadLettered))
	m.OnTaskTerminal(ctx, fetchEntry.ID, TaskStatusDeadLettered, nil, "attempts exhausted")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["parse"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["save"].Status)
	assert.Equal(t, ProcessStatusFailed, got.Status)

	next, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFailedTaskBlocksOnlyItsOwnDependents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name: "partial",
		Tasks: []TaskDefinition{
			{ID: "a", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "b", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "c", DependsOn: []string{"b"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	entries := make(map[string]string, 2)
	for i := 0; i < 2; i++ {
		entry, err := m.Queue().Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		entries[entry.TaskID] = entry.ID
	}

	require.NoError(t, m.Queue().Complete(ctx, entries["a"], queue.StateFailed))
	m.OnTaskTerminal(ctx, entries["a"], TaskStatusFailed, nil, "boom")
	require.NoError(t, m.Queue().Complete(ctx, entries["b"], queue.StateCompleted))
	m.OnTaskTerminal(ctx, entries["b"], TaskStatusCompleted, map[string]any{"stored": true}, "")

	// The branch below the healthy dependency still runs.
	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReady, got.Tasks["c"].Status)

	cEntry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, cEntry)
	require.Equal(t, "c", cEntry.TaskID)
	require.NoError(t, m.Queue().Complete(ctx, cEntry.ID, queue.StateCompleted))
	m.OnTaskTerminal(ctx, cEntry.ID, TaskStatusCompleted, map[string]any{"stored": true}, "")

	got, err = m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusFailed, got.Status)
	assert.Equal(t, TaskStatusCompleted, got.Tasks["c"].Status)
}

func TestProcessSettlesCompleted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	for _, taskID := range []string{"fetch", "parse", "save"} {
		entry, err := m.Queue().Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry, "expected %s to be dequeuable", taskID)
		require.Equal(t, taskID, entry.TaskID)
		require.NoError(t, m.Queue().Complete(ctx, entry.ID, queue.StateCompleted))
		m.OnTaskTerminal(ctx, entry.ID, TaskStatusCompleted, map[string]any{"status_code": 200}, "")
	}

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	progress := Progress(got.Tasks)
	assert.Equal(t, 3, progress.Completed)
	assert.InDelta(t, 100.0, progress.Percent, 0.01)
}

func TestCancelProcessIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	require.NoError(t, m.CancelProcess(ctx, instance.ID))

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusCancelled, got.Status)
	for _, task := range got.Tasks {
		assert.Equal(t, TaskStatusCancelled, task.Status)
	}

	// Second cancel is a no-op, not an error.
	require.NoError(t, m.CancelProcess(ctx, instance.ID))

	// Nothing dequeuable remains.
	entry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.Error(t, m.CancelProcess(ctx, "no-such-process"))
}

func TestEvaluateCondition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name: "conditional",
		Tasks: []TaskDefinition{
			{ID: "probe", Config: TaskConfig{Type: "http_fetch", HTTPFetch: &HTTPFetchConfig{URL: "https://example.com"}}},
			{ID: "archive", DependsOn: []string{"probe"},
				Condition: &Condition{TaskID: "probe", OutputKey: "status_code", Equals: "200"},
				Config:    TaskConfig{Type: "store", Store: &StoreConfig{Collection: "pages"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	probeEntry := instance.Tasks["probe"].ID
	archiveDef := def.Task("archive")

	// No probe output yet: the predicate cannot hold.
	assert.False(t, m.EvaluateCondition(instance.ID, archiveDef))

	m.OnTaskTerminal(ctx, probeEntry, TaskStatusCompleted, map[string]any{"status_code": 200}, "")
	assert.True(t, m.EvaluateCondition(instance.ID, archiveDef))

	// Unconditional tasks always run.
	assert.True(t, m.EvaluateCondition(instance.ID, def.Task("probe")))
}

func TestFailFastGroupCancelsSiblings(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name:          "grouped",
		GroupPolicies: map[string]GroupPolicy{"mirrors": GroupFailFast},
		Tasks: []TaskDefinition{
			{ID: "mirror-a", ParallelGroup: "mirrors", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "mirror-b", ParallelGroup: "mirrors", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "mirror-c", ParallelGroup: "mirrors", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	// mirror-a fails terminally; fail-fast cancels the not-yet-running rest.
	entryA := instance.Tasks["mirror-a"].ID
	require.NoError(t, m.Queue().Complete(ctx, entryA, queue.StateFailed))
	m.OnTaskTerminal(ctx, entryA, TaskStatusFailed, nil, "store rejected payload")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Tasks["mirror-a"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["mirror-b"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["mirror-c"].Status)
	assert.Equal(t, ProcessStatusFailed, got.Status)
}

func TestBestEffortGroupLeavesSiblingsAlone(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := &ProcessDefinition{
		Name: "grouped",
		Tasks: []TaskDefinition{
			{ID: "mirror-a", ParallelGroup: "mirrors", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
			{ID: "mirror-b", ParallelGroup: "mirrors", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	entryA := instance.Tasks["mirror-a"].ID
	require.NoError(t, m.Queue().Complete(ctx, entryA, queue.StateFailed))
	m.OnTaskTerminal(ctx, entryA, TaskStatusFailed, nil, "store rejected payload")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReady, got.Tasks["mirror-b"].Status)
	assert.Equal(t, ProcessStatusPending, got.Status)
}

func TestFailProcessCancelsRemainingWork(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	m.FailProcess(ctx, instance.ID, "fetch hit a poisoned response")

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusFailed, got.Status)
	assert.Equal(t, "fetch hit a poisoned response", got.ErrorMessage)
	for _, task := range got.Tasks {
		assert.Equal(t, TaskStatusCancelled, task.Status)
	}

	// FailProcess on a settled instance changes nothing.
	m.FailProcess(ctx, instance.ID, "second reason")
	got, err = m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "fetch hit a poisoned response", got.ErrorMessage)
}

func TestListProcessesFiltersByStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)
	second, err := m.CreateProcess(ctx, &ProcessDefinition{
		Name:  "single",
		Tasks: []TaskDefinition{{ID: "only", Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}}},
	}, 1)
	require.NoError(t, err)

	require.NoError(t, m.CancelProcess(ctx, first.ID))

	all := m.ListProcesses("")
	assert.Len(t, all, 2)

	cancelled := m.ListProcesses(ProcessStatusCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, first.ID, cancelled[0].ID)

	pending := m.ListProcesses(ProcessStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestGetProcessReturnsIsolatedCopy(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	instance, err := m.CreateProcess(ctx, pipelineDefinition(), 1)
	require.NoError(t, err)

	snapshot, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	snapshot.Tasks["fetch"].Status = TaskStatusFailed

	fresh, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReady, fresh.Tasks["fetch"].Status)

	_, err = m.GetProcess("missing")
	assert.Error(t, err)
}
