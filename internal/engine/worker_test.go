package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/resource"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// fastRetry keeps backoff waits at millisecond scale so failing paths finish
// within the test deadline.
var fastRetry = &RetryPolicy{MaxAttempts: 3, BackoffBaseMS: 1, BackoffCeilingMS: 2}

func startTestPool(t *testing.T, m *Manager, registry *ExecutorRegistry, monitor *resource.Monitor) *WorkerPool {
	t.Helper()

	if monitor == nil {
		monitor = resource.NewMonitor(resource.DefaultThresholds())
	}
	wp := NewWorkerPool(m, monitor, registry, 2)
	wp.Start(context.Background())
	t.Cleanup(wp.Stop)
	return wp
}

func TestWorkerPoolRunsPipelineThroughTransientFailures(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var fetchCalls atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("flaky_fetch", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		if fetchCalls.Add(1) <= 2 {
			return nil, retry.Transient(errors.New("connection reset"))
		}
		return map[string]any{"status_code": 200, "content_length": 512}, nil
	}))
	require.NoError(t, registry.Register("transform", transformExecutor))
	require.NoError(t, registry.Register("store", storeExecutor))

	def := &ProcessDefinition{
		Name: "crawl-pipeline",
		Tasks: []TaskDefinition{
			{ID: "fetch", Retry: fastRetry, Config: TaskConfig{Type: "flaky_fetch"}},
			{ID: "parse", DependsOn: []string{"fetch"}, Config: TaskConfig{Type: "transform", Transform: &TransformConfig{Pick: []string{"status_code"}}}},
			{ID: "save", DependsOn: []string{"parse"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "pages"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusCompleted, got.Status)
	assert.Equal(t, int32(3), fetchCalls.Load())
	assert.Equal(t, 3, got.Tasks["fetch"].Attempts)
	assert.Equal(t, TaskStatusCompleted, got.Tasks["fetch"].Status)
	assert.Equal(t, TaskStatusCompleted, got.Tasks["parse"].Status)
	assert.Equal(t, map[string]any{"status_code": 200}, got.Tasks["parse"].Output)
	assert.Equal(t, true, got.Tasks["save"].Output["stored"])
}

func TestWorkerPoolDeadLettersExhaustedTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("broken", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, retry.Transient(errors.New("upstream unavailable"))
	}))

	def := &ProcessDefinition{
		Name: "doomed",
		Tasks: []TaskDefinition{
			{ID: "only", Retry: &RetryPolicy{MaxAttempts: 2, BackoffBaseMS: 1, BackoffCeilingMS: 2}, Config: TaskConfig{Type: "broken"}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusFailed, got.Status)
	assert.Equal(t, TaskStatusDeadLettered, got.Tasks["only"].Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, got.Tasks["only"].Error, "upstream unavailable")
}

func TestWorkerPoolPermanentErrorSkipsRetry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("reject", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, retry.Permanent(errors.New("malformed target"))
	}))

	def := &ProcessDefinition{
		Name:  "rejected",
		Tasks: []TaskDefinition{{ID: "only", Retry: fastRetry, Config: TaskConfig{Type: "reject"}}},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusFailed, got.Status)
	assert.Equal(t, TaskStatusFailed, got.Tasks["only"].Status)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors must not retry")
}

func TestWorkerPoolFatalErrorFailsProcess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("boom", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		return nil, retry.Fatal(errors.New("credential revoked"))
	}))
	require.NoError(t, registry.Register("store", storeExecutor))

	def := &ProcessDefinition{
		Name: "fatal",
		Tasks: []TaskDefinition{
			{ID: "boom", Config: TaskConfig{Type: "boom"}},
			{ID: "later", DependsOn: []string{"boom"}, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "failed fatally")
	assert.Equal(t, TaskStatusFailed, got.Tasks["boom"].Status)
	assert.Equal(t, TaskStatusCancelled, got.Tasks["later"].Status)
}

func TestWorkerPoolSkipsTaskWhenConditionFalse(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var archiveCalls atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("probe", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		return map[string]any{"status_code": 404}, nil
	}))
	require.NoError(t, registry.Register("archive", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		archiveCalls.Add(1)
		return map[string]any{}, nil
	}))

	def := &ProcessDefinition{
		Name: "conditional",
		Tasks: []TaskDefinition{
			{ID: "probe", Config: TaskConfig{Type: "probe"}},
			{ID: "archive", DependsOn: []string{"probe"},
				Condition: &Condition{TaskID: "probe", OutputKey: "status_code", Equals: "200"},
				Config:    TaskConfig{Type: "archive"}},
		},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	// Skipped tasks satisfy dependents and do not fail the process.
	assert.Equal(t, ProcessStatusCompleted, got.Status)
	assert.Equal(t, TaskStatusSkipped, got.Tasks["archive"].Status)
	assert.Equal(t, int32(0), archiveCalls.Load())
}

func TestWorkerPoolMissingExecutorFailsTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	registry := NewExecutorRegistry()

	def := &ProcessDefinition{
		Name:  "unregistered",
		Tasks: []TaskDefinition{{ID: "only", Config: TaskConfig{Type: "no_such_type"}}},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status == ProcessStatusFailed
	}, 10*time.Second, 10*time.Millisecond)

	got, err := m.GetProcess(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Tasks["only"].Status)
	assert.Contains(t, got.Tasks["only"].Error, "not found")
}

func TestWorkerPoolHonoursThrottle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("count", func(_ context.Context, _ *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	}))

	monitor := resource.NewMonitor(
		resource.Thresholds{CPUPercent: 50},
		resource.WithWindowSize(1),
		resource.WithRetryInterval(10*time.Millisecond),
	)
	monitor.Record(resource.Snapshot{CPUPercent: 95, Timestamp: time.Now()})

	def := &ProcessDefinition{
		Name:  "throttled",
		Tasks: []TaskDefinition{{ID: "only", Config: TaskConfig{Type: "count"}}},
	}

	instance, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	startTestPool(t, m, registry, monitor)

	// Under pressure nothing is dequeued.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	// Pressure clears, work drains.
	monitor.Record(resource.Snapshot{CPUPercent: 10, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		got, err := m.GetProcess(instance.ID)
		return err == nil && got.Status == ProcessStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecoverStaleEntriesReschedulesStuckTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("store", storeExecutor))

	def := &ProcessDefinition{
		Name:  "stuck",
		Tasks: []TaskDefinition{{ID: "only", TimeoutMS: 1, Retry: fastRetry, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}}},
	}

	_, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	// Simulate a worker that dequeued the entry and died.
	entry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)

	monitor := resource.NewMonitor(resource.DefaultThresholds())
	wp := NewWorkerPool(m, monitor, registry, 1)
	wp.staleTimeout = 0
	wp.staleMargin = 0
	time.Sleep(5 * time.Millisecond)
	wp.recoverStaleEntries(ctx)

	got, err := m.Queue().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateReady, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestRecoverStaleEntriesHonoursTaskTimeout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("store", storeExecutor))

	// A task allowed to run for ten minutes must not be recovered while a
	// worker could still legitimately be executing it.
	def := &ProcessDefinition{
		Name:  "slow",
		Tasks: []TaskDefinition{{ID: "only", TimeoutMS: 600000, Retry: fastRetry, Config: TaskConfig{Type: "store", Store: &StoreConfig{Collection: "c"}}}},
	}

	_, err := m.CreateProcess(ctx, def, 1)
	require.NoError(t, err)

	entry, err := m.Queue().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)

	monitor := resource.NewMonitor(resource.DefaultThresholds())
	wp := NewWorkerPool(m, monitor, registry, 1)
	wp.staleTimeout = 0
	wp.staleMargin = 0
	wp.recoverStaleEntries(ctx)

	got, err := m.Queue().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDequeued, got.State)
}

func TestWorkerPoolExecutesTarget(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var fetched atomic.Int32
	registry := NewExecutorRegistry()
	require.NoError(t, registry.Register("http_fetch", func(_ context.Context, def *TaskDefinition, _ map[string]map[string]any) (map[string]any, error) {
		fetched.Add(1)
		return map[string]any{"url": def.Config.HTTPFetch.URL, "status_code": 200}, nil
	}))

	sub, queued, err := m.SubmitTarget(ctx, "https://example.com/target", 1, nil)
	require.NoError(t, err)
	require.True(t, queued)

	startTestPool(t, m, registry, nil)

	require.Eventually(t, func() bool {
		entry, err := m.Queue().Get(ctx, sub.EntryID)
		return err == nil && entry.State == queue.StateCompleted
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fetched.Load())

	// The crawl outcome lands in the dedup registry, so a resubmission of the
	// same target is refused.
	require.Eventually(t, func() bool {
		ok, err := m.Dedup().ShouldProcess(ctx, sub.Identity)
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)
}
