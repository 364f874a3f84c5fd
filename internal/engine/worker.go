package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Harvey-AU/green-carpenter-bee/internal/db"
	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/observability"
	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/resource"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// WorkerPool manages a fixed pool of workers pulling entries from the
// scheduler queue. Workers block only while waiting on dequeue or admission;
// execution itself is delegated to the executor registry.
type WorkerPool struct {
	manager   *Manager
	monitor   *resource.Monitor
	executors *ExecutorRegistry

	numWorkers       int
	recoveryInterval time.Duration
	staleTimeout     time.Duration
	// staleMargin pads a task's own timeout before the recovery monitor
	// treats its dequeued entry as abandoned.
	staleMargin time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool

	semsMu sync.Mutex
	// groupSems bounds concurrency per process+parallel group.
	groupSems map[string]*semaphore.Weighted
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(manager *Manager, monitor *resource.Monitor, executors *ExecutorRegistry, numWorkers int) *WorkerPool {
	if manager == nil {
		panic("manager is required")
	}
	if monitor == nil {
		panic("resource monitor is required")
	}
	if executors == nil {
		panic("executor registry is required")
	}
	if numWorkers < 1 {
		panic("numWorkers must be at least 1")
	}

	return &WorkerPool{
		manager:          manager,
		monitor:          monitor,
		executors:        executors,
		numWorkers:       numWorkers,
		recoveryInterval: 1 * time.Minute,
		staleTimeout:     TaskStaleTimeout,
		staleMargin:      1 * time.Minute,
		stopCh:           make(chan struct{}),
		groupSems:        make(map[string]*semaphore.Weighted),
	}
}

// Start starts the worker pool and the stale-entry recovery monitor.
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().Int("workers", wp.numWorkers).Msg("Starting worker pool")

	wp.wg.Add(wp.numWorkers)
	for i := 0; i < wp.numWorkers; i++ {
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.recoveryMonitor(ctx)
}

// Stop stops the worker pool and waits for in-flight work to finish.
func (wp *WorkerPool) Stop() {
	wp.stopping.Store(true)
	log.Debug().Msg("Stopping worker pool")
	close(wp.stopCh)
	wp.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// worker pulls and executes entries until stopped.
func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	log.Debug().Int("worker_id", workerID).Msg("Starting worker")

	consecutiveIdle := 0
	baseSleep := 200 * time.Millisecond
	maxSleep := 30 * time.Second
	q := wp.manager.Queue()

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Admission gate: wait out resource pressure without dequeuing.
		if throttled, reason := wp.monitor.Throttled(); throttled {
			observability.RecordThrottleDeferral(ctx, reason)
			log.Debug().
				Int("worker_id", workerID).
				Str("reason", reason).
				Msg("Throttled, deferring dequeue")
			if !wp.sleep(wp.monitor.RetryInterval()) {
				return
			}
			continue
		}

		entry, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrStopped) || errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			if !wp.sleep(baseSleep) {
				return
			}
			continue
		}

		if entry == nil {
			consecutiveIdle++
			sleepTime := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(min(consecutiveIdle, 10))))
			if sleepTime > maxSleep {
				sleepTime = maxSleep
			}
			select {
			case <-wp.stopCh:
				return
			case <-ctx.Done():
				return
			case <-q.Notify():
				consecutiveIdle = 0
			case <-time.After(sleepTime):
			}
			continue
		}

		consecutiveIdle = 0
		wp.execute(ctx, entry)
	}
}

// sleep waits d unless the pool is stopping. Returns false on stop.
func (wp *WorkerPool) sleep(d time.Duration) bool {
	select {
	case <-wp.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// execute runs one dequeued entry end to end.
func (wp *WorkerPool) execute(ctx context.Context, entry *queue.Entry) {
	wp.monitor.Acquire()
	defer wp.monitor.Release()

	sentrySpan := sentry.StartSpan(ctx, "worker.execute_entry")
	sentrySpan.SetTag("entry_kind", string(entry.Kind))
	defer sentrySpan.Finish()

	ctx, span := observability.StartEntrySpan(ctx, observability.EntrySpanInfo{
		ProcessID: entry.ProcessID,
		TaskID:    entry.TaskID,
		EntryKind: string(entry.Kind),
		Attempt:   entry.Attempts + 1,
	})
	defer span.End()

	start := time.Now()
	switch entry.Kind {
	case queue.KindTarget:
		wp.executeTarget(ctx, entry)
	default:
		wp.executeTask(ctx, entry)
	}

	outcome := "unknown"
	if current, err := wp.manager.Queue().Get(ctx, entry.ID); err == nil {
		outcome = string(current.State)
	}
	observability.RecordEntry(ctx, observability.EntryMetrics{
		ProcessID: entry.ProcessID,
		EntryKind: string(entry.Kind),
		Outcome:   outcome,
		Duration:  time.Since(start),
	})
}

// executeTask runs one process task attempt.
func (wp *WorkerPool) executeTask(ctx context.Context, entry *queue.Entry) {
	q := wp.manager.Queue()
	def, processID, ok := wp.manager.TaskDefinitionFor(entry.ID)
	if !ok || def == nil {
		// Orphaned entry; its process is gone.
		q.Complete(ctx, entry.ID, queue.StateCancelled)
		return
	}

	attempt := entry.Attempts + 1

	// Conditional tasks whose predicate is false are skipped, terminal and
	// satisfying for dependents.
	if !wp.manager.EvaluateCondition(processID, def) {
		log.Info().
			Str("process_id", processID).
			Str("task_id", def.ID).
			Msg("Run condition false, skipping task")
		if err := q.Complete(ctx, entry.ID, queue.StateSkipped); err == nil {
			wp.manager.OnTaskTerminal(ctx, entry.ID, TaskStatusSkipped, nil, "")
		}
		return
	}

	if def.ParallelGroup != "" {
		if sem := wp.groupSemaphore(processID, def); sem != nil {
			// Bound the wait so a contended group cannot hold the entry
			// dequeued past its stale threshold.
			acquireCtx, cancelAcquire := context.WithTimeout(ctx, def.Timeout())
			err := sem.Acquire(acquireCtx, 1)
			cancelAcquire()
			if err != nil {
				// Hand the entry back untouched; no attempt was made.
				q.Reschedule(ctx, entry.ID, time.Now(), "no group slot available")
				return
			}
			defer sem.Release(1)
		}
	}

	wp.manager.OnTaskStarted(ctx, entry.ID, attempt)

	executor, err := wp.executors.Get(def.Config.Type)
	if err != nil {
		wp.handleFailure(ctx, entry, def, attempt, retry.Permanent(err))
		return
	}

	inputs := wp.manager.DependencyOutputs(processID, def)

	taskCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	output, execErr := executor(taskCtx, def, inputs)
	cancel()

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) && def.TimeoutIsPermanent {
			execErr = retry.Permanent(fmt.Errorf("task %q timed out: %w", def.ID, execErr))
		}
		wp.handleFailure(ctx, entry, def, attempt, execErr)
		return
	}

	if err := q.Complete(ctx, entry.ID, queue.StateCompleted); err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to complete entry")
		return
	}
	wp.manager.OnTaskTerminal(ctx, entry.ID, TaskStatusCompleted, output, "")
}

// executeTarget fetches a raw crawl target and records the dedup outcome.
func (wp *WorkerPool) executeTarget(ctx context.Context, entry *queue.Entry) {
	q := wp.manager.Queue()
	sub, ok := wp.manager.Target(entry.ID)
	if !ok {
		q.Complete(ctx, entry.ID, queue.StateCancelled)
		return
	}

	executor, err := wp.executors.Get("http_fetch")
	if err != nil {
		q.Complete(ctx, entry.ID, queue.StateFailed)
		return
	}

	def := &TaskDefinition{
		ID:     "target",
		Config: TaskConfig{Type: "http_fetch", HTTPFetch: &HTTPFetchConfig{URL: sub.URL}},
	}

	attempt := entry.Attempts + 1
	taskCtx, cancel := context.WithTimeout(ctx, DefaultTaskTimeout)
	output, execErr := executor(taskCtx, def, nil)
	cancel()

	registry := wp.manager.Dedup()
	version := registry.SchemaVersion()

	if execErr == nil {
		if err := q.Complete(ctx, entry.ID, queue.StateCompleted); err == nil {
			if err := registry.RecordOutcome(ctx, sub.Identity, sub.URL, dedup.OutcomeSuccess, version); err != nil {
				log.Error().Err(err).Str("identity", sub.Identity).Msg("Failed to record dedup outcome")
			}
		}
		log.Info().
			Str("url", sub.URL).
			Int("attempt", attempt).
			Interface("output", output).
			Msg("Crawled target")
		return
	}

	action := wp.manager.Retries().OnFailure(attempt, nil, execErr)
	switch action.Kind {
	case retry.ActionRetry:
		q.Reschedule(ctx, entry.ID, action.NextEligible, execErr.Error())
	default:
		if err := q.Complete(ctx, entry.ID, queue.StateDeadLettered); err == nil {
			wp.deadLetter(ctx, entry, sub, attempt, execErr)
			if err := registry.RecordOutcome(ctx, sub.Identity, sub.URL, dedup.OutcomeFailure, version); err != nil {
				log.Error().Err(err).Str("identity", sub.Identity).Msg("Failed to record dedup outcome")
			}
		}
	}
}

// handleFailure routes one failed task attempt through the retry manager.
func (wp *WorkerPool) handleFailure(ctx context.Context, entry *queue.Entry, def *TaskDefinition, attempt int, execErr error) {
	q := wp.manager.Queue()
	action := wp.manager.Retries().OnFailure(attempt, retryPolicy(def), execErr)

	log.Warn().
		Str("entry_id", entry.ID).
		Str("task_id", def.ID).
		Int("attempt", attempt).
		Str("action", action.Kind.String()).
		Err(execErr).
		Msg("Task attempt failed")

	switch action.Kind {
	case retry.ActionRetry:
		if err := q.Reschedule(ctx, entry.ID, action.NextEligible, execErr.Error()); err == nil {
			wp.manager.OnTaskRetry(ctx, entry.ID, attempt, execErr.Error())
		}
	case retry.ActionDeadLetter:
		if err := q.Complete(ctx, entry.ID, queue.StateDeadLettered); err == nil {
			wp.deadLetter(ctx, entry, nil, attempt, execErr)
			wp.manager.OnTaskTerminal(ctx, entry.ID, TaskStatusDeadLettered, nil, execErr.Error())
		}
	case retry.ActionFail:
		if err := q.Complete(ctx, entry.ID, queue.StateFailed); err == nil {
			wp.manager.OnTaskTerminal(ctx, entry.ID, TaskStatusFailed, nil, execErr.Error())
		}
	case retry.ActionFatal:
		if err := q.Complete(ctx, entry.ID, queue.StateFailed); err == nil {
			wp.manager.OnTaskTerminal(ctx, entry.ID, TaskStatusFailed, nil, execErr.Error())
		}
		wp.manager.FailProcess(ctx, entry.ProcessID, fmt.Sprintf("task %q failed fatally: %v", def.ID, execErr))
	}
}

// deadLetter persists an exhausted entry for triage and replay.
func (wp *WorkerPool) deadLetter(ctx context.Context, entry *queue.Entry, sub *TargetSubmission, attempts int, execErr error) {
	store := wp.manager.Store()
	if store == nil {
		return
	}

	dl := &db.DeadLetter{
		ID:        uuid.New().String(),
		ProcessID: entry.ProcessID,
		TaskID:    entry.TaskID,
		Attempts:  attempts,
		LastError: execErr.Error(),
	}
	if sub != nil {
		dl.Identity = sub.Identity
		dl.TaskID = "target"
		payload, err := json.Marshal(sub)
		if err == nil {
			dl.Payload = payload
		}
	}

	if err := store.InsertDeadLetter(ctx, dl); err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to persist dead letter")
	}
}

// recoveryMonitor reschedules entries stuck in the dequeued state past the
// stale timeout, treating them as transient failures.
func (wp *WorkerPool) recoveryMonitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.recoverStaleEntries(ctx)
		}
	}
}

// recoverStaleEntries hands long-dequeued entries back to the retry manager.
// A task entry is abandoned only once it has been out longer than its own
// execution timeout (doubled for grouped tasks, which may first wait for a
// slot) plus the margin, so a legitimately long-running task is never handed
// to a second worker while the first still executes it.
func (wp *WorkerPool) recoverStaleEntries(ctx context.Context) {
	q := wp.manager.Queue()
	stale, err := q.StaleDequeued(ctx, wp.staleTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale entries")
		return
	}

	for i := range stale {
		entry := &stale[i]

		if entry.Kind == queue.KindTask {
			if def, _, ok := wp.manager.TaskDefinitionFor(entry.ID); ok && def != nil {
				threshold := wp.staleAfter(def)
				if time.Since(entry.DequeuedAt) < threshold {
					continue
				}
				staleErr := retry.Transient(fmt.Errorf("entry stuck in dequeued state for over %s", threshold))
				wp.handleFailure(ctx, entry, def, entry.Attempts+1, staleErr)
				continue
			}
		}

		staleErr := retry.Transient(fmt.Errorf("entry stuck in dequeued state for over %s", wp.staleTimeout))

		if err := q.Reschedule(ctx, entry.ID, time.Now(), staleErr.Error()); err != nil {
			log.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to recover stale entry")
		} else {
			log.Warn().
				Str("entry_id", entry.ID).
				Int("attempts", entry.Attempts).
				Msg("Recovered stale entry")
		}
	}
}

// staleAfter is how long a task entry may legitimately sit dequeued: one
// execution attempt, plus one bounded group-slot wait for grouped tasks,
// plus the margin. The pool's base stale timeout is the floor.
func (wp *WorkerPool) staleAfter(def *TaskDefinition) time.Duration {
	d := def.Timeout() + wp.staleMargin
	if def.ParallelGroup != "" {
		d += def.Timeout()
	}
	if d < wp.staleTimeout {
		d = wp.staleTimeout
	}
	return d
}

// groupSemaphore returns the concurrency bound for a task's parallel group,
// or nil when the group is unbounded.
func (wp *WorkerPool) groupSemaphore(processID string, def *TaskDefinition) *semaphore.Weighted {
	limit := int64(0)
	if wp.manager != nil {
		if instance, err := wp.manager.GetProcess(processID); err == nil && instance.Definition != nil {
			limit = instance.Definition.GroupLimits[def.ParallelGroup]
		}
	}
	if limit <= 0 {
		return nil
	}

	key := processID + ":" + def.ParallelGroup
	wp.semsMu.Lock()
	defer wp.semsMu.Unlock()
	sem, ok := wp.groupSems[key]
	if !ok {
		sem = semaphore.NewWeighted(limit)
		wp.groupSems[key] = sem
	}
	return sem
}

func retryPolicy(def *TaskDefinition) *retry.Policy {
	if def.Retry == nil {
		return nil
	}
	return &retry.Policy{
		MaxAttempts:    def.Retry.MaxAttempts,
		BackoffBase:    time.Duration(def.Retry.BackoffBaseMS) * time.Millisecond,
		BackoffCeiling: time.Duration(def.Retry.BackoffCeilingMS) * time.Millisecond,
	}
}
