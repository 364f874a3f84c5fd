package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dag"
	"github.com/Harvey-AU/green-carpenter-bee/internal/db"
	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// TargetSubmission is a raw crawl target accepted through the dedup gate.
type TargetSubmission struct {
	EntryID  string          `json:"entry_id"`
	URL      string          `json:"url"`
	Identity string          `json:"identity"`
	Priority int             `json:"priority"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Manager handles process creation and lifecycle management. It owns the
// in-memory instance state; the queue owns scheduling and the db owns the
// durable history.
type Manager struct {
	queue   *queue.Queue
	store   *db.DB
	dedup   *dedup.Registry
	retries *retry.Manager

	mu        sync.RWMutex
	processes map[string]*ProcessInstance
	// entryIndex maps queue entry IDs back to their process and task.
	entryIndex map[string]entryRef
	targets    map[string]*TargetSubmission
}

type entryRef struct {
	processID string
	taskID    string
}

// NewManager creates a new process manager. store may be nil for tests and
// storage-less deployments; history recording is skipped in that case.
func NewManager(q *queue.Queue, store *db.DB, registry *dedup.Registry, retries *retry.Manager) *Manager {
	if q == nil {
		panic("queue is required")
	}
	if registry == nil {
		panic("dedup registry is required")
	}
	if retries == nil {
		retries = retry.NewManager(retry.DefaultPolicy())
	}
	return &Manager{
		queue:      q,
		store:      store,
		dedup:      registry,
		retries:    retries,
		processes:  make(map[string]*ProcessInstance),
		entryIndex: make(map[string]entryRef),
		targets:    make(map[string]*TargetSubmission),
	}
}

// Retries exposes the retry manager for the worker pool.
func (m *Manager) Retries() *retry.Manager { return m.retries }

// Dedup exposes the dedup registry for the worker pool and sweeper.
func (m *Manager) Dedup() *dedup.Registry { return m.dedup }

// Queue exposes the scheduler queue.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Store exposes the database, which may be nil.
func (m *Manager) Store() *db.DB { return m.store }

// CreateProcess validates the definition, resolves its dependency graph and
// enqueues the first batch. Cycles and malformed definitions are rejected
// synchronously; no instance state survives a rejection.
func (m *Manager) CreateProcess(ctx context.Context, def *ProcessDefinition, priority int) (*ProcessInstance, error) {
	span := sentry.StartSpan(ctx, "manager.create_process")
	defer span.Finish()
	span.SetTag("process_name", def.Name)

	if err := def.Validate(); err != nil {
		return nil, &dag.ValidationError{Message: err.Error()}
	}

	nodes := make([]dag.Node, 0, len(def.Tasks))
	for i := range def.Tasks {
		t := &def.Tasks[i]
		nodes = append(nodes, dag.Node{ID: t.ID, DependsOn: t.DependsOn, Order: t.Order})
	}

	batches, err := dag.Resolve(nodes)
	if err != nil {
		// Cycles and unknown dependencies surface at submission time.
		return nil, err
	}

	if priority == 0 {
		priority = def.DefaultPriority
	}

	now := time.Now().UTC()
	instance := &ProcessInstance{
		ID:         uuid.New().String(),
		Name:       def.Name,
		Status:     ProcessStatusPending,
		Priority:   priority,
		Definition: def,
		Batches:    batchStrings(batches),
		Tasks:      make(map[string]*TaskInstance, len(def.Tasks)),
		CreatedAt:  now,
	}

	for batchIdx, batch := range instance.Batches {
		for _, taskID := range batch {
			instance.Tasks[taskID] = &TaskInstance{
				ID:         uuid.New().String(),
				ProcessID:  instance.ID,
				TaskID:     taskID,
				Status:     TaskStatusPending,
				BatchIndex: batchIdx,
				CreatedAt:  now,
			}
		}
	}

	if m.store != nil {
		definition, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("failed to serialise definition: %w", err)
		}
		rec := &db.ProcessRecord{
			ID:         instance.ID,
			Name:       instance.Name,
			Status:     string(instance.Status),
			Definition: definition,
			TotalTasks: len(instance.Tasks),
			CreatedAt:  now,
		}
		if err := m.store.InsertProcess(ctx, rec); err != nil {
			span.SetTag("error", "true")
			sentry.CaptureException(err)
			return nil, fmt.Errorf("failed to persist process: %w", err)
		}
	}

	// Enqueue every task; only the first batch is immediately ready.
	for batchIdx, batch := range instance.Batches {
		state := queue.StatePending
		if batchIdx == 0 {
			state = queue.StateReady
		}
		for _, taskID := range batch {
			task := instance.Tasks[taskID]
			taskDef := def.Task(taskID)
			entryPriority := priority
			if taskDef.Priority != 0 {
				entryPriority = taskDef.Priority
			}
			err := m.queue.Enqueue(ctx, &queue.Entry{
				ID:        task.ID,
				ProcessID: instance.ID,
				TaskID:    taskID,
				Kind:      queue.KindTask,
				Priority:  entryPriority,
				State:     state,
			})
			if err != nil {
				// Roll back queue state for this instance; nothing has run yet.
				m.queue.CancelProcess(ctx, instance.ID)
				return nil, fmt.Errorf("failed to enqueue task %q: %w", taskID, err)
			}
			if batchIdx == 0 {
				task.Status = TaskStatusReady
			}
		}
	}

	m.mu.Lock()
	m.processes[instance.ID] = instance
	for _, task := range instance.Tasks {
		m.entryIndex[task.ID] = entryRef{processID: instance.ID, taskID: task.TaskID}
	}
	m.mu.Unlock()

	log.Info().
		Str("process_id", instance.ID).
		Str("name", def.Name).
		Int("tasks", len(instance.Tasks)).
		Int("batches", len(instance.Batches)).
		Int("priority", priority).
		Msg("Created process instance")

	return m.snapshotProcess(instance.ID), nil
}

// SubmitTarget admits a raw crawl target through the dedup gate. It returns
// queued=false when the registry decides no processing is needed.
func (m *Manager) SubmitTarget(ctx context.Context, rawURL string, priority int, metadata json.RawMessage) (*TargetSubmission, bool, error) {
	span := sentry.StartSpan(ctx, "manager.submit_target")
	defer span.Finish()

	if rawURL == "" {
		return nil, false, &dag.ValidationError{Message: "target url is required"}
	}

	normalised := dedup.NormaliseTarget(rawURL)
	identity := dedup.Identity(rawURL)

	ok, err := m.dedup.ShouldProcess(ctx, identity)
	if err != nil {
		return nil, false, fmt.Errorf("dedup check failed: %w", err)
	}
	if !ok {
		log.Debug().Str("identity", identity).Msg("Target already processed, not queued")
		return nil, false, nil
	}

	sub := &TargetSubmission{
		EntryID:  uuid.New().String(),
		URL:      normalised,
		Identity: identity,
		Priority: priority,
		Metadata: metadata,
	}

	err = m.queue.Enqueue(ctx, &queue.Entry{
		ID:       sub.EntryID,
		Kind:     queue.KindTarget,
		Identity: identity,
		Priority: priority,
	})
	if err == queue.ErrDuplicateEntry {
		// A live entry for the same identity is already in flight.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue target: %w", err)
	}

	m.mu.Lock()
	m.targets[sub.EntryID] = sub
	m.mu.Unlock()

	log.Info().
		Str("entry_id", sub.EntryID).
		Str("url", normalised).
		Int("priority", priority).
		Msg("Queued crawl target")

	return sub, true, nil
}

// ResubmitTarget queues a target without consulting the dedup gate, for the
// re-crawl sweeper whose records are stale by definition. Live duplicates in
// the queue are still rejected.
func (m *Manager) ResubmitTarget(ctx context.Context, rawURL string, priority int) (bool, error) {
	normalised := dedup.NormaliseTarget(rawURL)
	identity := dedup.Identity(rawURL)

	sub := &TargetSubmission{
		EntryID:  uuid.New().String(),
		URL:      normalised,
		Identity: identity,
		Priority: priority,
	}

	err := m.queue.Enqueue(ctx, &queue.Entry{
		ID:       sub.EntryID,
		Kind:     queue.KindTarget,
		Identity: identity,
		Priority: priority,
	})
	if err == queue.ErrDuplicateEntry {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to re-enqueue target: %w", err)
	}

	m.mu.Lock()
	m.targets[sub.EntryID] = sub
	m.mu.Unlock()

	log.Debug().Str("url", normalised).Msg("Re-queued stale target")
	return true, nil
}

// Target returns the submission behind a target queue entry.
func (m *Manager) Target(entryID string) (*TargetSubmission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.targets[entryID]
	return sub, ok
}

// GetProcess returns a copy of the instance state tree.
func (m *Manager) GetProcess(id string) (*ProcessInstance, error) {
	snapshot := m.snapshotProcess(id)
	if snapshot == nil {
		return nil, fmt.Errorf("process %q not found", id)
	}
	return snapshot, nil
}

// ListProcesses returns copies of all instances, optionally filtered by
// status, most recent first.
func (m *Manager) ListProcesses(status ProcessStatus) []*ProcessInstance {
	m.mu.RLock()
	ids := make([]string, 0, len(m.processes))
	for id, p := range m.processes {
		if status == "" || p.Status == status {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	instances := make([]*ProcessInstance, 0, len(ids))
	for _, id := range ids {
		if s := m.snapshotProcess(id); s != nil {
			instances = append(instances, s)
		}
	}
	for i := 0; i < len(instances); i++ {
		for j := i + 1; j < len(instances); j++ {
			if instances[j].CreatedAt.After(instances[i].CreatedAt) {
				instances[i], instances[j] = instances[j], instances[i]
			}
		}
	}
	return instances
}

// CancelProcess cancels every non-terminal task of an instance. Cancelling
// an already-terminal instance is a no-op.
func (m *Manager) CancelProcess(ctx context.Context, id string) error {
	span := sentry.StartSpan(ctx, "manager.cancel_process")
	defer span.Finish()
	span.SetTag("process_id", id)

	m.mu.Lock()
	instance, ok := m.processes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("process %q not found", id)
	}
	if instance.Status.Terminal() {
		m.mu.Unlock()
		log.Debug().Str("process_id", id).Msg("Cancel on terminal process is a no-op")
		return nil
	}

	now := time.Now().UTC()
	var cancelledTasks []string
	for _, task := range instance.Tasks {
		if !task.Status.Terminal() {
			m.recordTransition(ctx, instance.ID, task.TaskID, task.Status, TaskStatusCancelled, task.Attempts, "process cancelled")
			task.Status = TaskStatusCancelled
			task.CompletedAt = now
			cancelledTasks = append(cancelledTasks, task.TaskID)
		}
	}
	instance.Status = ProcessStatusCancelled
	instance.CompletedAt = now
	m.mu.Unlock()

	// Remove queue entries after releasing the lock; queue cancel is
	// idempotent too.
	if _, err := m.queue.CancelProcess(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel queue entries: %w", err)
	}

	m.persistProcess(ctx, id)

	log.Info().
		Str("process_id", id).
		Int("cancelled_tasks", len(cancelledTasks)).
		Msg("Cancelled process instance")

	return nil
}

// OnTaskStarted records the running transition for a dequeued task entry.
func (m *Manager) OnTaskStarted(ctx context.Context, entryID string, attempt int) {
	m.mu.Lock()
	ref, ok := m.entryIndex[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	instance := m.processes[ref.processID]
	task := instance.Tasks[ref.taskID]
	previous := task.Status
	task.Status = TaskStatusRunning
	task.Attempts = attempt
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}
	if instance.Status == ProcessStatusPending {
		instance.Status = ProcessStatusRunning
		instance.StartedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	m.recordTransition(ctx, ref.processID, ref.taskID, previous, TaskStatusRunning, attempt, "")
	m.persistProcess(ctx, ref.processID)
}

// OnTaskRetry records a failed attempt that will be retried.
func (m *Manager) OnTaskRetry(ctx context.Context, entryID string, attempt int, errMsg string) {
	m.mu.Lock()
	ref, ok := m.entryIndex[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	task := m.processes[ref.processID].Tasks[ref.taskID]
	task.Status = TaskStatusReady
	task.Error = errMsg
	m.mu.Unlock()

	m.recordTransition(ctx, ref.processID, ref.taskID, TaskStatusRunning, TaskStatusReady, attempt, errMsg)
}

// OnTaskTerminal moves a task to a terminal state, promotes dependents when
// its batch drains, and settles the process status once every task is done.
func (m *Manager) OnTaskTerminal(ctx context.Context, entryID string, status TaskStatus, output map[string]any, errMsg string) {
	if !status.Terminal() {
		return
	}

	m.mu.Lock()
	ref, ok := m.entryIndex[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	instance := m.processes[ref.processID]
	task := instance.Tasks[ref.taskID]
	if task.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	previous := task.Status
	task.Status = status
	task.Output = output
	task.Error = errMsg
	task.CompletedAt = time.Now().UTC()
	taskDef := instance.Definition.Task(ref.taskID)
	attempt := task.Attempts

	var failFastSiblings []string
	if (status == TaskStatusFailed || status == TaskStatusDeadLettered) &&
		taskDef != nil && taskDef.ParallelGroup != "" &&
		instance.Definition.GroupPolicy(taskDef.ParallelGroup) == GroupFailFast {
		for _, sibling := range instance.Tasks {
			if sibling.TaskID == ref.taskID {
				continue
			}
			siblingDef := instance.Definition.Task(sibling.TaskID)
			if siblingDef == nil || siblingDef.ParallelGroup != taskDef.ParallelGroup {
				continue
			}
			if sibling.Status == TaskStatusPending || sibling.Status == TaskStatusReady {
				failFastSiblings = append(failFastSiblings, sibling.ID)
			}
		}
	}
	m.mu.Unlock()

	m.recordTransition(ctx, ref.processID, ref.taskID, previous, status, attempt, errMsg)

	for _, siblingEntry := range failFastSiblings {
		if err := m.queue.Complete(ctx, siblingEntry, queue.StateCancelled); err == nil {
			m.markTaskTerminal(ctx, siblingEntry, TaskStatusCancelled, "fail-fast group sibling failed")
		}
	}

	m.promote(ctx, ref.processID)
	m.settle(ctx, ref.processID)
	m.persistProcess(ctx, ref.processID)
}

// FailProcess marks the whole instance failed after a fatal task error and
// cancels its remaining work.
func (m *Manager) FailProcess(ctx context.Context, processID, reason string) {
	m.mu.Lock()
	instance, ok := m.processes[processID]
	if !ok || instance.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	for _, task := range instance.Tasks {
		if !task.Status.Terminal() {
			m.recordTransition(ctx, processID, task.TaskID, task.Status, TaskStatusCancelled, task.Attempts, "process failed fatally")
			task.Status = TaskStatusCancelled
			task.CompletedAt = now
		}
	}
	instance.Status = ProcessStatusFailed
	instance.ErrorMessage = reason
	instance.CompletedAt = now
	m.mu.Unlock()

	m.queue.CancelProcess(ctx, processID)
	m.persistProcess(ctx, processID)

	log.Error().
		Str("process_id", processID).
		Str("reason", reason).
		Msg("Process failed fatally")
}

// EvaluateCondition reports whether the task's run condition holds given the
// outputs recorded so far. Tasks without a condition always run.
func (m *Manager) EvaluateCondition(processID string, def *TaskDefinition) bool {
	if def.Condition == nil {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.processes[processID]
	if !ok {
		return false
	}
	dep, ok := instance.Tasks[def.Condition.TaskID]
	if !ok || dep.Output == nil {
		return false
	}
	value, ok := dep.Output[def.Condition.OutputKey]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", value) == def.Condition.Equals
}

// DependencyOutputs collects the outputs of a task's satisfied dependencies.
func (m *Manager) DependencyOutputs(processID string, def *TaskDefinition) map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.processes[processID]
	if !ok {
		return nil
	}
	inputs := make(map[string]map[string]any, len(def.DependsOn))
	for _, depID := range def.DependsOn {
		if dep, ok := instance.Tasks[depID]; ok && dep.Output != nil {
			inputs[depID] = dep.Output
		}
	}
	return inputs
}

// TaskDefinitionFor resolves the definition behind a task queue entry.
func (m *Manager) TaskDefinitionFor(entryID string) (*TaskDefinition, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.entryIndex[entryID]
	if !ok {
		return nil, "", false
	}
	instance, ok := m.processes[ref.processID]
	if !ok {
		return nil, "", false
	}
	return instance.Definition.Task(ref.taskID), ref.processID, true
}

// QueueCounts returns queue depth counters for metrics.
func (m *Manager) QueueCounts(ctx context.Context) (map[queue.EntryState]int, error) {
	return m.queue.Counts(ctx)
}

// promote advances the batch cursor once every task in the current batch is
// terminal. A task in the next batch becomes ready only when all of its
// declared dependencies are satisfied (completed or skipped); a dependent of
// a failed, dead-lettered or cancelled dependency is cancelled instead, and
// the cascade continues into later batches until one has live work.
func (m *Manager) promote(ctx context.Context, processID string) {
	for {
		m.mu.Lock()
		instance, ok := m.processes[processID]
		if !ok || instance.Status.Terminal() {
			m.mu.Unlock()
			return
		}

		var toReady, toCancel []string
		for instance.BatchIndex < len(instance.Batches) {
			batch := instance.Batches[instance.BatchIndex]
			done := true
			for _, taskID := range batch {
				if !instance.Tasks[taskID].Status.Terminal() {
					done = false
					break
				}
			}
			if !done {
				break
			}
			instance.BatchIndex++
			if instance.BatchIndex >= len(instance.Batches) {
				break
			}
			for _, taskID := range instance.Batches[instance.BatchIndex] {
				task := instance.Tasks[taskID]
				if task.Status != TaskStatusPending {
					continue
				}
				if dependenciesSatisfied(instance, taskID) {
					task.Status = TaskStatusReady
					toReady = append(toReady, task.ID)
				} else {
					toCancel = append(toCancel, task.ID)
				}
			}
			if len(toReady) > 0 || len(toCancel) > 0 {
				break
			}
			// Entire next batch was already terminal (e.g. cancelled); keep
			// advancing.
		}
		m.mu.Unlock()

		for _, entryID := range toReady {
			if err := m.queue.MarkReady(ctx, entryID); err != nil {
				log.Error().Err(err).Str("entry_id", entryID).Msg("Failed to promote entry")
			}
		}
		for _, entryID := range toCancel {
			if err := m.queue.Complete(ctx, entryID, queue.StateCancelled); err == nil {
				m.markTaskTerminal(ctx, entryID, TaskStatusCancelled, "dependency did not complete")
			}
		}
		if len(toCancel) == 0 {
			return
		}
		// The cancellations may have drained the batch; evaluate the next one.
	}
}

// dependenciesSatisfied reports whether every declared dependency of the task
// finished in a state that satisfies dependents. Caller holds m.mu.
func dependenciesSatisfied(instance *ProcessInstance, taskID string) bool {
	def := instance.Definition.Task(taskID)
	if def == nil {
		return true
	}
	for _, depID := range def.DependsOn {
		dep, ok := instance.Tasks[depID]
		if !ok || !dep.Status.Satisfied() {
			return false
		}
	}
	return true
}

// settle finalises the instance status once all tasks are terminal.
func (m *Manager) settle(ctx context.Context, processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, ok := m.processes[processID]
	if !ok || instance.Status.Terminal() {
		return
	}

	failed := 0
	for _, task := range instance.Tasks {
		if !task.Status.Terminal() {
			return
		}
		if task.Status == TaskStatusFailed || task.Status == TaskStatusDeadLettered {
			failed++
		}
	}

	if failed > 0 {
		instance.Status = ProcessStatusFailed
		instance.ErrorMessage = fmt.Sprintf("%d task(s) failed", failed)
	} else {
		instance.Status = ProcessStatusCompleted
	}
	instance.CompletedAt = time.Now().UTC()

	log.Info().
		Str("process_id", processID).
		Str("status", string(instance.Status)).
		Msg("Process instance settled")
}

// snapshotProcess deep-copies an instance for safe external reads.
func (m *Manager) snapshotProcess(id string) *ProcessInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.processes[id]
	if !ok {
		return nil
	}

	copied := *instance
	copied.Tasks = make(map[string]*TaskInstance, len(instance.Tasks))
	for taskID, task := range instance.Tasks {
		t := *task
		if task.Output != nil {
			t.Output = make(map[string]any, len(task.Output))
			for k, v := range task.Output {
				t.Output[k] = v
			}
		}
		copied.Tasks[taskID] = &t
	}
	return &copied
}

// markTaskTerminal updates instance state for entries completed outside
// the usual worker path (fail-fast cancellation).
func (m *Manager) markTaskTerminal(ctx context.Context, entryID string, status TaskStatus, detail string) {
	m.mu.Lock()
	ref, ok := m.entryIndex[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	task := m.processes[ref.processID].Tasks[ref.taskID]
	if task.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	previous := task.Status
	task.Status = status
	task.CompletedAt = time.Now().UTC()
	attempt := task.Attempts
	m.mu.Unlock()

	m.recordTransition(ctx, ref.processID, ref.taskID, previous, status, attempt, detail)
}

// recordTransition appends to the durable history when a store is attached.
func (m *Manager) recordTransition(ctx context.Context, processID, taskID string, from, to TaskStatus, attempt int, detail string) {
	if m.store == nil {
		return
	}
	err := m.store.RecordTransition(ctx, &db.Transition{
		ProcessID: processID,
		TaskID:    taskID,
		FromState: string(from),
		ToState:   string(to),
		Attempt:   attempt,
		Detail:    detail,
	})
	if err != nil {
		log.Error().Err(err).
			Str("process_id", processID).
			Str("task_id", taskID).
			Msg("Failed to record transition")
	}
}

// persistProcess mirrors instance status and counters to the database.
func (m *Manager) persistProcess(ctx context.Context, processID string) {
	if m.store == nil {
		return
	}

	m.mu.RLock()
	instance, ok := m.processes[processID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	progress := Progress(instance.Tasks)
	rec := &db.ProcessRecord{
		ID:             instance.ID,
		Status:         string(instance.Status),
		CompletedTasks: progress.Completed,
		FailedTasks:    progress.Failed + progress.DeadLettered,
		SkippedTasks:   progress.Skipped,
		ErrorMessage:   instance.ErrorMessage,
	}
	if !instance.StartedAt.IsZero() {
		started := instance.StartedAt
		rec.StartedAt = &started
	}
	if !instance.CompletedAt.IsZero() {
		completed := instance.CompletedAt
		rec.CompletedAt = &completed
	}
	m.mu.RUnlock()

	if err := m.store.UpdateProcessStatus(ctx, rec); err != nil {
		log.Error().Err(err).Str("process_id", processID).Msg("Failed to persist process status")
	}
}

func batchStrings(batches []dag.Batch) [][]string {
	out := make([][]string, len(batches))
	for i, b := range batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}
