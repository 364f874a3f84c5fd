// Package engine owns process and task lifecycle: instance creation from a
// validated definition, the worker pool that executes queue entries, and the
// executor registry mapping task types to their implementations.
package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessStatus represents the current status of a process instance
type ProcessStatus string

const (
	ProcessStatusPending   ProcessStatus = "pending"
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusCancelled ProcessStatus = "cancelled"
)

// Terminal reports whether the process can transition no further.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusFailed, ProcessStatusCancelled:
		return true
	}
	return false
}

// TaskStatus represents the current status of a task instance
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusReady        TaskStatus = "ready"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusSkipped      TaskStatus = "skipped"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	}
	return false
}

// Satisfied reports whether the state counts as a satisfied dependency for
// downstream tasks. Skipped tasks satisfy their dependents.
func (s TaskStatus) Satisfied() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

const (
	// TaskStaleTimeout is how long a task may sit dequeued before the
	// recovery sweeper hands it back to the retry manager.
	TaskStaleTimeout = 3 * time.Minute
	// DefaultTaskTimeout bounds a single execution attempt when the
	// definition does not set one.
	DefaultTaskTimeout = time.Minute
)

// GroupPolicy controls how a parallel group reacts when a member fails.
type GroupPolicy string

const (
	// GroupFailFast cancels sibling tasks in the group that have not started.
	GroupFailFast GroupPolicy = "fail_fast"
	// GroupBestEffort lets independent siblings complete; the batch is marked
	// partial-failure via the process counters.
	GroupBestEffort GroupPolicy = "best_effort"
)

// Condition gates a task on a prior task's output. The task runs only when
// the referenced output value equals the expected string; otherwise it is
// skipped (terminal, non-error, satisfying for dependents).
type Condition struct {
	TaskID    string `json:"task_id"`
	OutputKey string `json:"output_key"`
	Equals    string `json:"equals"`
}

// RetryPolicy is the per-definition override of the retry manager defaults.
type RetryPolicy struct {
	MaxAttempts      int `json:"max_attempts"`
	BackoffBaseMS    int `json:"backoff_base_ms,omitempty"`
	BackoffCeilingMS int `json:"backoff_ceiling_ms,omitempty"`
}

// TaskConfig is the typed task configuration union. Type selects which of
// the known payloads applies; unknown types ride along in Extra so newer
// definitions survive older engines.
type TaskConfig struct {
	Type      string           `json:"type"`
	HTTPFetch *HTTPFetchConfig `json:"http_fetch,omitempty"`
	Transform *TransformConfig `json:"transform,omitempty"`
	Store     *StoreConfig     `json:"store,omitempty"`
	Extra     json.RawMessage  `json:"extra,omitempty"`
}

// HTTPFetchConfig configures the http_fetch executor.
type HTTPFetchConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// TransformConfig configures the transform executor: it picks the listed
// keys out of dependency outputs into this task's own output.
type TransformConfig struct {
	Pick []string `json:"pick"`
}

// StoreConfig configures the store executor.
type StoreConfig struct {
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
}

// TaskDefinition describes one task within a process definition.
type TaskDefinition struct {
	ID            string       `json:"id"`
	Order         int          `json:"order,omitempty"`
	DependsOn     []string     `json:"depends_on,omitempty"`
	ParallelGroup string       `json:"parallel_group,omitempty"`
	Priority      int          `json:"priority,omitempty"`
	TimeoutMS     int          `json:"timeout_ms,omitempty"`
	Retry         *RetryPolicy `json:"retry,omitempty"`
	Condition     *Condition   `json:"condition,omitempty"`
	Config        TaskConfig   `json:"config"`
	// TimeoutIsPermanent marks timeouts as permanent failures instead of
	// the default transient classification.
	TimeoutIsPermanent bool `json:"timeout_is_permanent,omitempty"`
}

// Timeout returns the per-attempt wall clock budget.
func (d *TaskDefinition) Timeout() time.Duration {
	if d.TimeoutMS > 0 {
		return time.Duration(d.TimeoutMS) * time.Millisecond
	}
	return DefaultTaskTimeout
}

// ProcessDefinition is the immutable task graph submitted by a caller.
type ProcessDefinition struct {
	Name            string                 `json:"name"`
	DefaultPriority int                    `json:"default_priority,omitempty"`
	GroupPolicies   map[string]GroupPolicy `json:"group_policies,omitempty"`
	// GroupLimits bounds concurrency per parallel group within a batch.
	// Absent or zero means unbounded.
	GroupLimits map[string]int64 `json:"group_limits,omitempty"`
	Tasks       []TaskDefinition `json:"tasks"`
}

// GroupPolicy returns the failure policy for a parallel group, defaulting to
// best-effort.
func (d *ProcessDefinition) GroupPolicy(group string) GroupPolicy {
	if p, ok := d.GroupPolicies[group]; ok && p == GroupFailFast {
		return GroupFailFast
	}
	return GroupBestEffort
}

// Task returns the definition of the given task id, or nil.
func (d *ProcessDefinition) Task(id string) *TaskDefinition {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// Validate checks the definition before any instance state exists.
func (d *ProcessDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("process name is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("process must define at least one task")
	}

	seen := make(map[string]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		task := &d.Tasks[i]
		if task.ID == "" {
			return fmt.Errorf("task %d: id is required", i)
		}
		if _, dup := seen[task.ID]; dup {
			return fmt.Errorf("task %q: duplicate id", task.ID)
		}
		seen[task.ID] = struct{}{}

		if task.Config.Type == "" {
			return fmt.Errorf("task %q: config type is required", task.ID)
		}
		if task.Condition != nil {
			if task.Condition.TaskID == "" || task.Condition.OutputKey == "" {
				return fmt.Errorf("task %q: condition needs task_id and output_key", task.ID)
			}
			found := false
			for _, dep := range task.DependsOn {
				if dep == task.Condition.TaskID {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("task %q: condition references %q which is not a declared dependency", task.ID, task.Condition.TaskID)
			}
		}
		if task.Retry != nil && task.Retry.MaxAttempts < 0 {
			return fmt.Errorf("task %q: max_attempts must not be negative", task.ID)
		}
	}
	// Dependency existence and cycles are the resolver's concern.
	return nil
}

// TaskInstance is the engine-owned state machine for one task within a
// process instance.
type TaskInstance struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"process_id"`
	TaskID      string         `json:"task_id"`
	Status      TaskStatus     `json:"status"`
	BatchIndex  int            `json:"batch_index"`
	Attempts    int            `json:"attempts"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// ProcessInstance is one execution of a ProcessDefinition.
type ProcessInstance struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Status       ProcessStatus            `json:"status"`
	Priority     int                      `json:"priority"`
	Definition   *ProcessDefinition       `json:"definition"`
	Batches      [][]string               `json:"batches"`
	BatchIndex   int                      `json:"batch_index"`
	Tasks        map[string]*TaskInstance `json:"tasks"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	StartedAt    time.Time                `json:"started_at,omitempty"`
	CompletedAt  time.Time                `json:"completed_at,omitempty"`
}

// ProgressCounts are the derived completion counters for a process instance.
type ProgressCounts struct {
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	DeadLettered int     `json:"dead_lettered"`
	Cancelled    int     `json:"cancelled"`
	Percent      float64 `json:"percent"`
}

// Progress derives completion counters from the task map. Pure so tests can
// call it without a live store. Skipped tasks are excluded from the percent
// denominator.
func Progress(tasks map[string]*TaskInstance) ProgressCounts {
	var p ProgressCounts
	p.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusCompleted:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		case TaskStatusSkipped:
			p.Skipped++
		case TaskStatusDeadLettered:
			p.DeadLettered++
		case TaskStatusCancelled:
			p.Cancelled++
		}
	}
	denominator := p.Total - p.Skipped
	if denominator > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.DeadLettered+p.Cancelled) / float64(denominator) * 100.0
	}
	return p
}
