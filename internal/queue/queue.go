// Package queue implements the priority scheduler queue. All mutations run
// on a single owner goroutine fed by an operations channel, so Dequeue,
// Complete and Reschedule on the same entry are linearizable without any
// coarse lock held by callers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// EntryKind distinguishes workflow task entries from raw crawl targets.
type EntryKind string

const (
	KindTask   EntryKind = "task"
	KindTarget EntryKind = "target"
)

// EntryState is the scheduler-side state of a queue entry.
type EntryState string

const (
	// StatePending entries exist but still have unsatisfied dependencies.
	StatePending EntryState = "pending"
	// StateReady entries may be handed to a worker once eligible.
	StateReady EntryState = "ready"
	// StateDequeued entries are executing on exactly one worker.
	StateDequeued  EntryState = "dequeued"
	StateCompleted EntryState = "completed"
	StateFailed    EntryState = "failed"
	// StateSkipped entries had a false run condition; terminal, non-error,
	// and satisfying for dependents.
	StateSkipped      EntryState = "skipped"
	StateDeadLettered EntryState = "dead_lettered"
	StateCancelled    EntryState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s EntryState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateDeadLettered, StateCancelled:
		return true
	}
	return false
}

// Entry is one dequeuable unit of work, wrapping either a task instance or
// a raw crawl target.
type Entry struct {
	ID        string
	ProcessID string
	TaskID    string
	Kind      EntryKind
	// Identity is the canonical dedup identity for target entries.
	Identity string

	Priority int
	// Sequence is assigned on enqueue and breaks ties within a priority
	// tier, preserving FIFO order.
	Sequence uint64

	State        EntryState
	Attempts     int
	NextEligible time.Time
	EnqueuedAt   time.Time
	DequeuedAt   time.Time
	LastError    string
}

// key is the process-instance-scoped duplicate detection key.
func (e *Entry) key() string {
	if e.Kind == KindTarget {
		return "target:" + e.Identity
	}
	return e.ProcessID + ":" + e.TaskID
}

var (
	ErrDuplicateEntry    = errors.New("queue: duplicate entry")
	ErrNotFound          = errors.New("queue: entry not found")
	ErrStopped           = errors.New("queue: stopped")
	ErrInvalidTransition = errors.New("queue: invalid state transition")
)

type operation struct {
	fn   func()
	done chan struct{}
}

// Queue is the scheduler's priority queue. Create with New and release
// with Stop.
type Queue struct {
	ops     chan operation
	stop    chan struct{}
	stopped chan struct{}

	// Owned exclusively by the actor goroutine.
	entries  map[string]*Entry
	byKey    map[string]string
	ready    entryHeap
	sequence uint64

	notify chan struct{}
}

// New creates and starts a queue actor.
func New() *Queue {
	q := &Queue{
		ops:     make(chan operation, 128),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		entries: make(map[string]*Entry),
		byKey:   make(map[string]string),
		notify:  make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// Stop shuts the actor down. Pending submissions fail with ErrStopped.
func (q *Queue) Stop() {
	select {
	case <-q.stop:
		return
	default:
	}
	close(q.stop)
	<-q.stopped
}

// Notify returns a channel that receives a signal whenever an entry becomes
// ready, so idle workers can wake without polling.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.stop:
			return
		case op := <-q.ops:
			op.fn()
			close(op.done)
		}
	}
}

// submit runs fn on the actor goroutine and waits for it to finish.
func (q *Queue) submit(ctx context.Context, fn func()) error {
	op := operation{fn: fn, done: make(chan struct{})}
	select {
	case q.ops <- op:
	case <-q.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.done:
		return nil
	case <-q.stop:
		return ErrStopped
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits a new entry. Entries duplicating an existing live entry
// for the same process instance and task (or target identity) are rejected.
// The entry's state must be StatePending or StateReady.
func (q *Queue) Enqueue(ctx context.Context, e *Entry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("queue: entry id is required")
	}
	if e.State == "" {
		e.State = StateReady
	}
	if e.State != StatePending && e.State != StateReady {
		return ErrInvalidTransition
	}

	var opErr error
	err := q.submit(ctx, func() {
		if _, exists := q.entries[e.ID]; exists {
			opErr = ErrDuplicateEntry
			return
		}
		if existingID, exists := q.byKey[e.key()]; exists {
			if existing := q.entries[existingID]; existing != nil && !existing.State.Terminal() {
				opErr = ErrDuplicateEntry
				return
			}
		}

		q.sequence++
		e.Sequence = q.sequence
		e.EnqueuedAt = time.Now()

		stored := *e
		q.entries[e.ID] = &stored
		q.byKey[e.key()] = e.ID

		if stored.State == StateReady {
			q.pushReady(&stored)
			q.wake()
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// MarkReady promotes a pending entry to ready once its dependencies are
// satisfied.
func (q *Queue) MarkReady(ctx context.Context, entryID string) error {
	var opErr error
	err := q.submit(ctx, func() {
		e, ok := q.entries[entryID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if e.State != StatePending {
			if e.State != StateReady {
				opErr = ErrInvalidTransition
			}
			return
		}
		e.State = StateReady
		q.pushReady(e)
		q.wake()
	})
	if err != nil {
		return err
	}
	return opErr
}

// Dequeue hands out the highest-priority ready entry whose next-eligible
// time has passed; among equal priorities the lowest sequence wins. It
// returns nil when nothing is eligible. At most one caller ever receives a
// given entry.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	var result *Entry
	err := q.submit(ctx, func() {
		now := time.Now()
		var deferred []*Entry
		for q.ready.Len() > 0 {
			e := q.popReady()
			if e.State != StateReady {
				// Stale heap entry; the authoritative state moved on.
				continue
			}
			if e.NextEligible.After(now) {
				deferred = append(deferred, e)
				continue
			}
			e.State = StateDequeued
			e.DequeuedAt = now
			copied := *e
			result = &copied
			break
		}
		for _, e := range deferred {
			q.pushReady(e)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete moves a dequeued entry to a terminal state.
func (q *Queue) Complete(ctx context.Context, entryID string, state EntryState) error {
	if !state.Terminal() {
		return ErrInvalidTransition
	}
	var opErr error
	err := q.submit(ctx, func() {
		e, ok := q.entries[entryID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if e.State.Terminal() {
			opErr = ErrInvalidTransition
			return
		}
		e.State = state
	})
	if err != nil {
		return err
	}
	return opErr
}

// Reschedule returns a failed entry to the ready state with an incremented
// attempt counter, eligible again at nextEligible.
func (q *Queue) Reschedule(ctx context.Context, entryID string, nextEligible time.Time, lastError string) error {
	var opErr error
	err := q.submit(ctx, func() {
		e, ok := q.entries[entryID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if e.State != StateDequeued {
			opErr = ErrInvalidTransition
			return
		}
		e.State = StateReady
		e.Attempts++
		e.NextEligible = nextEligible
		e.LastError = lastError
		q.pushReady(e)
		q.wake()
	})
	if err != nil {
		return err
	}
	return opErr
}

// CancelProcess cancels every non-terminal entry belonging to the given
// process instance and returns their IDs. Cancelling twice is a no-op.
func (q *Queue) CancelProcess(ctx context.Context, processID string) ([]string, error) {
	var cancelled []string
	err := q.submit(ctx, func() {
		for _, e := range q.entries {
			if e.ProcessID != processID || e.State.Terminal() {
				continue
			}
			e.State = StateCancelled
			cancelled = append(cancelled, e.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// StaleDequeued returns copies of entries that have been executing longer
// than olderThan, for the recovery sweeper to reschedule.
func (q *Queue) StaleDequeued(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	var stale []Entry
	err := q.submit(ctx, func() {
		cutoff := time.Now().Add(-olderThan)
		for _, e := range q.entries {
			if e.State == StateDequeued && !e.DequeuedAt.IsZero() && e.DequeuedAt.Before(cutoff) {
				stale = append(stale, *e)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// Get returns a copy of the entry, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, entryID string) (*Entry, error) {
	var result *Entry
	var opErr error
	err := q.submit(ctx, func() {
		e, ok := q.entries[entryID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		copied := *e
		result = &copied
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// Counts returns how many entries sit in each state, for metrics and the
// status API.
func (q *Queue) Counts(ctx context.Context) (map[EntryState]int, error) {
	counts := make(map[EntryState]int)
	err := q.submit(ctx, func() {
		for _, e := range q.entries {
			counts[e.State]++
		}
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Drop removes a terminal entry from the queue's index, typically after its
// instance has been archived.
func (q *Queue) Drop(ctx context.Context, entryID string) error {
	var opErr error
	err := q.submit(ctx, func() {
		e, ok := q.entries[entryID]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if !e.State.Terminal() {
			opErr = ErrInvalidTransition
			return
		}
		delete(q.entries, entryID)
		if q.byKey[e.key()] == entryID {
			delete(q.byKey, e.key())
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		log.Debug().Str("entry_id", entryID).Err(opErr).Msg("Drop rejected")
	}
	return opErr
}
