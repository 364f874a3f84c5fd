// Package retry classifies execution failures and decides what happens to a
// queue entry next: another attempt with exponential backoff, dead-lettering
// after exhaustion, or fatal escalation to the whole process instance.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Class is the failure classification for an execution error.
type Class int

const (
	// ClassTransient errors (network timeouts, resource exhaustion) are
	// retried with backoff until the policy's attempt cap.
	ClassTransient Class = iota
	// ClassPermanent errors (validation failures, malformed targets) skip
	// retry and terminate the entry immediately.
	ClassPermanent
	// ClassFatal errors terminate the entry and propagate failure to the
	// owning process instance regardless of sibling progress.
	ClassFatal
)

// ActionKind is what the manager decided to do with a failed entry.
type ActionKind int

const (
	ActionRetry ActionKind = iota
	ActionDeadLetter
	ActionFail
	ActionFatal
)

func (k ActionKind) String() string {
	switch k {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionFail:
		return "fail"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

// Action is the outcome of OnFailure for one failed attempt.
type Action struct {
	Kind ActionKind
	// NextEligible is when the entry may be dequeued again. Only set for
	// ActionRetry.
	NextEligible time.Time
}

// Policy controls retry behaviour for one task definition.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// DefaultPolicy is used when a task definition carries no retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BackoffBase:    1 * time.Second,
		BackoffCeiling: 30 * time.Second,
	}
}

type classified struct {
	err   error
	class Class
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient wraps err so the manager retries it with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent wraps err so the manager fails the entry without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Fatal wraps err so the failure propagates to the whole process instance.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassFatal}
}

// Classify determines the failure class of err. Explicit wrappers win;
// otherwise timeouts and network errors count as transient, and anything
// unrecognised defaults to transient so flaky collaborators get retried.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// Manager computes retry decisions. Safe for concurrent use.
type Manager struct {
	defaultPolicy Policy

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewManager creates a retry manager with the given default policy.
func NewManager(defaultPolicy Policy) *Manager {
	if defaultPolicy.MaxAttempts <= 0 {
		defaultPolicy = DefaultPolicy()
	}
	return &Manager{
		defaultPolicy: defaultPolicy,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           time.Now,
	}
}

// OnFailure decides the next action for an entry that just failed its
// attempt-th execution (1-based). policy may be nil to use the default.
func (m *Manager) OnFailure(attempt int, policy *Policy, err error) Action {
	p := m.defaultPolicy
	if policy != nil && policy.MaxAttempts > 0 {
		p = *policy
	}

	switch Classify(err) {
	case ClassFatal:
		return Action{Kind: ActionFatal}
	case ClassPermanent:
		return Action{Kind: ActionFail}
	}

	if attempt >= p.MaxAttempts {
		log.Debug().
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Err(err).
			Msg("Retries exhausted, dead-lettering entry")
		return Action{Kind: ActionDeadLetter}
	}

	delay := m.backoff(attempt, p)
	return Action{Kind: ActionRetry, NextEligible: m.now().Add(delay)}
}

// backoff computes min(base * 2^attempt, ceiling) with ±20% jitter to
// prevent thundering herds of retrying entries.
func (m *Manager) backoff(attempt int, p Policy) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = DefaultPolicy().BackoffBase
	}
	ceiling := p.BackoffCeiling
	if ceiling <= 0 {
		ceiling = DefaultPolicy().BackoffCeiling
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}

	m.mu.Lock()
	jitter := (m.rng.Float64()*2 - 1) * 0.2
	m.mu.Unlock()

	delay += time.Duration(float64(delay) * jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
