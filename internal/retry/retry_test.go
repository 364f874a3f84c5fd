package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", Transient(errors.New("boom")), ClassTransient},
		{"explicit permanent", Permanent(errors.New("bad target")), ClassPermanent},
		{"explicit fatal", Fatal(errors.New("critical")), ClassFatal},
		{"wrapped permanent", fmt.Errorf("executing: %w", Permanent(errors.New("bad"))), ClassPermanent},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"unknown error", errors.New("mystery"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrappersPreserveNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Fatal(nil))
}

func TestOnFailureRetriesTransientWithBackoff(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffCeiling: 30 * time.Second})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	action := m.OnFailure(1, nil, Transient(errors.New("timeout")))
	require.Equal(t, ActionRetry, action.Kind)

	// base * 2^1 = 2s, jitter within ±20%.
	delay := action.NextEligible.Sub(now)
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)
}

func TestOnFailureBackoffIsCapped(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 20, BackoffBase: time.Second, BackoffCeiling: 10 * time.Second})
	now := time.Now()
	m.now = func() time.Time { return now }

	action := m.OnFailure(15, nil, Transient(errors.New("timeout")))
	require.Equal(t, ActionRetry, action.Kind)

	delay := action.NextEligible.Sub(now)
	assert.LessOrEqual(t, delay, 12*time.Second) // ceiling + 20% jitter
}

func TestOnFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	m := NewManager(DefaultPolicy())

	action := m.OnFailure(3, nil, Transient(errors.New("still failing")))
	assert.Equal(t, ActionDeadLetter, action.Kind)
	assert.True(t, action.NextEligible.IsZero())
}

func TestOnFailurePermanentSkipsRetry(t *testing.T) {
	m := NewManager(DefaultPolicy())

	action := m.OnFailure(1, nil, Permanent(errors.New("malformed target")))
	assert.Equal(t, ActionFail, action.Kind)
}

func TestOnFailureFatalEscalates(t *testing.T) {
	m := NewManager(DefaultPolicy())

	action := m.OnFailure(1, nil, Fatal(errors.New("non-retryable critical")))
	assert.Equal(t, ActionFatal, action.Kind)
}

func TestOnFailureUsesTaskPolicyOverDefault(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 10, BackoffBase: time.Second, BackoffCeiling: time.Minute})

	policy := &Policy{MaxAttempts: 1, BackoffBase: time.Second, BackoffCeiling: time.Minute}
	action := m.OnFailure(1, policy, Transient(errors.New("timeout")))
	assert.Equal(t, ActionDeadLetter, action.Kind)
}
