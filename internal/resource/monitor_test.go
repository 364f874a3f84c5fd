package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitWithNoSamples(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	assert.True(t, m.Admit(), "fresh monitor must admit until samples arrive")
}

func TestThrottleOnCPUAverage(t *testing.T) {
	m := NewMonitor(Thresholds{CPUPercent: 85.0})

	m.Record(Snapshot{CPUPercent: 80})
	assert.True(t, m.Admit())

	m.Record(Snapshot{CPUPercent: 95})
	m.Record(Snapshot{CPUPercent: 95})
	// average (80+95+95)/3 = 90 >= 85

	throttled, reason := m.Throttled()
	require.True(t, throttled)
	assert.Contains(t, reason, "cpu")
}

func TestThrottleOnMemoryAverage(t *testing.T) {
	m := NewMonitor(Thresholds{MemoryPercent: 90.0})

	m.Record(Snapshot{MemoryPercent: 95})
	throttled, reason := m.Throttled()
	require.True(t, throttled)
	assert.Contains(t, reason, "memory")
}

func TestThrottleOnInFlightLimit(t *testing.T) {
	m := NewMonitor(Thresholds{MaxInFlight: 2})

	m.Acquire()
	assert.True(t, m.Admit())

	m.Acquire()
	throttled, reason := m.Throttled()
	require.True(t, throttled)
	assert.Contains(t, reason, "in-flight")

	m.Release()
	assert.True(t, m.Admit())
}

func TestWindowEvictsOldSamples(t *testing.T) {
	m := NewMonitor(Thresholds{CPUPercent: 85.0}, WithWindowSize(2))

	// An old overloaded sample rolls out of the window.
	m.Record(Snapshot{CPUPercent: 100})
	m.Record(Snapshot{CPUPercent: 10})
	m.Record(Snapshot{CPUPercent: 10})

	assert.True(t, m.Admit())
}

func TestRetryInterval(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	assert.Equal(t, DefaultRetryInterval, m.RetryInterval())

	m = NewMonitor(DefaultThresholds(), WithRetryInterval(2*time.Second))
	assert.Equal(t, 2*time.Second, m.RetryInterval())
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	m.Record(Snapshot{CPUPercent: 10})

	m.mu.RLock()
	defer m.mu.RUnlock()
	require.Len(t, m.window, 1)
	assert.False(t, m.window[0].Timestamp.IsZero())
}
