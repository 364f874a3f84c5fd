// Package resource gates work admission on system load. An external sampler
// pushes point-in-time snapshots on a fixed interval; the monitor keeps a
// short rolling window, computes moving averages and refuses admission while
// any configured threshold is exceeded.
package resource

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is one load sample pushed by the external resource sampler.
// Snapshots are only held in the rolling window, never persisted.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	ActiveWorkers int       `json:"active_workers"`
	Timestamp     time.Time `json:"timestamp"`
}

// Thresholds configures the admission limits. Zero values disable the
// corresponding check.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	MaxInFlight   int64
}

// DefaultThresholds are conservative limits for a single scheduler node.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:    85.0,
		MemoryPercent: 90.0,
		MaxInFlight:   256,
	}
}

// DefaultRetryInterval is how long a throttled caller should wait before
// asking for admission again.
const DefaultRetryInterval = 500 * time.Millisecond

// Monitor holds the rolling snapshot window and answers admission checks.
type Monitor struct {
	thresholds    Thresholds
	windowSize    int
	retryInterval time.Duration

	mu     sync.RWMutex
	window []Snapshot

	inFlight atomic.Int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindowSize sets how many snapshots the rolling window keeps.
func WithWindowSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithRetryInterval sets the minimum interval throttled callers should wait
// before re-requesting admission.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// NewMonitor creates a resource monitor with the given thresholds.
func NewMonitor(thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds:    thresholds,
		windowSize:    12, // one minute of 5s samples
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record pushes a snapshot into the rolling window, evicting the oldest
// sample once the window is full.
func (m *Monitor) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.window = append(m.window, s)
	if len(m.window) > m.windowSize {
		m.window = m.window[len(m.window)-m.windowSize:]
	}
	m.mu.Unlock()

	log.Debug().
		Float64("cpu_percent", s.CPUPercent).
		Float64("memory_percent", s.MemoryPercent).
		Int("active_workers", s.ActiveWorkers).
		Msg("Recorded resource snapshot")
}

// Admit reports whether a worker may take on new work right now. Callers
// receiving false must wait at least RetryInterval before asking again
// rather than busy-looping.
func (m *Monitor) Admit() bool {
	throttled, _ := m.Throttled()
	return !throttled
}

// Throttled reports whether admission is currently blocked and why.
func (m *Monitor) Throttled() (bool, string) {
	if max := m.thresholds.MaxInFlight; max > 0 {
		if n := m.inFlight.Load(); n >= max {
			return true, fmt.Sprintf("in-flight %d >= limit %d", n, max)
		}
	}

	cpu, mem, ok := m.averages()
	if !ok {
		// No samples yet: admit rather than deadlock a fresh deployment.
		return false, ""
	}

	if t := m.thresholds.CPUPercent; t > 0 && cpu >= t {
		return true, fmt.Sprintf("cpu %.1f%% >= %.1f%%", cpu, t)
	}
	if t := m.thresholds.MemoryPercent; t > 0 && mem >= t {
		return true, fmt.Sprintf("memory %.1f%% >= %.1f%%", mem, t)
	}
	return false, ""
}

// RetryInterval is the minimum wait between admission attempts while
// throttled.
func (m *Monitor) RetryInterval() time.Duration {
	return m.retryInterval
}

// Acquire marks one work item as in flight. Returns the new count.
func (m *Monitor) Acquire() int64 {
	return m.inFlight.Add(1)
}

// Release marks one work item as finished.
func (m *Monitor) Release() {
	m.inFlight.Add(-1)
}

// InFlight returns the current in-flight count.
func (m *Monitor) InFlight() int64 {
	return m.inFlight.Load()
}

// averages computes simple moving averages over the rolling window.
func (m *Monitor) averages() (cpu, mem float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.window) == 0 {
		return 0, 0, false
	}
	for _, s := range m.window {
		cpu += s.CPUPercent
		mem += s.MemoryPercent
	}
	n := float64(len(m.window))
	return cpu / n, mem / n, true
}
