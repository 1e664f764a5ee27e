package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter names used across the ingestion pipeline. Asynchronous-path failures
// are invisible to the original caller, so these counters and the logs are the
// only place they show up.
const (
	EventsReceived       = "events_received"
	EventsRejected       = "events_rejected"
	EventsEnqueued       = "events_enqueued"
	EnqueueFailures      = "enqueue_failures"
	EventsPersisted      = "events_persisted"
	SessionsCreated      = "sessions_created"
	SessionConflicts     = "session_conflicts"
	MessagesAbandoned    = "messages_abandoned"
	MessagesDeadLettered = "messages_dead_lettered"
)

// Metrics is an in-process metrics collector
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	gauges    map[string]*int64
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	atomic.AddInt64(m.counter(name), 1)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.Lock()
	gauge, exists := m.gauges[name]
	if !exists {
		var g int64
		gauge = &g
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	atomic.StoreInt64(gauge, value)
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[name]; !exists {
			var c int64
			counter = &c
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	return counter
}

// Snapshot returns the current values of all counters and gauges
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = atomic.LoadInt64(value)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, value := range m.gauges {
		gauges[name] = atomic.LoadInt64(value)
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       counters,
		"gauges":         gauges,
	}
}
