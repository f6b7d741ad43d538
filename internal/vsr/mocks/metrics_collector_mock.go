package mocks

import (
	"sync"
	"time"

	"vsr-engine/internal/vsr"
)

// MockMetricsCollector is a mock implementation of replica.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                  sync.RWMutex
	PrepareCount        int
	CommitLatencies     []time.Duration
	ViewChangeDurations []time.Duration
	RepairsOK           int
	RepairsFailed       int
	Rejected            map[vsr.MessageKind]int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		CommitLatencies:     make([]time.Duration, 0),
		ViewChangeDurations: make([]time.Duration, 0),
		Rejected:            make(map[vsr.MessageKind]int),
	}
}

func (m *MockMetricsCollector) RecordPrepare() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PrepareCount++
}

func (m *MockMetricsCollector) RecordCommit(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

func (m *MockMetricsCollector) RecordViewChange(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ViewChangeDurations = append(m.ViewChangeDurations, duration)
}

func (m *MockMetricsCollector) RecordRepair(_ time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.RepairsOK++
	} else {
		m.RepairsFailed++
	}
}

func (m *MockMetricsCollector) RecordRejected(kind vsr.MessageKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected[kind]++
}

// ViewChanges returns the number of completed view changes
func (m *MockMetricsCollector) ViewChanges() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ViewChangeDurations)
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PrepareCount = 0
	m.CommitLatencies = make([]time.Duration, 0)
	m.ViewChangeDurations = make([]time.Duration, 0)
	m.RepairsOK = 0
	m.RepairsFailed = 0
	m.Rejected = make(map[vsr.MessageKind]int)
}
