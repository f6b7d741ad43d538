package mocks

import (
	"errors"
	"sync"

	"vsr-engine/internal/vsr"
)

// ErrInjected is a convenience error for the error-injection fields
var ErrInjected = errors.New("injected failure")

// MockLogStore is a mock implementation of vsr.LogStore for testing
type MockLogStore struct {
	mu      sync.RWMutex
	entries map[vsr.OpNumber]vsr.LogEntry
	state   *vsr.PersistentState

	AppendCount    int
	SaveStateCount int

	// Error injection for testing
	AppendError         error
	GetError            error
	TruncateSuffixError error
	EntriesInRangeError error
	LastOpError         error
	SaveStateError      error
	LoadStateError      error
	CloseError          error
}

// NewMockLogStore creates a new mock log store
func NewMockLogStore() *MockLogStore {
	return &MockLogStore{
		entries: make(map[vsr.OpNumber]vsr.LogEntry),
	}
}

func (m *MockLogStore) Append(entry vsr.LogEntry) error {
	if m.AppendError != nil {
		return m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Op] = entry
	m.AppendCount++
	return nil
}

func (m *MockLogStore) Get(op vsr.OpNumber) (vsr.LogEntry, bool, error) {
	if m.GetError != nil {
		return vsr.LogEntry{}, false, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[op]
	return entry, ok, nil
}

func (m *MockLogStore) TruncateSuffix(op vsr.OpNumber) error {
	if m.TruncateSuffixError != nil {
		return m.TruncateSuffixError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for existing := range m.entries {
		if existing > op {
			delete(m.entries, existing)
		}
	}
	return nil
}

func (m *MockLogStore) EntriesInRange(lo, hi vsr.OpNumber) ([]vsr.LogEntry, error) {
	if m.EntriesInRangeError != nil {
		return nil, m.EntriesInRangeError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []vsr.LogEntry
	for op := lo; op <= hi && op != 0; op++ {
		entry, ok := m.entries[op]
		if !ok {
			break
		}
		result = append(result, entry)
	}
	return result, nil
}

func (m *MockLogStore) LastOp() (vsr.OpNumber, error) {
	if m.LastOpError != nil {
		return 0, m.LastOpError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOpUnsafe(), nil
}

func (m *MockLogStore) lastOpUnsafe() vsr.OpNumber {
	var last vsr.OpNumber
	for op := range m.entries {
		if op > last {
			last = op
		}
	}
	return last
}

func (m *MockLogStore) SaveState(state vsr.PersistentState) error {
	if m.SaveStateError != nil {
		return m.SaveStateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &state
	m.SaveStateCount++
	return nil
}

func (m *MockLogStore) LoadState() (vsr.PersistentState, bool, error) {
	if m.LoadStateError != nil {
		return vsr.PersistentState{}, false, m.LoadStateError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return vsr.PersistentState{}, false, nil
	}
	return *m.state, true, nil
}

func (m *MockLogStore) Close() error {
	return m.CloseError
}

// Entries returns every stored entry in op order
func (m *MockLogStore) Entries() []vsr.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]vsr.LogEntry, 0, len(m.entries))
	for op := vsr.OpNumber(1); op <= m.lastOpUnsafe(); op++ {
		if entry, ok := m.entries[op]; ok {
			result = append(result, entry)
		}
	}
	return result
}

// State returns the last saved state, nil if none was saved
func (m *MockLogStore) State() *vsr.PersistentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil
	}
	s := *m.state
	return &s
}
