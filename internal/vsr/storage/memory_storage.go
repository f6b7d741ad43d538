package storage

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"vsr-engine/internal/vsr"
)

// MemoryStore is a vsr.LogStore kept in an ordered btree. It is used by the simulator and by tests, and by nodes
// started without a data directory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries *btree.BTreeG[vsr.LogEntry]
	state   *vsr.PersistentState
	closed  bool
}

var _ vsr.LogStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: btree.NewG(32, func(a, b vsr.LogEntry) bool { return a.Op < b.Op }),
	}
}

func (m *MemoryStore) Append(entry vsr.LogEntry) error {
	if entry.Op == 0 {
		return fmt.Errorf("%w: op 0 is reserved", vsr.ErrInvalidMessage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries.ReplaceOrInsert(entry)
	return nil
}

func (m *MemoryStore) Get(op vsr.OpNumber) (vsr.LogEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return vsr.LogEntry{}, false, ErrClosed
	}
	e, ok := m.entries.Get(vsr.LogEntry{Op: op})
	return e, ok, nil
}

func (m *MemoryStore) TruncateSuffix(op vsr.OpNumber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for {
		last, ok := m.entries.Max()
		if !ok || last.Op <= op {
			return nil
		}
		m.entries.DeleteMax()
	}
}

func (m *MemoryStore) EntriesInRange(lo, hi vsr.OpNumber) ([]vsr.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if lo > hi {
		return nil, nil
	}
	var out []vsr.LogEntry
	m.entries.AscendRange(vsr.LogEntry{Op: lo}, vsr.LogEntry{Op: hi + 1}, func(e vsr.LogEntry) bool {
		out = append(out, e)
		return true
	})
	return out, nil
}

func (m *MemoryStore) LastOp() (vsr.OpNumber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	last, ok := m.entries.Max()
	if !ok {
		return 0, nil
	}
	return last.Op, nil
}

func (m *MemoryStore) SaveState(state vsr.PersistentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state = &state
	return nil
}

func (m *MemoryStore) LoadState() (vsr.PersistentState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return vsr.PersistentState{}, false, ErrClosed
	}
	if m.state == nil {
		return vsr.PersistentState{}, false, nil
	}
	return *m.state, true, nil
}

// Close marks the store closed. The contents stay in memory so a simulated restart can reopen them with Reopen.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen makes a closed store usable again with its contents intact, like reopening a file after a crash
func (m *MemoryStore) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}
