package mocks

import (
	"sync"

	"vsr-engine/internal/vsr"
)

// AppliedCommand records one call to Apply
type AppliedCommand struct {
	Op      vsr.OpNumber
	Command vsr.Command
}

// MockStateMachine is a mock implementation of vsr.StateMachine for testing. Every command returns its own
// payload as result unless Result is set.
type MockStateMachine struct {
	mu          sync.RWMutex
	Applied     []AppliedCommand
	lastApplied vsr.OpNumber

	Result      []byte
	ApplyError  error
	ShouldPanic bool
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		Applied: make([]AppliedCommand, 0),
	}
}

func (m *MockStateMachine) Apply(op vsr.OpNumber, cmd vsr.Command) ([]byte, error) {
	if m.ShouldPanic {
		panic("mock state machine panic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = append(m.Applied, AppliedCommand{Op: op, Command: cmd})
	if op > m.lastApplied {
		m.lastApplied = op
	}
	if m.ApplyError != nil {
		return nil, m.ApplyError
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return cmd.Payload, nil
}

func (m *MockStateMachine) LastApplied() vsr.OpNumber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApplied
}

// SetLastApplied simulates a state machine that already reflects ops up to op
func (m *MockStateMachine) SetLastApplied(op vsr.OpNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastApplied = op
}

// GetApplied returns a copy of all applied commands
func (m *MockStateMachine) GetApplied() []AppliedCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AppliedCommand, len(m.Applied))
	copy(result, m.Applied)
	return result
}

// AppliedOps returns the ops in apply order
func (m *MockStateMachine) AppliedOps() []vsr.OpNumber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]vsr.OpNumber, len(m.Applied))
	for i, a := range m.Applied {
		ops[i] = a.Op
	}
	return ops
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = make([]AppliedCommand, 0)
	m.lastApplied = 0
}
