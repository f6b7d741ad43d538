package kernel

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"

	"vsr-engine/internal/vsr"
)

var plog = logger.GetLogger("kernel")

// ErrUnknownCommand is the deterministic result of a command the kernel cannot parse
var ErrUnknownCommand = errors.New("unknown command")

// KVStateMachine is a simple key-value store that implements vsr.StateMachine.
// Commands are expected to be in the format: "SET key=value", "GET key" or "DEL key"
type KVStateMachine struct {
	mu          sync.RWMutex
	store       map[string]string
	lastApplied vsr.OpNumber
	id          string // Replica ID for logging
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(replicaID string) *KVStateMachine {
	return &KVStateMachine{
		store: make(map[string]string),
		id:    replicaID,
	}
}

// Apply executes one committed command. The result of SET and DEL is the previous value, GET returns the current
// one.
func (kv *KVStateMachine) Apply(op vsr.OpNumber, cmd vsr.Command) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if op > kv.lastApplied {
		kv.lastApplied = op
	}
	if cmd.Kind != vsr.CommandData {
		return nil, nil
	}

	command := strings.TrimSpace(string(cmd.Payload))
	parts := strings.Fields(command)
	if len(parts) < 2 {
		plog.Warningf("[KV-SM-%s] Unknown command: %q (op=%d)", kv.id, command, op)
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(command, parts[0])), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: SET expects key=value", ErrUnknownCommand)
		}
		prev := kv.store[key]
		kv.store[key] = value
		plog.Debugf("[KV-SM-%s] Applied SET: %s=%s (op=%d)", kv.id, key, value, op)
		return []byte(prev), nil
	case "DEL":
		key := parts[1]
		prev := kv.store[key]
		delete(kv.store, key)
		plog.Debugf("[KV-SM-%s] Applied DEL: %s (op=%d)", kv.id, key, op)
		return []byte(prev), nil
	case "GET":
		return []byte(kv.store[parts[1]]), nil
	default:
		plog.Warningf("[KV-SM-%s] Unknown command: %q (op=%d)", kv.id, command, op)
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// LastApplied returns the highest op handed to Apply
func (kv *KVStateMachine) LastApplied() vsr.OpNumber {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastApplied
}

// Get retrieves a value from the store (for testing/debugging)
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of all key-value pairs (for testing/debugging)
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	result := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		result[k] = v
	}
	return result
}
