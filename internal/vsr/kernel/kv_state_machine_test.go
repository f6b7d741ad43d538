package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsr-engine/internal/vsr"
)

func apply(t *testing.T, sm *KVStateMachine, op vsr.OpNumber, command string) ([]byte, error) {
	t.Helper()
	return sm.Apply(op, vsr.DataCommand([]byte(command)))
}

func TestNewKVStateMachine(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	assert.NotNil(t, sm)
	assert.NotNil(t, sm.store)
	assert.Equal(t, "test-replica", sm.id)
	assert.Len(t, sm.store, 0)
	assert.Equal(t, vsr.OpNumber(0), sm.LastApplied())
}

func TestKVStateMachine_Apply_SET(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	t.Run("applies SET command", func(t *testing.T) {
		_, err := apply(t, sm, 1, "SET key1=value1")
		require.NoError(t, err)

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)
	})

	t.Run("overwrites existing key and returns the previous value", func(t *testing.T) {
		prev, err := apply(t, sm, 2, "SET key1=new_value")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(prev))

		value, _ := sm.Get("key1")
		assert.Equal(t, "new_value", value)
	})

	t.Run("handles SET with equals sign in value", func(t *testing.T) {
		_, err := apply(t, sm, 3, "SET key4=val=ue")
		require.NoError(t, err)

		value, ok := sm.Get("key4")
		assert.True(t, ok)
		assert.Equal(t, "val=ue", value)
	})

	t.Run("tracks the last applied op", func(t *testing.T) {
		assert.Equal(t, vsr.OpNumber(3), sm.LastApplied())
	})
}

func TestKVStateMachine_Apply_DEL(t *testing.T) {
	sm := NewKVStateMachine("test-replica")
	_, err := apply(t, sm, 1, "SET key1=value1")
	require.NoError(t, err)

	prev, err := apply(t, sm, 2, "DEL key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", string(prev))

	_, ok := sm.Get("key1")
	assert.False(t, ok)

	t.Run("deleting a missing key is not an error", func(t *testing.T) {
		_, err := apply(t, sm, 3, "DEL nonexistent")
		assert.NoError(t, err)
	})
}

func TestKVStateMachine_Apply_GET(t *testing.T) {
	sm := NewKVStateMachine("test-replica")
	_, err := apply(t, sm, 1, "SET key1=value1")
	require.NoError(t, err)

	value, err := apply(t, sm, 2, "GET key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", string(value))
}

func TestKVStateMachine_Apply_InvalidCommands(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	for i, command := range []string{"", "UNKNOWN key=value", "SET", "SET invalid", "DEL"} {
		t.Run(command, func(t *testing.T) {
			_, err := apply(t, sm, vsr.OpNumber(i+1), command)
			assert.ErrorIs(t, err, ErrUnknownCommand)
		})
	}

	t.Run("invalid commands still count as applied", func(t *testing.T) {
		assert.Equal(t, vsr.OpNumber(5), sm.LastApplied())
		assert.Empty(t, sm.GetAll())
	})
}

func TestKVStateMachine_Apply_SkipsNonDataCommands(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	result, err := sm.Apply(1, vsr.ReconfigurationCommand(vsr.AddReplica(4)))
	assert.NoError(t, err)
	assert.Nil(t, result)

	_, err = sm.Apply(2, vsr.Command{Kind: vsr.CommandNoop})
	assert.NoError(t, err)

	assert.Empty(t, sm.GetAll())
	assert.Equal(t, vsr.OpNumber(2), sm.LastApplied())
}

func TestKVStateMachine_CaseInsensitiveCommands(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	_, err := apply(t, sm, 1, "set key1=value1")
	require.NoError(t, err)
	_, err = apply(t, sm, 2, "  Set key2=value2  ")
	require.NoError(t, err)
	_, err = apply(t, sm, 3, "del key1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"key2": "value2"}, sm.GetAll())
}

func TestKVStateMachine_GetAll(t *testing.T) {
	sm := NewKVStateMachine("test-replica")

	t.Run("returns empty map for empty state machine", func(t *testing.T) {
		all := sm.GetAll()
		assert.NotNil(t, all)
		assert.Len(t, all, 0)
	})

	t.Run("returns copy of all key-value pairs", func(t *testing.T) {
		_, _ = apply(t, sm, 1, "SET key1=value1")
		_, _ = apply(t, sm, 2, "SET key2=value2")

		all := sm.GetAll()
		assert.Len(t, all, 2)

		all["key1"] = "modified"
		value, _ := sm.Get("key1")
		assert.Equal(t, "value1", value)
	})
}

func TestKVStateMachine_ConcurrentReads(t *testing.T) {
	sm := NewKVStateMachine("test-replica")
	_, _ = apply(t, sm, 1, "SET key=value")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sm.Get("key")
				sm.GetAll()
				sm.LastApplied()
			}
		}()
	}
	wg.Wait()
}
