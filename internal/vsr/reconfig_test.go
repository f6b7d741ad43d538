package vsr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconfigCommand_Apply(t *testing.T) {
	current := NewClusterConfig(1, 2, 3)

	tests := []struct {
		name     string
		cmd      ReconfigCommand
		expected []ReplicaID
	}{
		{"add", AddReplica(4), []ReplicaID{1, 2, 3, 4}},
		{"replace", ReplaceReplica(2, 5), []ReplicaID{1, 3, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.cmd.Apply(current)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, next.Replicas())
		})
	}

	t.Run("remove above the floor", func(t *testing.T) {
		next, err := RemoveReplica(4).Apply(NewClusterConfig(1, 2, 3, 4))
		require.NoError(t, err)
		assert.Equal(t, []ReplicaID{1, 2, 3}, next.Replicas())
	})

	failures := []struct {
		name string
		cmd  ReconfigCommand
	}{
		{"add existing replica", AddReplica(2)},
		{"remove unknown replica", RemoveReplica(9)},
		{"remove below the floor", RemoveReplica(1)},
		{"replace unknown replica", ReplaceReplica(9, 4)},
		{"replace with existing replica", ReplaceReplica(1, 2)},
		{"unknown kind", ReconfigCommand{Kind: 99, Replica: 4}},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cmd.Apply(current)
			assert.ErrorIs(t, err, ErrInvalidReconfig)
		})
	}
}

func TestValidateTransition(t *testing.T) {
	old := NewClusterConfig(1, 2, 3)

	t.Run("accepts an overlapping change", func(t *testing.T) {
		assert.NoError(t, ValidateTransition(old, NewClusterConfig(1, 2, 3, 4)))
	})

	t.Run("rejects an identical config", func(t *testing.T) {
		assert.ErrorIs(t, ValidateTransition(old, NewClusterConfig(3, 2, 1)), ErrInvalidReconfig)
	})

	t.Run("rejects a disjoint config", func(t *testing.T) {
		assert.ErrorIs(t, ValidateTransition(old, NewClusterConfig(4, 5, 6)), ErrInvalidReconfig)
	})

	t.Run("overlap is only required between consecutive configs", func(t *testing.T) {
		chain := []ClusterConfig{old, NewClusterConfig(2, 3, 4), NewClusterConfig(3, 4, 5), NewClusterConfig(4, 5, 6)}
		for i := 1; i < len(chain); i++ {
			require.NoError(t, ValidateTransition(chain[i-1], chain[i]))
		}
		assert.False(t, chain[0].Intersects(chain[len(chain)-1]))
	})

	t.Run("rejects a config above the maximum", func(t *testing.T) {
		ids := make([]ReplicaID, MaxReplicas+1)
		for i := range ids {
			ids[i] = ReplicaID(i + 1)
		}
		assert.ErrorIs(t, ValidateTransition(old, NewClusterConfig(ids...)), ErrInvalidReconfig)
	})
}

func TestReconfigState_Lifecycle(t *testing.T) {
	old := NewClusterConfig(1, 2, 3)
	next := NewClusterConfig(1, 2, 3, 4)
	joint := NewJointState(old, next, 7)

	require.NoError(t, joint.Validate())
	assert.True(t, joint.IsJoint())
	assert.Equal(t, ReplicaID(1), joint.LeaderOf(0), "leader comes from old while joint")
	assert.Equal(t, []ReplicaID{1, 2, 3, 4}, joint.AllReplicas().Replicas())
	assert.True(t, joint.Contains(4))

	assert.False(t, joint.ReadyToTransition(6))
	assert.True(t, joint.ReadyToTransition(7))

	stable, err := joint.TransitionToNew()
	require.NoError(t, err)
	assert.False(t, stable.IsJoint())
	assert.True(t, stable.Old.Equal(next))
	assert.True(t, stable.New.IsEmpty())
	assert.Equal(t, OpNumber(0), stable.JointOp)
	require.NoError(t, stable.Validate())

	t.Run("stable cannot transition", func(t *testing.T) {
		_, err := stable.TransitionToNew()
		assert.ErrorIs(t, err, ErrInvalidReconfig)
	})
}

func TestReconfigState_Validate(t *testing.T) {
	old := NewClusterConfig(1, 2, 3)
	tests := []struct {
		name  string
		state ReconfigState
	}{
		{"empty active config", ReconfigState{}},
		{"stable with new config", ReconfigState{Phase: PhaseStable, Old: old, New: old}},
		{"stable with joint op", ReconfigState{Phase: PhaseStable, Old: old, JointOp: 3}},
		{"joint without new config", ReconfigState{Phase: PhaseJoint, Old: old, JointOp: 3}},
		{"joint without joint op", ReconfigState{Phase: PhaseJoint, Old: old, New: NewClusterConfig(1, 2, 3, 4)}},
		{"unknown phase", ReconfigState{Phase: 9, Old: old}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.state.Validate(), ErrInvalidReconfig)
		})
	}
}

func TestConfigHistory(t *testing.T) {
	var h ConfigHistory
	a := NewClusterConfig(1, 2, 3)
	b := NewClusterConfig(1, 2, 3, 4)

	h.Record(a)
	h.Record(a)
	h.Record(b)

	configs := h.Configs()
	require.Len(t, configs, 2)
	assert.True(t, configs[0].Equal(a))
	assert.True(t, configs[1].Equal(b))
	assert.True(t, configs[0].Intersects(configs[1]))
}
