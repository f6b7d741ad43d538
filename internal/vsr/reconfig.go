package vsr

import (
	"fmt"
	"slices"
)

// ReconfigKind tags a ReconfigCommand
type ReconfigKind uint8

const (
	ReconfigAdd ReconfigKind = iota + 1
	ReconfigRemove
	ReconfigReplace
)

func (k ReconfigKind) String() string {
	switch k {
	case ReconfigAdd:
		return "Add"
	case ReconfigRemove:
		return "Remove"
	case ReconfigReplace:
		return "Replace"
	default:
		return "Unknown"
	}
}

// ReconfigCommand is a membership change proposed by an operator. Add and Remove use Replica, Replace swaps
// Remove for Replica.
type ReconfigCommand struct {
	Kind    ReconfigKind
	Replica ReplicaID
	Remove  ReplicaID
}

func AddReplica(id ReplicaID) ReconfigCommand { return ReconfigCommand{Kind: ReconfigAdd, Replica: id} }

func RemoveReplica(id ReplicaID) ReconfigCommand {
	return ReconfigCommand{Kind: ReconfigRemove, Replica: id}
}

func ReplaceReplica(remove, add ReplicaID) ReconfigCommand {
	return ReconfigCommand{Kind: ReconfigReplace, Replica: add, Remove: remove}
}

func (c ReconfigCommand) Equal(o ReconfigCommand) bool { return c == o }

func (c ReconfigCommand) String() string {
	switch c.Kind {
	case ReconfigReplace:
		return fmt.Sprintf("Replace(%d->%d)", c.Remove, c.Replica)
	default:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Replica)
	}
}

// Apply computes the configuration that results from running the command against current
func (c ReconfigCommand) Apply(current ClusterConfig) (ClusterConfig, error) {
	var next ClusterConfig
	switch c.Kind {
	case ReconfigAdd:
		if current.Contains(c.Replica) {
			return ClusterConfig{}, fmt.Errorf("%w: replica %d already in cluster", ErrInvalidReconfig, c.Replica)
		}
		next = NewClusterConfig(append(current.Replicas(), c.Replica)...)
	case ReconfigRemove:
		if !current.Contains(c.Replica) {
			return ClusterConfig{}, fmt.Errorf("%w: replica %d not in cluster", ErrInvalidReconfig, c.Replica)
		}
		next = current.Without(c.Replica)
	case ReconfigReplace:
		if !current.Contains(c.Remove) {
			return ClusterConfig{}, fmt.Errorf("%w: replica %d not in cluster", ErrInvalidReconfig, c.Remove)
		}
		if current.Contains(c.Replica) {
			return ClusterConfig{}, fmt.Errorf("%w: replica %d already in cluster", ErrInvalidReconfig, c.Replica)
		}
		next = NewClusterConfig(append(current.Without(c.Remove).Replicas(), c.Replica)...)
	default:
		return ClusterConfig{}, fmt.Errorf("%w: unknown command kind %d", ErrInvalidReconfig, c.Kind)
	}

	if err := ValidateTransition(current, next); err != nil {
		return ClusterConfig{}, err
	}
	return next, nil
}

// ValidateTransition checks the preconditions every membership change must satisfy. Overlap is checked against
// the configuration being replaced only; a chain of changes may end disjoint from where it started.
func ValidateTransition(old, next ClusterConfig) error {
	if next.Size() < MinReplicas {
		return fmt.Errorf("%w: cluster size %d below minimum %d", ErrInvalidReconfig, next.Size(), MinReplicas)
	}
	if next.Size() > MaxReplicas {
		return fmt.Errorf("%w: cluster size %d above maximum %d", ErrInvalidReconfig, next.Size(), MaxReplicas)
	}
	if next.Equal(old) {
		return fmt.Errorf("%w: new configuration equals current configuration", ErrInvalidReconfig)
	}
	if !next.Intersects(old) {
		return fmt.Errorf("%w: new configuration shares no replica with %s", ErrInvalidReconfig, old)
	}
	return nil
}

// ReconfigPhase tags a ReconfigState
type ReconfigPhase uint8

const (
	PhaseStable ReconfigPhase = iota
	PhaseJoint
)

func (p ReconfigPhase) String() string {
	if p == PhaseJoint {
		return "Joint"
	}
	return "Stable"
}

// ReconfigState is either Stable{Old} or Joint{Old, New, JointOp}. While Joint, Old stays the active
// configuration for leader selection and every decision needs a quorum in both Old and New.
type ReconfigState struct {
	Phase   ReconfigPhase
	Old     ClusterConfig
	New     ClusterConfig
	JointOp OpNumber
}

func NewStableState(config ClusterConfig) ReconfigState {
	return ReconfigState{Phase: PhaseStable, Old: config}
}

func NewJointState(old, next ClusterConfig, jointOp OpNumber) ReconfigState {
	return ReconfigState{Phase: PhaseJoint, Old: old, New: next, JointOp: jointOp}
}

func (s ReconfigState) IsJoint() bool { return s.Phase == PhaseJoint }

// Validate checks the structural invariant: Joint has a non-empty New and a positive JointOp, Stable has neither
func (s ReconfigState) Validate() error {
	if s.Old.IsEmpty() {
		return fmt.Errorf("%w: empty active configuration", ErrInvalidReconfig)
	}
	switch s.Phase {
	case PhaseStable:
		if !s.New.IsEmpty() || s.JointOp != 0 {
			return fmt.Errorf("%w: stable state carries joint fields", ErrInvalidReconfig)
		}
	case PhaseJoint:
		if s.New.IsEmpty() || s.JointOp == 0 {
			return fmt.Errorf("%w: joint state without new configuration or joint op", ErrInvalidReconfig)
		}
	default:
		return fmt.Errorf("%w: unknown phase %d", ErrInvalidReconfig, s.Phase)
	}
	return nil
}

// HasQuorum applies the commit rule. Stable needs a majority of Old; Joint needs a majority of Old and,
// separately, a majority of New.
func (s ReconfigState) HasQuorum(votes ReplicaSet) bool {
	if !s.Old.HasQuorum(votes) {
		return false
	}
	if s.IsJoint() {
		return s.New.HasQuorum(votes)
	}
	return true
}

// LeaderConfig is the configuration used to map views to leaders
func (s ReconfigState) LeaderConfig() ClusterConfig { return s.Old }

// LeaderOf returns the leader of view under this state
func (s ReconfigState) LeaderOf(view ViewNumber) ReplicaID { return s.Old.LeaderOf(view) }

// AllReplicas is every replica that must receive protocol traffic: Old, plus New while Joint
func (s ReconfigState) AllReplicas() ClusterConfig {
	if s.IsJoint() {
		return s.Old.Union(s.New)
	}
	return s.Old
}

// Contains reports whether id takes part in any configuration of this state
func (s ReconfigState) Contains(id ReplicaID) bool {
	return s.Old.Contains(id) || (s.IsJoint() && s.New.Contains(id))
}

// ReadyToTransition reports whether a Joint state can leave the joint phase at the given commit number
func (s ReconfigState) ReadyToTransition(commit OpNumber) bool {
	return s.IsJoint() && commit >= s.JointOp
}

// TransitionToNew moves Joint to Stable{New}
func (s ReconfigState) TransitionToNew() (ReconfigState, error) {
	if !s.IsJoint() {
		return s, fmt.Errorf("%w: transition requested outside of joint phase", ErrInvalidReconfig)
	}
	return NewStableState(s.New), nil
}

func (s ReconfigState) Equal(o ReconfigState) bool {
	return s.Phase == o.Phase && s.JointOp == o.JointOp && s.Old.Equal(o.Old) && s.New.Equal(o.New)
}

func (s ReconfigState) String() string {
	if s.IsJoint() {
		return fmt.Sprintf("Joint{old=%s new=%s op=%d}", s.Old, s.New, s.JointOp)
	}
	return fmt.Sprintf("Stable{%s}", s.Old)
}

// ConfigHistory records committed configurations in commit order
type ConfigHistory struct {
	configs []ClusterConfig
}

func (h *ConfigHistory) Record(config ClusterConfig) {
	if n := len(h.configs); n > 0 && h.configs[n-1].Equal(config) {
		return
	}
	h.configs = append(h.configs, config)
}

func (h *ConfigHistory) Configs() []ClusterConfig { return slices.Clone(h.configs) }
