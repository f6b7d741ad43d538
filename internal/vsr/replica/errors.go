package replica

import (
	"errors"
	"fmt"

	"vsr-engine/internal/vsr"
)

var (
	// ErrNotLeader is returned when a leader-only operation reaches a backup. Use errors.As with *NotLeaderError
	// to find the leader hint.
	ErrNotLeader = errors.New("replica is not the leader")
	// ErrNotNormal is returned while the replica is changing view or recovering; the cluster has no usable leader
	// from this replica's point of view
	ErrNotNormal = errors.New("no leader available")
	// ErrBackpressure is returned when too many proposals are waiting for a quorum
	ErrBackpressure = errors.New("too many uncommitted operations")
	// ErrInvariantViolation marks a programming contract failure, the replica halts on it
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrHalted is returned by every operation once the replica halted
	ErrHalted = errors.New("replica halted")
	// ErrRetired is returned once the replica was removed from the configuration
	ErrRetired = errors.New("replica removed from configuration")
	// ErrFeatureDisabled is returned when the cluster version does not enable a feature yet
	ErrFeatureDisabled = errors.New("feature not enabled at cluster version")
	// ErrReconfigInProgress is returned when a reconfiguration is proposed during the joint phase
	ErrReconfigInProgress = errors.New("reconfiguration already in progress")
	// ErrCommittedConflict is returned when a history would replace a committed entry
	ErrCommittedConflict = errors.New("history conflicts with committed entry")
)

// NotLeaderError carries the replica the caller should retry against
type NotLeaderError struct {
	Leader vsr.ReplicaID
	View   vsr.ViewNumber
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("%v: leader of view %d is %d", ErrNotLeader, e.View, e.Leader)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// ErrStaleRequest is returned for a client request older than the latest one seen from that client
var ErrStaleRequest = errors.New("stale client request")
