package vsr

import (
	"bytes"
	"errors"
	"fmt"
)

// ReplicaID identifies a replica within a cluster configuration
type ReplicaID uint32

// ViewNumber is a numbered epoch with one designated leader. It only increases through a view change.
type ViewNumber uint64

// OpNumber indexes the log. Commit numbers are expressed as OpNumbers as well.
type OpNumber uint64

func (id ReplicaID) String() string { return fmt.Sprintf("R-%d", uint32(id)) }

var (
	// ErrInvalidMessage is returned when a message fails validation at the receive boundary
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidConfig is returned when a cluster or component configuration is malformed
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidReconfig is returned when a reconfiguration command cannot be applied
	ErrInvalidReconfig = errors.New("invalid reconfiguration")
)

// Status is the protocol status of a replica in its current view
type Status uint8

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusViewChange:
		return "ViewChange"
	case StatusRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// Role is derived from the replica Status and LeaderOf, it is never stored
type Role uint8

const (
	RoleBackup Role = iota
	RoleLeader
	RoleRecovering
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "Leader"
	case RoleBackup:
		return "Backup"
	case RoleRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// CommandKind tags the contents of a Command
type CommandKind uint8

const (
	// CommandData carries an opaque payload for the state machine
	CommandData CommandKind = iota
	// CommandReconfig carries a membership change
	CommandReconfig
	// CommandNoop is prepared by a new leader to commit entries from previous views
	CommandNoop
)

func (k CommandKind) String() string {
	switch k {
	case CommandData:
		return "Data"
	case CommandReconfig:
		return "Reconfig"
	case CommandNoop:
		return "Noop"
	default:
		return "Unknown"
	}
}

// Command is what a log entry asks the cluster to do
type Command struct {
	Kind     CommandKind
	Payload  []byte
	Reconfig *ReconfigCommand
}

// DataCommand wraps a state machine payload
func DataCommand(payload []byte) Command {
	return Command{Kind: CommandData, Payload: payload}
}

// ReconfigurationCommand wraps a membership change
func ReconfigurationCommand(cmd ReconfigCommand) Command {
	return Command{Kind: CommandReconfig, Reconfig: &cmd}
}

func (c Command) Equal(o Command) bool {
	if c.Kind != o.Kind || !bytes.Equal(c.Payload, o.Payload) {
		return false
	}
	if (c.Reconfig == nil) != (o.Reconfig == nil) {
		return false
	}
	return c.Reconfig == nil || c.Reconfig.Equal(*o.Reconfig)
}

// ClientMetadata identifies the client request an entry was proposed for. It is empty for entries the cluster
// creates itself.
type ClientMetadata struct {
	ClientID      string
	RequestNumber uint64
}

func (m ClientMetadata) IsZero() bool { return m.ClientID == "" && m.RequestNumber == 0 }

// LogEntry is a single slot of the replicated log. An entry is immutable once committed.
type LogEntry struct {
	Op      OpNumber
	View    ViewNumber
	Command Command
	Client  ClientMetadata
}

// Equal reports whether both entries hold the same operation
func (e LogEntry) Equal(o LogEntry) bool {
	return e.Op == o.Op && e.View == o.View && e.Client == o.Client && e.Command.Equal(o.Command)
}

func (e LogEntry) String() string {
	return fmt.Sprintf("entry{op=%d view=%d kind=%s}", e.Op, e.View, e.Command.Kind)
}

// PersistentState is the replica metadata that survives a restart alongside the log
type PersistentState struct {
	View           ViewNumber
	LastNormalView ViewNumber
	Commit         OpNumber
	Reconfig       ReconfigState
}

// LogStore is the append-only log owned by one replica. Append must be durable before it returns, because a
// PrepareOk for the entry is sent right after.
type LogStore interface {
	// Append stores entry at entry.Op, replacing anything already stored there
	Append(entry LogEntry) error
	// Get returns the entry at op, the bool is false if no entry is stored there
	Get(op OpNumber) (LogEntry, bool, error)
	// TruncateSuffix removes every entry with an op strictly greater than op
	TruncateSuffix(op OpNumber) error
	// EntriesInRange returns the stored entries with lo <= op <= hi in ascending order
	EntriesInRange(lo, hi OpNumber) ([]LogEntry, error)
	// LastOp returns the highest stored op, 0 for an empty log
	LastOp() (OpNumber, error)
	SaveState(state PersistentState) error
	// LoadState returns the last saved state, the bool is false on a fresh store
	LoadState() (PersistentState, bool, error)
	Close() error
}

// StateMachine is the kernel that consumes committed commands. Apply is called once per committed op in commit
// order; an error is a deterministic rejection of the command and is reported back to the client.
type StateMachine interface {
	Apply(op OpNumber, cmd Command) ([]byte, error)
	// LastApplied is the highest op already reflected in the state machine
	LastApplied() OpNumber
}
