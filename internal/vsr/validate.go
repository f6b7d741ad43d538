package vsr

import "fmt"

// ValidateMessage performs the local consistency checks every message must pass before any of its content is
// integrated. It does not look at replica state.
func ValidateMessage(msg Message) error {
	if msg.Payload == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}

	switch m := msg.Payload.(type) {
	case Prepare:
		if m.Op == 0 {
			return invalid(m, "op must be positive")
		}
		if m.Commit >= m.Op {
			return invalid(m, "commit %d not below op %d", m.Commit, m.Op)
		}
		if m.Entry.Op != m.Op || m.Entry.View > m.View {
			return invalid(m, "entry %s does not match op %d view %d", m.Entry, m.Op, m.View)
		}
		return validateCommand(m, m.Entry.Command)
	case PrepareOk:
		if m.Op == 0 {
			return invalid(m, "op must be positive")
		}
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
	case Commit:
		return nil
	case StartViewChange:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
	case DoViewChange:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
		if m.LastNormalView >= m.View {
			return invalid(m, "last normal view %d not below view %d", m.LastNormalView, m.View)
		}
		if err := validateHistory(m, m.View, m.Op, m.Commit, m.LogTail, m.Reconfig); err != nil {
			return err
		}
	case StartView:
		if err := validateHistory(m, m.View, m.Op, m.Commit, m.LogTail, m.Reconfig); err != nil {
			return err
		}
	case Recovery:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
		if m.KnownCommit > m.KnownOp {
			return invalid(m, "known commit %d exceeds known op %d", m.KnownCommit, m.KnownOp)
		}
	case RecoveryResponse:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
		if len(m.LogTail) == 0 && m.Commit <= m.Op {
			// non-leader responses carry no tail, the leader's one is checked by the recovering replica
			if err := m.Reconfig.Validate(); err != nil {
				return invalid(m, "reconfig state: %v", err)
			}
			return nil
		}
		if err := validateHistory(m, m.View, m.Op, m.Commit, m.LogTail, m.Reconfig); err != nil {
			return err
		}
	case Ping:
		return nil
	case Pong:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
	case Request:
		if m.Command.Kind == CommandNoop {
			return invalid(m, "clients cannot submit noop commands")
		}
		return validateCommand(m, m.Command)
	case Reply:
		return nil
	case RepairRequest:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
		if m.Start == 0 || m.End <= m.Start {
			return invalid(m, "empty or malformed range [%d, %d)", m.Start, m.End)
		}
	case RepairResponse:
		if m.Replica != msg.From {
			return invalid(m, "replica %d differs from sender %d", m.Replica, msg.From)
		}
		if len(m.Entries) > MaxRepairBatch {
			return invalid(m, "%d entries exceed the repair batch limit", len(m.Entries))
		}
		if m.Nack != NackNone && len(m.Entries) > 0 {
			return invalid(m, "nack carrying entries")
		}
		for i, e := range m.Entries {
			if e.Op != m.Start+OpNumber(i) {
				return invalid(m, "entry %d has op %d, expected %d", i, e.Op, m.Start+OpNumber(i))
			}
		}
	default:
		return fmt.Errorf("%w: unknown payload %T", ErrInvalidMessage, msg.Payload)
	}
	return nil
}

// validateHistory checks the fields shared by messages that transfer a log tail
func validateHistory(p Payload, view ViewNumber, op, commit OpNumber, tail []LogEntry, reconfig ReconfigState) error {
	if commit > op {
		return invalid(p, "commit %d exceeds op %d", commit, op)
	}
	if len(tail) > MaxLogTailEntries {
		return invalid(p, "log tail of %d entries exceeds limit %d", len(tail), MaxLogTailEntries)
	}
	if uint64(len(tail)) != uint64(op-commit) {
		return invalid(p, "log tail of %d entries inconsistent with op %d commit %d", len(tail), op, commit)
	}
	for i, e := range tail {
		expected := commit + OpNumber(i) + 1
		if e.Op != expected {
			return invalid(p, "log tail entry %d has op %d, expected %d", i, e.Op, expected)
		}
		if e.View > view {
			return invalid(p, "log tail entry %d prepared in future view %d", e.Op, e.View)
		}
		if err := validateCommand(p, e.Command); err != nil {
			return err
		}
	}
	if err := reconfig.Validate(); err != nil {
		return invalid(p, "reconfig state: %v", err)
	}
	if reconfig.IsJoint() && reconfig.JointOp > op {
		return invalid(p, "joint op %d beyond op %d", reconfig.JointOp, op)
	}
	return nil
}

func validateCommand(p Payload, cmd Command) error {
	switch cmd.Kind {
	case CommandData, CommandNoop:
		if cmd.Reconfig != nil {
			return invalid(p, "%s command carries a reconfiguration", cmd.Kind)
		}
	case CommandReconfig:
		if cmd.Reconfig == nil {
			return invalid(p, "reconfig command without body")
		}
	default:
		return invalid(p, "unknown command kind %d", cmd.Kind)
	}
	return nil
}

func invalid(p Payload, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, p.Kind(), fmt.Sprintf(format, args...))
}
