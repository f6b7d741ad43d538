package replica

import (
	"fmt"

	"vsr-engine/internal/vsr"
)

// history is a log suffix offered by another replica: the entries (commit, op] plus the claim that every op up
// to commit is committed
type history struct {
	commit vsr.OpNumber
	op     vsr.OpNumber
	tail   []vsr.LogEntry
	source vsr.ReplicaID
}

// checkHistory verifies that adopting h keeps every locally committed entry
func (r *Replica) checkHistory(h history) error {
	if h.op < r.commit {
		return fmt.Errorf("%w: history ends at op %d below commit %d", ErrCommittedConflict, h.op, r.commit)
	}
	for _, e := range h.tail {
		if e.Op > r.commit {
			break
		}
		ours, ok, err := r.log.Get(e.Op)
		if err != nil {
			return fmt.Errorf("read op %d: %w", e.Op, err)
		}
		if !ok || !ours.Equal(e) {
			return fmt.Errorf("%w: op %d", ErrCommittedConflict, e.Op)
		}
	}
	return nil
}

// installHistory replaces the uncommitted part of the log with h. Local entries above the local commit cannot be
// trusted when h claims a higher commit, so they are dropped and the committed range is repaired from the
// source first. It reports whether the history is fully installed.
func (r *Replica) installHistory(h history, viewChange bool) bool {
	if h.commit > r.commit && h.source != r.id {
		if !r.truncate(r.commit) {
			return false
		}
		r.pending = &pendingHistory{history: h, viewChange: viewChange}
		if h.commit > r.commitTarget {
			r.commitTarget = h.commit
		}
		plog.Infof("[%s] [VIEW-%d] missing committed ops (%d, %d], repairing from %s", r.id, r.view, r.commit,
			h.commit, h.source)
		r.ensureRepair()
		return false
	}
	return r.appendTail(h)
}

// appendTail writes the entries of h above the local commit, keeping the matching prefix in place
func (r *Replica) appendTail(h history) bool {
	for _, e := range h.tail {
		if e.Op <= r.commit {
			continue
		}
		if e.Op <= r.op {
			ours, ok, err := r.log.Get(e.Op)
			if err != nil {
				r.fail(fmt.Errorf("read op %d: %w", e.Op, err))
				return false
			}
			if ok && ours.Equal(e) {
				continue
			}
			if !r.truncate(e.Op - 1) {
				return false
			}
		}
		if e.Op != r.op+1 {
			r.violation("history entry op %d does not follow op %d", e.Op, r.op)
			return false
		}
		if err := r.log.Append(e); err != nil {
			r.fail(fmt.Errorf("append op %d: %w", e.Op, err))
			return false
		}
		r.op = e.Op
	}
	return r.truncate(h.op)
}

// completePending finishes a history install once the committed range it needed was repaired
func (r *Replica) completePending() {
	p := r.pending
	if p == nil || r.op < p.commit {
		return
	}
	r.advanceCommit()
	if r.commit < p.commit {
		return
	}
	r.pending = nil
	plog.Infof("[%s] [VIEW-%d] repaired committed ops up to %d", r.id, r.view, p.commit)
	if p.viewChange {
		r.tryCompleteViewChange()
		return
	}
	if r.appendTail(p.history) {
		r.sendPrepareOk()
	}
}

// truncate drops every entry above op. Committed entries are never dropped.
func (r *Replica) truncate(op vsr.OpNumber) bool {
	if op >= r.op {
		return true
	}
	if op < r.commit {
		r.violation("truncation to op %d below commit %d", op, r.commit)
		return false
	}
	if err := r.log.TruncateSuffix(op); err != nil {
		r.fail(fmt.Errorf("truncate after op %d: %w", op, err))
		return false
	}
	plog.Infof("[%s] [VIEW-%d] truncated log from op %d to op %d", r.id, r.view, r.op, op)
	r.op = op
	r.sessions.dropPending(op)
	for pending := range r.proposedAt {
		if pending > op {
			delete(r.proposedAt, pending)
		}
	}
	if r.reconfigOp > op {
		r.reconfigOp = op
	}
	if r.reconfig.IsJoint() && r.reconfig.JointOp > op {
		plog.Infof("[%s] [VIEW-%d] reconfiguration at op %d undone", r.id, r.view, r.reconfig.JointOp)
		r.reconfig = vsr.NewStableState(r.reconfig.Old)
		r.markDirty()
	}
	return true
}
