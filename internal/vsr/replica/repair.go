package replica

import (
	"vsr-engine/internal/vsr"
)

// repairGoal is the highest op this replica must fetch before it can make progress
func (r *Replica) repairGoal() vsr.OpNumber {
	if r.pending != nil {
		return r.pending.commit
	}
	return max(r.commitTarget, r.gapGoal)
}

// ensureRepair sends a RepairRequest for the next missing range unless one is already outstanding
func (r *Replica) ensureRepair() {
	if r.repair != nil || r.retired || r.haltErr != nil {
		return
	}
	if r.status == vsr.StatusRecovering {
		return
	}
	goal := r.repairGoal()
	if goal <= r.op {
		return
	}
	start := r.op + 1
	end := min(goal+1, start+vsr.MaxRepairBatch)
	target, ok := r.repairTarget(end - 1)
	if !ok {
		return
	}
	nonce := vsr.NewNonce()
	r.repair = &repairState{nonce: nonce, target: target, start: start, end: end, sentAt: r.ticks}
	r.budget.RecordSent(target, nonce, r.ticks)
	plog.Debugf("[%s] [VIEW-%d] requesting ops [%d, %d) from %s", r.id, r.view, start, end, target)
	r.send(target, vsr.RepairRequest{Replica: r.id, View: r.view, Nonce: nonce, Start: start, End: end})
}

// repairTarget picks who serves a range ending at last. Uncommitted entries only come from the leader, committed
// ones from any replica, preferring the source of an adopted history on the first attempt.
func (r *Replica) repairTarget(last vsr.OpNumber) (vsr.ReplicaID, bool) {
	leader := r.leader()
	if last > r.commitTarget {
		if r.status != vsr.StatusNormal || leader == r.id || r.budget.AvailableSlots(leader) == 0 {
			return 0, false
		}
		return leader, true
	}
	if p := r.pending; p != nil && p.attempts == 0 && p.source != r.id && r.budget.AvailableSlots(p.source) > 0 {
		return p.source, true
	}
	if r.upgrade.IsFeatureEnabled(vsr.FeatureRepairBudgets) {
		return r.budget.SelectReplica(r.peers())
	}
	switch {
	case r.pending != nil && r.pending.source != r.id:
		return r.pending.source, r.budget.AvailableSlots(r.pending.source) > 0
	case r.status == vsr.StatusNormal && leader != r.id:
		return leader, r.budget.AvailableSlots(leader) > 0
	default:
		return r.budget.SelectReplica(r.peers())
	}
}

func (r *Replica) cancelRepair() {
	if r.repair == nil {
		return
	}
	r.budget.Release(r.repair.target, r.repair.nonce)
	r.repair = nil
}

func (r *Replica) expireRepair() {
	r.budget.ExpireStale(r.ticks, r.cfg.RepairTimeoutTicks)
	rs := r.repair
	if rs == nil {
		return
	}
	plog.Debugf("[%s] [VIEW-%d] repair of [%d, %d) from %s timed out", r.id, r.view, rs.start, rs.end, rs.target)
	r.budget.RecordExpired(rs.target, rs.nonce)
	r.metrics.RecordRepair(r.ticksToDuration(r.ticks-rs.sentAt), false)
	r.repair = nil
	if r.pending != nil {
		r.pending.attempts++
	}
	r.ensureRepair()
}

func (r *Replica) onRepairRequest(from vsr.ReplicaID, m vsr.RepairRequest) error {
	if r.status == vsr.StatusRecovering {
		r.send(from, vsr.RepairResponse{Replica: r.id, Nonce: m.Nonce, Start: m.Start, Nack: vsr.NackRecovering})
		return nil
	}
	// only committed entries are certain, except for the leader answering a replica of its own view
	limit := r.commit
	if r.isLeader() && m.View == r.view {
		limit = r.op
	}
	if m.Start > limit {
		r.send(from, vsr.RepairResponse{Replica: r.id, Nonce: m.Nonce, Start: m.Start, Nack: vsr.NackNotSeen,
			HighestOp: limit})
		return nil
	}
	last := min(m.End-1, limit, m.Start+vsr.MaxRepairBatch-1)
	entries, err := r.entries(m.Start, last)
	if err != nil {
		r.fail(err)
		return nil
	}
	r.send(from, vsr.RepairResponse{Replica: r.id, Nonce: m.Nonce, Start: m.Start, Entries: entries,
		HighestOp: limit})
	return nil
}

func (r *Replica) onRepairResponse(from vsr.ReplicaID, m vsr.RepairResponse) error {
	rs := r.repair
	if rs == nil || m.Nonce != rs.nonce || from != rs.target {
		return nil
	}
	latency := r.ticksToDuration(r.ticks - rs.sentAt)
	r.repair = nil
	if m.Nack != vsr.NackNone || len(m.Entries) == 0 || m.Start != rs.start {
		plog.Debugf("[%s] [VIEW-%d] repair of [%d, %d) refused by %s: %s", r.id, r.view, rs.start, rs.end, from,
			m.Nack)
		r.budget.RecordExpired(from, m.Nonce)
		r.metrics.RecordRepair(latency, false)
		if r.pending != nil {
			r.pending.attempts++
		}
		// retried on the next tick
		return nil
	}
	r.budget.RecordCompleted(from, m.Nonce, latency)
	r.metrics.RecordRepair(latency, true)

	appended := false
	for _, e := range m.Entries {
		if e.Op >= rs.end {
			break
		}
		if e.Op <= r.op {
			continue
		}
		if e.Op != r.op+1 {
			break
		}
		if !r.appendEntry(e) {
			return nil
		}
		appended = true
	}
	if r.pending != nil {
		r.completePending()
	} else {
		r.advanceCommit()
		if appended && r.status == vsr.StatusNormal {
			r.sendPrepareOk()
		}
	}
	r.ensureRepair()
	return nil
}
