package replica

import (
	"vsr-engine/internal/vsr"
)

// startRecovery stops participating and asks the cluster for the current view and log. It is used after a
// restart and whenever a message shows this replica missed a view change.
func (r *Replica) startRecovery() {
	r.cancelRepair()
	r.pending = nil
	r.gapGoal = 0
	r.status = vsr.StatusRecovering
	r.votes.clear()
	r.svcVotes = vsr.NewReplicaSet()
	clear(r.dvcs)
	r.recovery = &recoveryState{
		nonce:     vsr.NewNonce(),
		startedAt: r.ticks,
		responses: make(map[vsr.ReplicaID]vsr.RecoveryResponse),
	}
	plog.Infof("[%s] [VIEW-%d] recovering with op=%d commit=%d", r.id, r.view, r.op, r.commit)
	r.broadcast(vsr.Recovery{Replica: r.id, Nonce: r.recovery.nonce, KnownOp: r.op, KnownCommit: r.commit})
}

func (r *Replica) onRecovery(from vsr.ReplicaID, m vsr.Recovery) error {
	if r.status != vsr.StatusNormal {
		return nil
	}
	resp := vsr.RecoveryResponse{
		View:     r.view,
		Replica:  r.id,
		Nonce:    m.Nonce,
		Op:       r.op,
		Commit:   r.commit,
		Reconfig: r.reconfig,
		Version:  r.upgrade.SelfVersion,
	}
	if r.isLeader() {
		// the tail starts at what the recovering replica already committed, so it only repairs what it lacks
		lower := min(m.KnownCommit, r.commit)
		if uint64(r.op-lower) > vsr.MaxLogTailEntries {
			lower = min(r.op-vsr.MaxLogTailEntries, r.commit)
		}
		tail, err := r.entries(lower+1, r.op)
		if err != nil {
			r.fail(err)
			return nil
		}
		resp.Commit = lower
		resp.LogTail = tail
	}
	plog.Debugf("[%s] [VIEW-%d] answering recovery of %s", r.id, r.view, from)
	r.send(from, resp)
	return nil
}

func (r *Replica) onRecoveryResponse(from vsr.ReplicaID, m vsr.RecoveryResponse) error {
	rec := r.recovery
	if r.status != vsr.StatusRecovering || rec == nil || m.Nonce != rec.nonce {
		return nil
	}
	if m.View < r.view {
		// views never go back, this responder is behind
		return nil
	}
	r.observeVersion(from, m.Version)
	rec.responses[from] = m
	r.tryCompleteRecovery()
	return nil
}

// tryCompleteRecovery needs a quorum of responses that includes the leader of the highest view reported
func (r *Replica) tryCompleteRecovery() {
	rec := r.recovery
	var highest vsr.ViewNumber
	for _, resp := range rec.responses {
		highest = max(highest, resp.View)
	}
	var (
		leader vsr.RecoveryResponse
		found  bool
	)
	responders := vsr.NewReplicaSet()
	for id, resp := range rec.responses {
		responders.Add(id)
		if resp.View == highest && resp.Reconfig.LeaderOf(resp.View) == id {
			leader, found = resp, true
		}
	}
	if !found || !leader.Reconfig.HasQuorum(responders) {
		return
	}
	if uint64(len(leader.LogTail)) != uint64(leader.Op-leader.Commit) {
		plog.Warningf("[%s] recovery response of leader %s carries no log tail", r.id, leader.Replica)
		delete(rec.responses, leader.Replica)
		return
	}

	h := history{commit: leader.Commit, op: leader.Op, tail: leader.LogTail, source: leader.Replica}
	if err := r.checkHistory(h); err != nil {
		r.violation("recovery history of %s: %v", leader.Replica, err)
		return
	}
	r.recovery = nil
	r.enterView(leader.View, vsr.StatusNormal)
	done := r.installHistory(h, false)
	r.adoptReconfigState(leader.Reconfig, leader.Op)
	if r.retired || r.haltErr != nil {
		return
	}
	plog.Infof("[%s] [VIEW-%d] recovered from %s, op=%d commit=%d", r.id, r.view, leader.Replica, r.op, r.commit)
	if done {
		r.sendPrepareOk()
	}
	r.learnCommit(leader.Commit)
}
