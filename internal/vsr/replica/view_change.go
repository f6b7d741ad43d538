package replica

import (
	"slices"

	"vsr-engine/internal/vsr"
)

// StartViewChange abandons the current view and asks the cluster to move to the next one
func (r *Replica) StartViewChange() error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()
	if r.status == vsr.StatusRecovering {
		return ErrNotNormal
	}
	r.startViewChange(r.view + 1)
	return nil
}

func (r *Replica) startViewChange(view vsr.ViewNumber) {
	if view <= r.view {
		return
	}
	plog.Infof("[%s] [VIEW-%d] starting view change to view %d, leader %s", r.id, r.view, view,
		r.reconfig.LeaderOf(view))
	r.enterView(view, vsr.StatusViewChange)
	r.svcVotes.Add(r.id)
	r.broadcast(vsr.StartViewChange{View: view, Replica: r.id})
	r.checkStartViewChangeQuorum()
}

// enterView moves to view with status and resets every accumulator bound to the previous view
func (r *Replica) enterView(view vsr.ViewNumber, status vsr.Status) {
	if view != r.view || status == vsr.StatusViewChange {
		r.viewStartedAt = r.ticks
	}
	r.view = view
	r.status = status
	if status == vsr.StatusNormal {
		r.lastNormalView = view
	}
	r.svcVotes = vsr.NewReplicaSet()
	clear(r.dvcs)
	r.rejected = vsr.NewReplicaSet()
	r.sentDVC = false
	r.votes.clear()
	r.dedup.prune(view)
	r.gapGoal = 0
	r.pending = nil
	// a commit number learned in an earlier view may come from a history that was never installed
	r.commitTarget = r.commit
	r.cancelRepair()
	clear(r.proposedAt)
	r.lastLeaderContact = r.ticks
	r.lastHeartbeat = r.ticks
	r.lastPrepareSent = r.ticks
	r.resetTimers()
	r.markDirty()
}

func (r *Replica) onStartViewChange(from vsr.ReplicaID, m vsr.StartViewChange) error {
	switch {
	case r.status == vsr.StatusRecovering:
		return nil
	case m.View < r.view:
		return nil
	case m.View == r.view && r.status == vsr.StatusNormal:
		return nil
	case m.View > r.view:
		r.startViewChange(m.View)
	}
	r.svcVotes.Add(from)
	r.checkStartViewChangeQuorum()
	return nil
}

// checkStartViewChangeQuorum sends this replica's history to the prospective leader once a quorum agreed to
// leave the previous view
func (r *Replica) checkStartViewChangeQuorum() {
	if r.status != vsr.StatusViewChange || r.sentDVC || !r.reconfig.HasQuorum(r.svcVotes) {
		return
	}
	dvc, ok := r.buildDoViewChange()
	if !ok {
		return
	}
	r.sentDVC = true
	leader := r.leader()
	if leader != r.id {
		plog.Debugf("[%s] [VIEW-%d] sending DoViewChange op=%d commit=%d to %s", r.id, r.view, dvc.Op, dvc.Commit,
			leader)
		r.send(leader, dvc)
		return
	}
	r.dvcs[r.id] = dvc
	r.tryCompleteViewChange()
}

func (r *Replica) buildDoViewChange() (vsr.DoViewChange, bool) {
	if uint64(r.op-r.commit) > vsr.MaxLogTailEntries {
		plog.Errorf("[%s] [VIEW-%d] %d uncommitted ops exceed the log tail limit", r.id, r.view, r.op-r.commit)
		return vsr.DoViewChange{}, false
	}
	tail, err := r.entries(r.commit+1, r.op)
	if err != nil {
		r.fail(err)
		return vsr.DoViewChange{}, false
	}
	return vsr.DoViewChange{
		View:           r.view,
		Replica:        r.id,
		LastNormalView: r.lastNormalView,
		Op:             r.op,
		Commit:         r.commit,
		LogTail:        tail,
		Reconfig:       r.reconfig,
		Version:        r.upgrade.SelfVersion,
	}, true
}

func (r *Replica) onDoViewChange(from vsr.ReplicaID, m vsr.DoViewChange) error {
	switch {
	case r.status == vsr.StatusRecovering:
		return nil
	case m.View < r.view:
		return nil
	case m.View == r.view && r.status == vsr.StatusNormal:
		return nil
	case m.View > r.view:
		r.startViewChange(m.View)
	}
	if r.leader() != r.id || r.rejected.Contains(from) {
		return nil
	}
	r.observeVersion(from, m.Version)
	r.dvcs[from] = m
	// a DoViewChange implies its sender left the previous view
	r.svcVotes.Add(from)
	r.checkStartViewChangeQuorum()
	r.tryCompleteViewChange()
	return nil
}

// doViewChangeQuorum checks the senders against the local configuration and against the configuration every
// sender claims, joint or stable, so a configuration another replica already holds is never outvoted
func (r *Replica) doViewChangeQuorum() bool {
	senders := vsr.NewReplicaSet()
	for id := range r.dvcs {
		senders.Add(id)
	}
	if !r.reconfig.HasQuorum(senders) {
		return false
	}
	for _, dvc := range r.dvcs {
		if !dvc.Reconfig.HasQuorum(senders) {
			return false
		}
	}
	return true
}

// bestDoViewChange picks the history with the highest (LastNormalView, Op), ties going to the lowest replica id
func (r *Replica) bestDoViewChange() vsr.DoViewChange {
	ids := make([]vsr.ReplicaID, 0, len(r.dvcs))
	for id := range r.dvcs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	best := r.dvcs[ids[0]]
	for _, id := range ids[1:] {
		d := r.dvcs[id]
		if d.LastNormalView > best.LastNormalView || (d.LastNormalView == best.LastNormalView && d.Op > best.Op) {
			best = d
		}
	}
	return best
}

func (r *Replica) tryCompleteViewChange() {
	if r.status != vsr.StatusViewChange || r.leader() != r.id || r.pending != nil {
		return
	}
	if _, ok := r.dvcs[r.id]; !ok || !r.doViewChangeQuorum() {
		return
	}

	best := r.bestDoViewChange()
	h := history{commit: best.Commit, op: best.Op, tail: best.LogTail, source: best.Replica}
	if err := r.checkHistory(h); err != nil {
		plog.Warningf("[%s] [VIEW-%d] discarding DoViewChange of %s: %v", r.id, r.view, best.Replica, err)
		r.metrics.RecordRejected(vsr.KindDoViewChange)
		r.rejected.Add(best.Replica)
		delete(r.dvcs, best.Replica)
		r.tryCompleteViewChange()
		return
	}
	if !r.installHistory(h, true) {
		return
	}
	r.finishViewChange(best)
}

// finishViewChange makes this replica the leader of the view once its log holds the chosen history
func (r *Replica) finishViewChange(best vsr.DoViewChange) {
	r.adoptReconfigState(best.Reconfig, best.Op)
	if r.retired || r.haltErr != nil {
		return
	}
	if r.leader() != r.id {
		// the chosen history moved leadership elsewhere
		r.startViewChange(r.view + 1)
		return
	}

	lowestCommit := r.commit
	for _, d := range r.dvcs {
		// a commit number beyond the chosen history cannot be verified
		if d.Commit > r.op {
			continue
		}
		if d.Commit > r.commitTarget {
			r.commitTarget = d.Commit
		}
		if d.Commit < lowestCommit {
			lowestCommit = d.Commit
		}
	}

	r.status = vsr.StatusNormal
	r.lastNormalView = r.view
	r.markDirty()
	r.metrics.RecordViewChange(r.ticksToDuration(r.ticks - r.viewStartedAt))
	clear(r.dvcs)
	r.advanceCommit()
	if r.op > r.commit {
		r.votes.record(r.view, r.op, r.id)
	}
	plog.Infof("[%s] [VIEW-%d] leader with op=%d commit=%d from %s", r.id, r.view, r.op, r.commit, best.Replica)

	// the StartView tail starts at the lowest commit reported, so replicas that sent a DoViewChange keep their
	// committed prefix without a repair
	svCommit := min(lowestCommit, r.commit)
	if uint64(r.op-svCommit) > vsr.MaxLogTailEntries {
		svCommit = r.op - vsr.MaxLogTailEntries
	}
	tail, err := r.entries(svCommit+1, r.op)
	if err != nil {
		r.fail(err)
		return
	}
	r.broadcast(vsr.StartView{
		View:     r.view,
		Op:       r.op,
		Commit:   svCommit,
		LogTail:  tail,
		Reconfig: r.reconfig,
		Version:  r.upgrade.SelfVersion,
	})
	if r.commit > svCommit {
		r.broadcast(vsr.Commit{View: r.view, Commit: r.commit})
	}
	r.lastHeartbeat = r.ticks
	r.lastPrepareSent = r.ticks
	r.tryCommit()
}

func (r *Replica) onStartView(from vsr.ReplicaID, m vsr.StartView) error {
	if m.View < r.view || (m.View == r.view && r.status == vsr.StatusNormal) {
		return nil
	}
	if leader := m.Reconfig.LeaderOf(m.View); from != leader {
		plog.Warningf("[%s] [VIEW-%d] StartView for view %d from %s, expected %s", r.id, r.view, m.View, from, leader)
		return nil
	}
	h := history{commit: m.Commit, op: m.Op, tail: m.LogTail, source: from}
	if err := r.checkHistory(h); err != nil {
		r.metrics.RecordRejected(vsr.KindStartView)
		plog.Errorf("[%s] [VIEW-%d] refusing StartView of view %d: %v", r.id, r.view, m.View, err)
		return err
	}

	r.recovery = nil
	r.enterView(m.View, vsr.StatusNormal)
	r.observeVersion(from, m.Version)
	done := r.installHistory(h, false)
	r.adoptReconfigState(m.Reconfig, m.Op)
	if r.retired || r.haltErr != nil {
		return nil
	}
	plog.Infof("[%s] [VIEW-%d] started view, leader %s op=%d commit=%d", r.id, r.view, from, r.op, r.commit)
	if done {
		r.sendPrepareOk()
	}
	r.learnCommit(m.Commit)
	return nil
}
