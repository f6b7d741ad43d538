package replica

import (
	"fmt"

	"vsr-engine/internal/vsr"
)

// maxResend bounds the Prepares re-sent on a prepare timeout
const maxResend = 64

// Propose appends cmd to the log and replicates it. Only the leader in Normal status accepts proposals.
func (r *Replica) Propose(cmd vsr.Command, client vsr.ClientMetadata) (vsr.OpNumber, error) {
	if err := r.checkUsable(); err != nil {
		return 0, err
	}
	defer r.afterStep()
	if cmd.Kind == vsr.CommandReconfig {
		return 0, fmt.Errorf("%w: membership changes go through ProposeReconfig", vsr.ErrInvalidReconfig)
	}
	if err := r.checkLeader(); err != nil {
		return 0, err
	}
	if err := r.checkPipeline(); err != nil {
		return 0, err
	}
	return r.prepare(cmd, client)
}

// HandleRequest serves a client request. The answer, immediate rejection or committed result, shows up in the
// Replies of an Output.
func (r *Replica) HandleRequest(req vsr.Request) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()
	if err := vsr.ValidateMessage(vsr.Message{From: r.id, Payload: req}); err != nil {
		r.reject(req, err)
		return nil
	}
	r.onRequest(req)
	return nil
}

func (r *Replica) onRequest(req vsr.Request) {
	sessions := r.upgrade.IsFeatureEnabled(vsr.FeatureClientSessions) && req.Client.ClientID != ""
	if sessions {
		if s, ok := r.sessions.get(req.Client.ClientID); ok {
			switch {
			case req.Client.RequestNumber < s.requestNumber:
				r.reject(req, fmt.Errorf("%w: request %d, latest %d", ErrStaleRequest, req.Client.RequestNumber,
					s.requestNumber))
				return
			case req.Client.RequestNumber == s.requestNumber:
				if s.reply != nil {
					r.out.Replies = append(r.out.Replies, *s.reply)
				}
				// still in flight, answered once committed
				return
			}
		}
	}

	var (
		op  vsr.OpNumber
		err error
	)
	switch req.Command.Kind {
	case vsr.CommandReconfig:
		op, err = r.proposeReconfig(*req.Command.Reconfig, req.Client)
	default:
		if err = r.checkLeader(); err == nil {
			if err = r.checkPipeline(); err == nil {
				op, err = r.prepare(req.Command, req.Client)
			}
		}
	}
	if err != nil {
		r.reject(req, err)
		return
	}
	if sessions {
		r.sessions.markPending(req.Client, op)
	}
}

func (r *Replica) reject(req vsr.Request, err error) {
	r.out.Replies = append(r.out.Replies, vsr.Reply{
		View:       r.view,
		Client:     req.Client,
		Err:        err.Error(),
		LeaderHint: r.leader(),
	})
}

// prepare appends a new entry at op+1, votes for it and sends it to every backup
func (r *Replica) prepare(cmd vsr.Command, client vsr.ClientMetadata) (vsr.OpNumber, error) {
	entry := vsr.LogEntry{Op: r.op + 1, View: r.view, Command: cmd, Client: client}
	if err := r.log.Append(entry); err != nil {
		r.fail(fmt.Errorf("append op %d: %w", entry.Op, err))
		return 0, r.haltErr
	}
	r.op = entry.Op
	r.votes.record(r.view, entry.Op, r.id)
	r.proposedAt[entry.Op] = r.ticks
	r.metrics.RecordPrepare()
	plog.Debugf("[%s] [VIEW-%d] prepared %s", r.id, r.view, entry)

	r.broadcast(vsr.Prepare{View: r.view, Op: entry.Op, Entry: entry, Commit: r.commit})
	r.lastPrepareSent = r.ticks
	r.tryCommit()
	return entry.Op, nil
}

// fromLeader reports whether a normal-path message comes from the leader of the current view. A message from a
// later view, or from the current view while this replica still waits for StartView, means this replica missed
// the view change and has to catch up through recovery.
func (r *Replica) fromLeader(from vsr.ReplicaID, view vsr.ViewNumber) bool {
	switch {
	case r.status == vsr.StatusRecovering || view < r.view:
		return false
	case view > r.view || r.status == vsr.StatusViewChange:
		plog.Infof("[%s] [VIEW-%d] %s is in view %d, starting state transfer", r.id, r.view, from, view)
		r.startRecovery()
		return false
	case r.isLeader() || from != r.leader():
		return false
	}
	r.lastLeaderContact = r.ticks
	return true
}

func (r *Replica) onPrepare(from vsr.ReplicaID, m vsr.Prepare) error {
	if !r.fromLeader(from, m.View) {
		return nil
	}
	if r.pending != nil {
		// the history adopted from StartView is still being filled
		r.ensureRepair()
		return nil
	}

	switch {
	case m.Op <= r.op:
		existing, ok, err := r.log.Get(m.Op)
		if err != nil {
			r.fail(fmt.Errorf("read op %d: %w", m.Op, err))
			return nil
		}
		if !ok || !existing.Equal(m.Entry) {
			plog.Warningf("[%s] [VIEW-%d] prepare for op %d conflicts with the local log", r.id, r.view, m.Op)
			return nil
		}
		r.sendPrepareOk()
	case m.Op > r.op+1:
		if goal := m.Op - 1; goal > r.gapGoal {
			r.gapGoal = goal
		}
		plog.Debugf("[%s] [VIEW-%d] gap before op %d, local op %d", r.id, r.view, m.Op, r.op)
		r.ensureRepair()
	default:
		if !r.appendEntry(m.Entry) {
			return nil
		}
		r.sendPrepareOk()
	}
	r.learnCommit(m.Commit)
	return nil
}

// appendEntry appends the entry that directly follows the log
func (r *Replica) appendEntry(e vsr.LogEntry) bool {
	if e.Op != r.op+1 {
		r.violation("append of op %d after op %d", e.Op, r.op)
		return false
	}
	if err := r.log.Append(e); err != nil {
		r.fail(fmt.Errorf("append op %d: %w", e.Op, err))
		return false
	}
	r.op = e.Op
	r.adoptReconfigEntry(e)
	return true
}

func (r *Replica) sendPrepareOk() {
	if r.op == 0 || r.isLeader() {
		return
	}
	r.send(r.leader(), vsr.PrepareOk{View: r.view, Op: r.op, Replica: r.id, Version: r.upgrade.SelfVersion})
}

func (r *Replica) onPrepareOk(from vsr.ReplicaID, m vsr.PrepareOk) error {
	if !r.isLeader() || m.View != r.view {
		return nil
	}
	r.observeVersion(from, m.Version)
	if m.Op > r.op {
		plog.Warningf("[%s] [VIEW-%d] %s acknowledged op %d beyond op %d", r.id, r.view, from, m.Op, r.op)
		return nil
	}
	if m.Op <= r.commit {
		return nil
	}
	r.votes.record(m.View, m.Op, from)
	r.tryCommit()
	return nil
}

// tryCommit commits every op that gathered a quorum, in order, and announces the new commit number
func (r *Replica) tryCommit() {
	view := r.view
	advanced := false
	for r.isLeader() && r.view == view && r.commit < r.op {
		next := r.commit + 1
		if !r.votes.quorumReached(view, next, r.reconfig) {
			break
		}
		if next > r.commitTarget {
			r.commitTarget = next
		}
		if !r.applyNext() {
			return
		}
		advanced = true
	}
	if !advanced {
		return
	}
	r.votes.prune(view, r.commit)
	if r.view == view {
		r.broadcast(vsr.Commit{View: view, Commit: r.commit})
	}
}

func (r *Replica) onCommit(from vsr.ReplicaID, m vsr.Commit) error {
	if !r.fromLeader(from, m.View) {
		return nil
	}
	r.learnCommit(m.Commit)
	return nil
}

// learnCommit raises the known commit number and applies what the local log already holds. Missing entries
// are repaired, never skipped.
func (r *Replica) learnCommit(c vsr.OpNumber) {
	if c > r.commitTarget {
		r.commitTarget = c
	}
	r.advanceCommit()
	if r.commitTarget > r.op {
		r.ensureRepair()
	}
}

// advanceCommit applies contiguous entries up to the known commit number
func (r *Replica) advanceCommit() {
	for r.commit < r.commitTarget && r.commit < r.op && r.haltErr == nil {
		if !r.applyNext() {
			return
		}
	}
}

func (r *Replica) applyNext() bool {
	next := r.commit + 1
	entry, ok, err := r.log.Get(next)
	if err != nil {
		r.fail(fmt.Errorf("read op %d: %w", next, err))
		return false
	}
	if !ok {
		r.violation("op %d below op %d missing from the log", next, r.op)
		return false
	}
	r.apply(entry)
	return r.haltErr == nil
}

// apply hands a committed entry to the state machine. Ops the state machine already reflects are not applied
// twice.
func (r *Replica) apply(entry vsr.LogEntry) {
	var (
		result   []byte
		applyErr error
	)
	if entry.Command.Kind == vsr.CommandData && entry.Op > r.kernel.LastApplied() {
		result, applyErr = r.kernel.Apply(entry.Op, entry.Command)
	}
	r.commit = entry.Op
	r.markDirty()
	r.out.Applied = append(r.out.Applied, Applied{Op: entry.Op, Entry: entry, Result: result, Err: applyErr})
	if sentAt, ok := r.proposedAt[entry.Op]; ok {
		r.metrics.RecordCommit(r.ticksToDuration(r.ticks - sentAt))
		delete(r.proposedAt, entry.Op)
	}

	if !entry.Client.IsZero() {
		reply := vsr.Reply{View: r.view, Client: entry.Client, Op: entry.Op, Result: result, LeaderHint: r.leader()}
		if applyErr != nil {
			reply.Err = applyErr.Error()
		}
		if entry.Client.ClientID != "" && r.upgrade.IsFeatureEnabled(vsr.FeatureClientSessions) {
			r.sessions.recordCommitted(reply)
		}
		if r.isLeader() {
			r.out.Replies = append(r.out.Replies, reply)
		}
	}

	if r.reconfig.ReadyToTransition(r.commit) {
		r.completeReconfig()
	}
}

func (r *Replica) heartbeat() {
	r.lastHeartbeat = r.ticks
	r.broadcast(vsr.Ping{
		View:     r.view,
		Commit:   r.commit,
		Version:  r.upgrade.SelfVersion,
		Versions: r.upgrade.Snapshot(r.id),
	})
}

// resendPrepares re-sends the oldest uncommitted Prepares, backups acknowledge what they already hold
func (r *Replica) resendPrepares() {
	r.lastPrepareSent = r.ticks
	hi := min(r.op, r.commit+maxResend)
	entries, err := r.entries(r.commit+1, hi)
	if err != nil {
		r.fail(fmt.Errorf("read uncommitted ops: %w", err))
		return
	}
	plog.Debugf("[%s] [VIEW-%d] re-sending %d prepares after op %d", r.id, r.view, len(entries), r.commit)
	for _, e := range entries {
		r.broadcast(vsr.Prepare{View: r.view, Op: e.Op, Entry: e, Commit: r.commit})
	}
}

func (r *Replica) onPing(from vsr.ReplicaID, m vsr.Ping) error {
	if !r.fromLeader(from, m.View) {
		return nil
	}
	r.observeVersion(from, m.Version)
	for _, rv := range m.Versions {
		r.observeVersion(rv.Replica, rv.Version)
	}
	r.send(from, vsr.Pong{View: r.view, Op: r.op, Replica: r.id, Version: r.upgrade.SelfVersion})
	r.learnCommit(m.Commit)
	return nil
}

func (r *Replica) onPong(from vsr.ReplicaID, m vsr.Pong) error {
	if !r.isLeader() || m.View != r.view {
		return nil
	}
	r.observeVersion(from, m.Version)
	return nil
}
