package replica

import "vsr-engine/internal/vsr"

type voteKey struct {
	view vsr.ViewNumber
	op   vsr.OpNumber
}

// voteTracker accumulates PrepareOk senders per (view, op). A PrepareOk for op n acknowledges every op up to n,
// so the voters of op k are the senders of any ack with op >= k in the same view.
type voteTracker struct {
	votes map[voteKey]vsr.ReplicaSet
}

func newVoteTracker() *voteTracker {
	return &voteTracker{votes: make(map[voteKey]vsr.ReplicaSet)}
}

func (t *voteTracker) record(view vsr.ViewNumber, op vsr.OpNumber, from vsr.ReplicaID) {
	key := voteKey{view: view, op: op}
	set, ok := t.votes[key]
	if !ok {
		set = vsr.NewReplicaSet()
		t.votes[key] = set
	}
	set.Add(from)
}

// voters returns every replica whose ack covers op in view
func (t *voteTracker) voters(view vsr.ViewNumber, op vsr.OpNumber) vsr.ReplicaSet {
	all := vsr.NewReplicaSet()
	for key, set := range t.votes {
		if key.view != view || key.op < op {
			continue
		}
		for id := range set {
			all.Add(id)
		}
	}
	return all
}

func (t *voteTracker) quorumReached(view vsr.ViewNumber, op vsr.OpNumber, state vsr.ReconfigState) bool {
	return state.HasQuorum(t.voters(view, op))
}

// prune drops every accumulator for committed ops and for other views
func (t *voteTracker) prune(view vsr.ViewNumber, commit vsr.OpNumber) {
	for key := range t.votes {
		if key.view != view || key.op <= commit {
			delete(t.votes, key)
		}
	}
}

func (t *voteTracker) clear() {
	clear(t.votes)
}
