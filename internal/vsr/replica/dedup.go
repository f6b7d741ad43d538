package replica

import "vsr-engine/internal/vsr"

type dedupKey struct {
	from vsr.ReplicaID
	kind vsr.MessageKind
	view vsr.ViewNumber
	op   vsr.OpNumber
}

// dedupTracker drops retransmitted votes. Only kinds whose handling is a pure vote are tracked, everything else
// is idempotent on its own.
type dedupTracker struct {
	seen map[dedupKey]struct{}
}

func newDedupTracker() *dedupTracker {
	return &dedupTracker{seen: make(map[dedupKey]struct{})}
}

// duplicate records the message and reports whether an identical one was seen before
func (d *dedupTracker) duplicate(from vsr.ReplicaID, p vsr.Payload) bool {
	var key dedupKey
	switch m := p.(type) {
	case vsr.PrepareOk:
		key = dedupKey{from: from, kind: m.Kind(), view: m.View, op: m.Op}
	case vsr.StartViewChange:
		key = dedupKey{from: from, kind: m.Kind(), view: m.View}
	case vsr.DoViewChange:
		key = dedupKey{from: from, kind: m.Kind(), view: m.View, op: m.Op}
	default:
		return false
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// prune forgets every message bound to a view older than view
func (d *dedupTracker) prune(view vsr.ViewNumber) {
	for key := range d.seen {
		if key.view < view {
			delete(d.seen, key)
		}
	}
}
