package replica

import (
	"math/rand"
	"slices"
	"time"

	"vsr-engine/internal/vsr"
)

const (
	// MaxInflightPerReplica bounds concurrent repair requests sent to one replica
	MaxInflightPerReplica = 2
	// ewmaAlpha weighs a new latency sample against the running average
	ewmaAlpha = 0.2
	// experimentChance is the probability of picking a random replica instead of the fastest one, so the latency
	// of slow replicas keeps being sampled
	experimentChance = 0.1
	initialLatency   = time.Millisecond
	// maxLatency caps the average so repeated timeouts cannot overflow it
	maxLatency = 10 * time.Second
)

type inflightRepair struct {
	nonce  vsr.Nonce
	sentAt uint64
}

type replicaLatency struct {
	ewma     time.Duration
	inflight []inflightRepair
}

// RepairBudget selects repair targets by observed latency and bounds the requests in flight per replica
type RepairBudget struct {
	self     vsr.ReplicaID
	replicas map[vsr.ReplicaID]*replicaLatency
	rng      *rand.Rand
}

func NewRepairBudget(self vsr.ReplicaID, rng *rand.Rand) *RepairBudget {
	return &RepairBudget{self: self, replicas: make(map[vsr.ReplicaID]*replicaLatency), rng: rng}
}

func (b *RepairBudget) entry(id vsr.ReplicaID) *replicaLatency {
	l, ok := b.replicas[id]
	if !ok {
		l = &replicaLatency{ewma: initialLatency}
		b.replicas[id] = l
	}
	return l
}

// SelectReplica picks a target among candidates that still has a free slot. Self is never picked.
func (b *RepairBudget) SelectReplica(candidates []vsr.ReplicaID) (vsr.ReplicaID, bool) {
	available := make([]vsr.ReplicaID, 0, len(candidates))
	for _, id := range candidates {
		if id != b.self && len(b.entry(id).inflight) < MaxInflightPerReplica {
			available = append(available, id)
		}
	}
	if len(available) == 0 {
		return 0, false
	}
	slices.SortStableFunc(available, func(x, y vsr.ReplicaID) int {
		lx, ly := b.replicas[x].ewma, b.replicas[y].ewma
		switch {
		case lx < ly:
			return -1
		case lx > ly:
			return 1
		default:
			return int(x) - int(y)
		}
	})
	if len(available) > 1 && b.rng.Float64() < experimentChance {
		return available[b.rng.Intn(len(available))], true
	}
	return available[0], true
}

func (b *RepairBudget) RecordSent(id vsr.ReplicaID, nonce vsr.Nonce, now uint64) {
	l := b.entry(id)
	l.inflight = append(l.inflight, inflightRepair{nonce: nonce, sentAt: now})
}

// RecordCompleted releases the slot and folds the latency into the average. It reports whether the nonce was
// in flight.
func (b *RepairBudget) RecordCompleted(id vsr.ReplicaID, nonce vsr.Nonce, latency time.Duration) bool {
	l := b.entry(id)
	if !l.release(nonce) {
		return false
	}
	if latency <= 0 {
		latency = time.Microsecond
	}
	l.observe(latency)
	return true
}

// RecordExpired releases the slot and penalises the replica with a sample of twice its average
func (b *RepairBudget) RecordExpired(id vsr.ReplicaID, nonce vsr.Nonce) {
	l := b.entry(id)
	if l.release(nonce) {
		l.penalise()
	}
}

// Release frees the slot of an abandoned request without touching the average
func (b *RepairBudget) Release(id vsr.ReplicaID, nonce vsr.Nonce) { b.entry(id).release(nonce) }

// ExpireStale expires every request older than timeout ticks and returns how many were dropped
func (b *RepairBudget) ExpireStale(now, timeout uint64) int {
	expired := 0
	for _, l := range b.replicas {
		kept := l.inflight[:0]
		for _, req := range l.inflight {
			if now-req.sentAt >= timeout {
				expired++
				l.penalise()
				continue
			}
			kept = append(kept, req)
		}
		l.inflight = kept
	}
	return expired
}

// Forget drops the statistics of a replica that left the configuration
func (b *RepairBudget) Forget(id vsr.ReplicaID) { delete(b.replicas, id) }

func (b *RepairBudget) AvailableSlots(id vsr.ReplicaID) int {
	return MaxInflightPerReplica - len(b.entry(id).inflight)
}

func (b *RepairBudget) Latency(id vsr.ReplicaID) time.Duration { return b.entry(id).ewma }

func (b *RepairBudget) Inflight(id vsr.ReplicaID) int { return len(b.entry(id).inflight) }

func (l *replicaLatency) observe(latency time.Duration) {
	l.ewma = min(time.Duration(ewmaAlpha*float64(latency)+(1-ewmaAlpha)*float64(l.ewma)), maxLatency)
}

func (l *replicaLatency) penalise() { l.observe(2 * l.ewma) }

func (l *replicaLatency) release(nonce vsr.Nonce) bool {
	for i, req := range l.inflight {
		if req.nonce == nonce {
			l.inflight = slices.Delete(l.inflight, i, i+1)
			return true
		}
	}
	return false
}
