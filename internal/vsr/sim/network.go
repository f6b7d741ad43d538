package sim

import (
	"math/rand"

	"vsr-engine/internal/vsr"
)

// Network is an in-memory message queue between simulated replicas. Delivery order, loss and duplication are
// driven by a seeded source so every run is reproducible.
type Network struct {
	rng   *rand.Rand
	queue []vsr.Message

	// DropRate is the probability that a message is lost
	DropRate float64
	// DuplicateRate is the probability that a delivered message is delivered again later
	DuplicateRate float64
	// Reorder delivers queued messages in random order instead of FIFO
	Reorder bool

	groups map[vsr.ReplicaID]int
	// filter drops every message it returns true for
	filter func(vsr.Message) bool

	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
}

func NewNetwork(rng *rand.Rand) *Network {
	return &Network{rng: rng, groups: make(map[vsr.ReplicaID]int)}
}

// Send queues msg unless the sender and receiver are partitioned
func (n *Network) Send(msg vsr.Message) {
	if !n.Connected(msg.From, msg.To) || (n.filter != nil && n.filter(msg)) {
		n.Dropped++
		return
	}
	if n.DropRate > 0 && n.rng.Float64() < n.DropRate {
		n.Dropped++
		return
	}
	n.queue = append(n.queue, msg)
}

// Next removes the next message to deliver. Partitions are checked again so messages queued before a split are
// lost with it.
func (n *Network) Next() (vsr.Message, bool) {
	for len(n.queue) > 0 {
		i := 0
		if n.Reorder {
			i = n.rng.Intn(len(n.queue))
		}
		msg := n.queue[i]
		n.queue = append(n.queue[:i], n.queue[i+1:]...)
		if !n.Connected(msg.From, msg.To) {
			n.Dropped++
			continue
		}
		if n.DuplicateRate > 0 && n.rng.Float64() < n.DuplicateRate {
			n.Duplicated++
			n.queue = append(n.queue, msg)
		}
		n.Delivered++
		return msg, true
	}
	return vsr.Message{}, false
}

func (n *Network) Pending() int { return len(n.queue) }

// Connected reports whether a and b are on the same side of the current partition. Replicas not named by a
// partition stay connected to each other.
func (n *Network) Connected(a, b vsr.ReplicaID) bool {
	ga, okA := n.groups[a]
	gb, okB := n.groups[b]
	if !okA && !okB {
		return true
	}
	return okA && okB && ga == gb
}

// Partition splits the replicas into groups that cannot reach each other
func (n *Network) Partition(groups ...[]vsr.ReplicaID) {
	clear(n.groups)
	for i, g := range groups {
		for _, id := range g {
			n.groups[id] = i
		}
	}
}

// Isolate cuts id off from every other replica
func (n *Network) Isolate(id vsr.ReplicaID) {
	clear(n.groups)
	n.groups[id] = 0
}

// Filter installs a predicate dropping matching messages, nil removes it
func (n *Network) Filter(drop func(vsr.Message) bool) { n.filter = drop }

// Heal removes every partition and filter
func (n *Network) Heal() {
	clear(n.groups)
	n.filter = nil
}
