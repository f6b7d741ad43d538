package vsr

import (
	"fmt"
	"slices"
	"strings"
)

const (
	// MinReplicas is the safety floor a reconfiguration may never go below
	MinReplicas = 3
	// MaxReplicas bounds the size of any configuration produced by a reconfiguration
	MaxReplicas = 16
)

// ReplicaSet is a set of replicas that answered some round, e.g. the senders of PrepareOk for an op
type ReplicaSet map[ReplicaID]struct{}

func NewReplicaSet(ids ...ReplicaID) ReplicaSet {
	set := make(ReplicaSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s ReplicaSet) Add(id ReplicaID) { s[id] = struct{}{} }

func (s ReplicaSet) Contains(id ReplicaID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order
func (s ReplicaSet) Sorted() []ReplicaID {
	ids := make([]ReplicaID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ClusterConfig is an immutable, sorted and duplicate free set of replicas
type ClusterConfig struct {
	replicas []ReplicaID
}

// NewClusterConfig builds a config from ids in any order, duplicates are collapsed
func NewClusterConfig(ids ...ReplicaID) ClusterConfig {
	replicas := slices.Clone(ids)
	slices.Sort(replicas)
	return ClusterConfig{replicas: slices.Compact(replicas)}
}

// Replicas returns a copy of the members in ascending order
func (c ClusterConfig) Replicas() []ReplicaID { return slices.Clone(c.replicas) }

func (c ClusterConfig) Size() int { return len(c.replicas) }

func (c ClusterConfig) IsEmpty() bool { return len(c.replicas) == 0 }

func (c ClusterConfig) Contains(id ReplicaID) bool {
	_, found := slices.BinarySearch(c.replicas, id)
	return found
}

// QuorumSize is floor(n/2)+1
func (c ClusterConfig) QuorumSize() int { return len(c.replicas)/2 + 1 }

// HasQuorum reports whether the members of c found in votes form a majority of c. Votes from replicas outside c
// are ignored.
func (c ClusterConfig) HasQuorum(votes ReplicaSet) bool {
	if c.IsEmpty() {
		return false
	}
	count := 0
	for _, id := range c.replicas {
		if votes.Contains(id) {
			count++
		}
	}
	return count >= c.QuorumSize()
}

// LeaderOf maps a view to its leader: replicas[view mod n]
func (c ClusterConfig) LeaderOf(view ViewNumber) ReplicaID {
	if c.IsEmpty() {
		return 0
	}
	return c.replicas[uint64(view)%uint64(len(c.replicas))]
}

func (c ClusterConfig) Equal(o ClusterConfig) bool { return slices.Equal(c.replicas, o.replicas) }

// Intersects reports whether both configs share at least one replica
func (c ClusterConfig) Intersects(o ClusterConfig) bool {
	for _, id := range c.replicas {
		if o.Contains(id) {
			return true
		}
	}
	return false
}

// Union returns a config holding the members of both
func (c ClusterConfig) Union(o ClusterConfig) ClusterConfig {
	return NewClusterConfig(append(c.Replicas(), o.replicas...)...)
}

// Without returns the config minus the given replicas
func (c ClusterConfig) Without(ids ...ReplicaID) ClusterConfig {
	remaining := make([]ReplicaID, 0, len(c.replicas))
	for _, id := range c.replicas {
		if !slices.Contains(ids, id) {
			remaining = append(remaining, id)
		}
	}
	return ClusterConfig{replicas: remaining}
}

func (c ClusterConfig) String() string {
	parts := make([]string, len(c.replicas))
	for i, id := range c.replicas {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
