package sim

import (
	"errors"
	"fmt"
	"sync"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/kernel"
)

// countingStateMachine is the key-value state machine plus a record of how often each op reached it
type countingStateMachine struct {
	*kernel.KVStateMachine

	mu     sync.Mutex
	counts map[vsr.OpNumber]int
}

func newCountingStateMachine(id vsr.ReplicaID) *countingStateMachine {
	return &countingStateMachine{
		KVStateMachine: kernel.NewKVStateMachine(id.String()),
		counts:         make(map[vsr.OpNumber]int),
	}
}

func (s *countingStateMachine) Apply(op vsr.OpNumber, cmd vsr.Command) ([]byte, error) {
	s.mu.Lock()
	s.counts[op]++
	s.mu.Unlock()
	return s.KVStateMachine.Apply(op, cmd)
}

// Applications returns how often op was applied
func (s *countingStateMachine) Applications(op vsr.OpNumber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// CheckAgreement compares the committed prefix of every live replica entry by entry
func (c *Cluster) CheckAgreement() error {
	var errs []error
	for _, n := range c.Live() {
		for op := vsr.OpNumber(1); op <= n.Replica.Commit(); op++ {
			e, ok, err := n.Replica.Entry(op)
			if err != nil {
				return fmt.Errorf("read op %d of %s: %w", op, n.ID, err)
			}
			if !ok {
				errs = append(errs, fmt.Errorf("%s committed op %d but does not hold it", n.ID, op))
				continue
			}
			if agreed, ok := c.committed[op]; ok && !agreed.Equal(e) {
				errs = append(errs, fmt.Errorf("%s holds %s at committed op %d, agreed %s", n.ID, e, op, agreed))
			}
		}
	}
	return errors.Join(errs...)
}

// CheckIdempotentApply verifies no state machine saw an op twice
func (c *Cluster) CheckIdempotentApply() error {
	var errs []error
	for _, n := range c.nodes {
		n.KV.mu.Lock()
		for op, count := range n.KV.counts {
			if count > 1 {
				errs = append(errs, fmt.Errorf("%s applied op %d %d times", n.ID, op, count))
			}
		}
		n.KV.mu.Unlock()
	}
	return errors.Join(errs...)
}

// CheckConfigSafety verifies that consecutive committed configurations share at least one replica and stay
// within the size bounds. Configurations further apart in the history may be disjoint.
func (c *Cluster) CheckConfigSafety() error {
	var errs []error
	for _, n := range c.Live() {
		configs := n.Replica.ConfigHistory()
		for i, cfg := range configs {
			if cfg.Size() > vsr.MaxReplicas {
				errs = append(errs, fmt.Errorf("%s config %s exceeds %d replicas", n.ID, cfg, vsr.MaxReplicas))
			}
			if i > 0 && !configs[i-1].Intersects(cfg) {
				errs = append(errs, fmt.Errorf("%s configs %s and %s are disjoint", n.ID, configs[i-1], cfg))
			}
		}
	}
	return errors.Join(errs...)
}

// CheckSafety runs every check and includes the violations observed during the run
func (c *Cluster) CheckSafety() error {
	return errors.Join(
		errors.Join(c.violations...),
		c.CheckAgreement(),
		c.CheckIdempotentApply(),
		c.CheckConfigSafety(),
	)
}

// Converged reports whether every live replica is Normal in the same view with the same commit number
func (c *Cluster) Converged() bool {
	live := c.Live()
	if len(live) == 0 {
		return false
	}
	first := live[0].Replica
	for _, n := range live {
		r := n.Replica
		if r.Status() != vsr.StatusNormal || r.View() != first.View() || r.Commit() != first.Commit() ||
			r.Op() != r.Commit() {
			return false
		}
	}
	return true
}

// AllCommitted reports whether every live replica applied op
func (c *Cluster) AllCommitted(op vsr.OpNumber) bool {
	for _, n := range c.Live() {
		if n.Replica.Commit() < op {
			return false
		}
	}
	return true
}
