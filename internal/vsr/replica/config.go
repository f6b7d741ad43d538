package replica

import (
	"fmt"
	"time"

	"vsr-engine/internal/vsr"
)

const (
	// DefaultTickInterval is the wall clock period of one logical tick when driven by a node
	DefaultTickInterval = 10 * time.Millisecond
	// RepairTimeout is how long a repair request may stay unanswered before it is retried elsewhere
	RepairTimeout = 500 * time.Millisecond
)

// Config holds the tunables of a single replica. All timeouts are expressed in ticks.
type Config struct {
	ID vsr.ReplicaID
	// Cluster is the genesis configuration. It is ignored when the log store already holds persisted state.
	Cluster vsr.ClusterConfig
	// Version is announced to peers in heartbeats and acknowledgements
	Version vsr.VersionInfo

	TickInterval time.Duration
	// HeartbeatTicks is the leader's Ping period
	HeartbeatTicks uint64
	// PrepareTicks is how long the leader waits for a quorum before re-sending uncommitted Prepares
	PrepareTicks uint64
	// ElectionTicks is the minimum silence from the leader before a backup starts a view change. The actual
	// deadline is randomised in [ElectionTicks, 2*ElectionTicks).
	ElectionTicks uint64
	// ViewChangeTicks bounds a view change attempt before the next view is tried
	ViewChangeTicks uint64
	// RecoveryTicks is the period at which Recovery is re-broadcast
	RecoveryTicks uint64
	// RepairTimeoutTicks expires an unanswered RepairRequest
	RepairTimeoutTicks uint64

	// MaxPipelineDepth bounds the number of prepared but uncommitted ops at the leader
	MaxPipelineDepth uint64
	// MaxSessions bounds the client session table
	MaxSessions int
	// Seed feeds the randomised timeouts and repair target selection
	Seed int64

	Metrics MetricsCollector
}

// DefaultConfig returns a configuration suitable for a replica driven every DefaultTickInterval
func DefaultConfig(id vsr.ReplicaID, cluster vsr.ClusterConfig) Config {
	return Config{
		ID:                 id,
		Cluster:            cluster,
		Version:            vsr.CurrentVersion,
		TickInterval:       DefaultTickInterval,
		HeartbeatTicks:     5,
		PrepareTicks:       10,
		ElectionTicks:      30,
		ViewChangeTicks:    40,
		RecoveryTicks:      30,
		RepairTimeoutTicks: uint64(RepairTimeout / DefaultTickInterval),
		MaxPipelineDepth:   64,
		MaxSessions:        10_000,
		Seed:               int64(id) + 1,
	}
}

func (c *Config) validate() error {
	if c.Cluster.IsEmpty() {
		return fmt.Errorf("%w: empty genesis cluster", vsr.ErrInvalidConfig)
	}
	if !c.Cluster.Contains(c.ID) {
		return fmt.Errorf("%w: replica %d not part of genesis cluster %s", vsr.ErrInvalidConfig, c.ID, c.Cluster)
	}
	if c.Cluster.Size() > vsr.MaxReplicas {
		return fmt.Errorf("%w: genesis cluster larger than %d", vsr.ErrInvalidConfig, vsr.MaxReplicas)
	}
	if c.Version.IsZero() {
		return fmt.Errorf("%w: version must be set", vsr.ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", vsr.ErrInvalidConfig)
	}
	if c.HeartbeatTicks == 0 || c.PrepareTicks == 0 || c.ViewChangeTicks == 0 || c.RecoveryTicks == 0 ||
		c.RepairTimeoutTicks == 0 {
		return fmt.Errorf("%w: timeouts must be at least one tick", vsr.ErrInvalidConfig)
	}
	if c.ElectionTicks <= c.HeartbeatTicks {
		return fmt.Errorf("%w: election ticks %d must exceed heartbeat ticks %d", vsr.ErrInvalidConfig,
			c.ElectionTicks, c.HeartbeatTicks)
	}
	if c.MaxPipelineDepth == 0 {
		return fmt.Errorf("%w: pipeline depth must be positive", vsr.ErrInvalidConfig)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("%w: session table must hold at least one client", vsr.ErrInvalidConfig)
	}
	return nil
}
