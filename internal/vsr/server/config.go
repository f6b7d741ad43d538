package server

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/replica"
)

const (
	// RPCTimeout bounds a single peer RPC attempt. It is an order of magnitude below the default election
	// timeout.
	RPCTimeout = 50 * time.Millisecond
	// MaxSendRetries bounds the attempts of one outbound protocol message. Protocol timers retransmit anything
	// that still matters, so giving up early is safe.
	MaxSendRetries = 3
	// RetryBackoffBase is the base of the linear backoff between attempts
	RetryBackoffBase = 10 * time.Millisecond
	// MaxRetryBackoff caps the backoff between attempts
	MaxRetryBackoff = 100 * time.Millisecond
	// DefaultInboxSize bounds the events queued for the event loop
	DefaultInboxSize = 1024
)

// Config holds the settings of one node
type Config struct {
	// ReplicaID of the local replica
	ReplicaID vsr.ReplicaID
	// ListenAddr is the address the gRPC server binds, "localhost:0" picks a free port
	ListenAddr string
	// Peers is the address book of every replica this node may talk to, the local one included. It may list
	// replicas that only join later.
	Peers map[vsr.ReplicaID]Address
	// Cluster is the genesis configuration, every replica of Peers when empty
	Cluster []vsr.ReplicaID
	// DataDir holds the bbolt log, an in-memory log is used when empty
	DataDir string
	// Join starts the replica as a new member waiting to be added by a reconfiguration
	Join bool

	Version      vsr.VersionInfo
	TickInterval time.Duration
	RPCTimeout   time.Duration
	MaxRetries   int
	InboxSize    int
}

// DefaultConfig returns a configuration for replica id with the given address book
func DefaultConfig(id vsr.ReplicaID, peers map[vsr.ReplicaID]Address) Config {
	return Config{
		ReplicaID:    id,
		ListenAddr:   string(peers[id]),
		Peers:        peers,
		Version:      vsr.CurrentVersion,
		TickInterval: replica.DefaultTickInterval,
		RPCTimeout:   RPCTimeout,
		MaxRetries:   MaxSendRetries,
		InboxSize:    DefaultInboxSize,
	}
}

// GenesisCluster returns the configured genesis cluster
func (c *Config) GenesisCluster() vsr.ClusterConfig {
	if len(c.Cluster) > 0 {
		return vsr.NewClusterConfig(c.Cluster...)
	}
	ids := make([]vsr.ReplicaID, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	return vsr.NewClusterConfig(ids...)
}

// LogPath is the bbolt file of the replica inside DataDir
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("replica-%d.db", c.ReplicaID))
}

// ReplicaConfig derives the replica configuration
func (c *Config) ReplicaConfig() replica.Config {
	cfg := replica.DefaultConfig(c.ReplicaID, c.GenesisCluster())
	cfg.Version = c.Version
	cfg.TickInterval = c.TickInterval
	cfg.RepairTimeoutTicks = max(1, uint64(replica.RepairTimeout/c.TickInterval))
	return cfg
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", vsr.ErrInvalidConfig)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: at least one peer is required", vsr.ErrInvalidConfig)
	}
	for id, addr := range c.Peers {
		if addr == "" {
			return fmt.Errorf("%w: empty address for replica %d", vsr.ErrInvalidConfig, id)
		}
	}
	for _, id := range c.Cluster {
		if _, ok := c.Peers[id]; !ok {
			return fmt.Errorf("%w: genesis replica %d has no address", vsr.ErrInvalidConfig, id)
		}
	}
	if !c.Join && !c.GenesisCluster().Contains(c.ReplicaID) {
		return fmt.Errorf("%w: replica %d is not in the genesis cluster, start it with join", vsr.ErrInvalidConfig,
			c.ReplicaID)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", vsr.ErrInvalidConfig)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc timeout must be positive", vsr.ErrInvalidConfig)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: at least one send attempt is required", vsr.ErrInvalidConfig)
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("%w: inbox size must be positive", vsr.ErrInvalidConfig)
	}
	return nil
}

// ParsePeers parses an address book of the form "0=localhost:7000,1=localhost:7001"
func ParsePeers(s string) (map[vsr.ReplicaID]Address, error) {
	peers := make(map[vsr.ReplicaID]Address)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, addr, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("%w: peer %q must be id=address", vsr.ErrInvalidConfig, part)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: peer id %q: %v", vsr.ErrInvalidConfig, idStr, err)
		}
		if _, dup := peers[vsr.ReplicaID(id)]; dup {
			return nil, fmt.Errorf("%w: replica %d listed twice", vsr.ErrInvalidConfig, id)
		}
		peers[vsr.ReplicaID(id)] = Address(strings.TrimSpace(addr))
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: no peers given", vsr.ErrInvalidConfig)
	}
	return peers, nil
}

// ParseReplicaIDs parses a comma separated list of replica ids
func ParseReplicaIDs(s string) ([]vsr.ReplicaID, error) {
	var ids []vsr.ReplicaID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: replica id %q: %v", vsr.ErrInvalidConfig, part, err)
		}
		ids = append(ids, vsr.ReplicaID(id))
	}
	return ids, nil
}
