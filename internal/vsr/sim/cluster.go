package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/lni/dragonboat/v4/logger"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/replica"
	"vsr-engine/internal/vsr/storage"
)

var plog = logger.GetLogger("sim")

// MaxStepsPerTick bounds the messages delivered between two ticks so a message storm cannot stall a run
const MaxStepsPerTick = 10_000

var ErrNoLeader = errors.New("no leader in normal status")

// Options configure a simulated cluster
type Options struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	Reorder       bool
	// Versions overrides the version a replica starts with
	Versions map[vsr.ReplicaID]vsr.VersionInfo
	// Tweak adjusts every replica configuration before it is created
	Tweak func(*replica.Config)
}

// Node is one simulated replica with its durable log and state machine
type Node struct {
	ID      vsr.ReplicaID
	Replica *replica.Replica
	Store   *storage.MemoryStore
	KV      *countingStateMachine
	// Applied holds every op this incarnation reported as committed
	Applied map[vsr.OpNumber]vsr.LogEntry
	Replies []vsr.Reply
	Crashed bool

	cfg        replica.Config
	lastView   vsr.ViewNumber
	lastCommit vsr.OpNumber
}

// Cluster drives a set of replicas over a simulated network with logical time. Safety properties are checked
// after every step and violations are collected rather than panicking.
type Cluster struct {
	opts    Options
	rng     *rand.Rand
	net     *Network
	nodes   map[vsr.ReplicaID]*Node
	genesis vsr.ClusterConfig
	ticks   uint64

	// committed is the entry every replica applied at an op, agreement means it never differs
	committed  map[vsr.OpNumber]vsr.LogEntry
	violations []error
}

func NewCluster(size int, opts Options) (*Cluster, error) {
	if size < 1 || size > vsr.MaxReplicas {
		return nil, fmt.Errorf("%w: cluster size %d", vsr.ErrInvalidConfig, size)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	net := NewNetwork(rng)
	net.DropRate = opts.DropRate
	net.DuplicateRate = opts.DuplicateRate
	net.Reorder = opts.Reorder

	ids := make([]vsr.ReplicaID, size)
	for i := range ids {
		ids[i] = vsr.ReplicaID(i)
	}
	c := &Cluster{
		opts:      opts,
		rng:       rng,
		net:       net,
		nodes:     make(map[vsr.ReplicaID]*Node),
		genesis:   vsr.NewClusterConfig(ids...),
		committed: make(map[vsr.OpNumber]vsr.LogEntry),
	}
	for _, id := range ids {
		if err := c.start(id, c.genesis, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cluster) config(id vsr.ReplicaID, cluster vsr.ClusterConfig) replica.Config {
	cfg := replica.DefaultConfig(id, cluster)
	cfg.Seed = c.opts.Seed*31 + int64(id) + 1
	if v, ok := c.opts.Versions[id]; ok {
		cfg.Version = v
	}
	if c.opts.Tweak != nil {
		c.opts.Tweak(&cfg)
	}
	return cfg
}

func (c *Cluster) start(id vsr.ReplicaID, cluster vsr.ClusterConfig, join bool) error {
	n := &Node{ID: id, Store: storage.NewMemoryStore(), cfg: c.config(id, cluster)}
	if err := c.boot(n, join); err != nil {
		return err
	}
	c.nodes[id] = n
	return nil
}

// boot creates a fresh incarnation of n on top of its store
func (c *Cluster) boot(n *Node, join bool) error {
	n.KV = newCountingStateMachine(n.ID)
	n.Applied = make(map[vsr.OpNumber]vsr.LogEntry)
	var (
		r   *replica.Replica
		err error
	)
	if join {
		r, err = replica.NewJoiningReplica(n.cfg, n.Store, n.KV)
	} else {
		r, err = replica.NewReplica(n.cfg, n.Store, n.KV)
	}
	if err != nil {
		return fmt.Errorf("start replica %d: %w", n.ID, err)
	}
	n.Replica = r
	n.Crashed = false
	n.lastView = r.View()
	n.lastCommit = r.Commit()
	c.collect(n)
	return nil
}

// AddReplica starts a replica that joins the cluster through recovery. The leader must already be reconfiguring
// to include it, otherwise its messages are ignored until it is.
func (c *Cluster) AddReplica(id vsr.ReplicaID) error {
	if _, ok := c.nodes[id]; ok {
		return fmt.Errorf("%w: replica %d already exists", vsr.ErrInvalidConfig, id)
	}
	return c.start(id, c.genesis.Union(vsr.NewClusterConfig(id)), true)
}

func (c *Cluster) Node(id vsr.ReplicaID) *Node { return c.nodes[id] }

func (c *Cluster) Network() *Network { return c.net }

func (c *Cluster) Ticks() uint64 { return c.ticks }

// IDs returns every replica ever started, sorted
func (c *Cluster) IDs() []vsr.ReplicaID {
	ids := make([]vsr.ReplicaID, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Live returns the replicas that are running and not retired
func (c *Cluster) Live() []*Node {
	var live []*Node
	for _, id := range c.IDs() {
		n := c.nodes[id]
		if !n.Crashed && !n.Replica.Retired() && n.Replica.Err() == nil {
			live = append(live, n)
		}
	}
	return live
}

// Leader returns the live leader of the highest view
func (c *Cluster) Leader() (*Node, bool) {
	var best *Node
	for _, n := range c.Live() {
		if !n.Replica.IsLeader() {
			continue
		}
		if best == nil || n.Replica.View() > best.Replica.View() {
			best = n
		}
	}
	return best, best != nil
}

// Propose hands payload to the current leader as a data command
func (c *Cluster) Propose(payload string) (vsr.OpNumber, error) {
	leader, ok := c.Leader()
	if !ok {
		return 0, ErrNoLeader
	}
	op, err := leader.Replica.Propose(vsr.DataCommand([]byte(payload)), vsr.ClientMetadata{})
	c.collect(leader)
	return op, err
}

// Submit sends a client request to the current leader
func (c *Cluster) Submit(req vsr.Request) error {
	leader, ok := c.Leader()
	if !ok {
		return ErrNoLeader
	}
	err := leader.Replica.HandleRequest(req)
	c.collect(leader)
	return err
}

// Do runs fn against a replica and routes whatever it produced
func (c *Cluster) Do(id vsr.ReplicaID, fn func(r *replica.Replica) error) error {
	n := c.nodes[id]
	if n == nil || n.Crashed {
		return fmt.Errorf("replica %d is not running", id)
	}
	err := fn(n.Replica)
	c.collect(n)
	return err
}

// Inject queues a message as if its sender had produced it
func (c *Cluster) Inject(msg vsr.Message) { c.net.Send(msg) }

// Crash stops a replica. Its log survives, queued messages to it are lost on delivery.
func (c *Cluster) Crash(id vsr.ReplicaID) {
	if n := c.nodes[id]; n != nil {
		plog.Infof("[%s] crashed at tick %d", id, c.ticks)
		n.Crashed = true
	}
}

// Restart brings a crashed replica back with an empty state machine, it replays its log and recovers
func (c *Cluster) Restart(id vsr.ReplicaID) error {
	n := c.nodes[id]
	if n == nil || !n.Crashed {
		return fmt.Errorf("replica %d is not crashed", id)
	}
	plog.Infof("[%s] restarting at tick %d", id, c.ticks)
	return c.boot(n, false)
}

func (c *Cluster) Isolate(id vsr.ReplicaID) { c.net.Isolate(id) }

func (c *Cluster) Partition(groups ...[]vsr.ReplicaID) { c.net.Partition(groups...) }

func (c *Cluster) Heal() { c.net.Heal() }

// Step delivers one queued message. It reports false when the network is empty.
func (c *Cluster) Step() bool {
	msg, ok := c.net.Next()
	if !ok {
		return false
	}
	n := c.nodes[msg.To]
	if n == nil || n.Crashed || n.Replica.Retired() || n.Replica.Err() != nil {
		return true
	}
	if err := n.Replica.HandleMessage(msg); err != nil && !errors.Is(err, vsr.ErrInvalidMessage) {
		plog.Debugf("[%s] handling %s: %v", n.ID, msg, err)
	}
	c.collect(n)
	return true
}

// Drain delivers messages until the network is empty or the step limit is hit
func (c *Cluster) Drain() {
	for i := 0; i < MaxStepsPerTick && c.Step(); i++ {
	}
}

// Tick drains the network and then advances every live replica by one tick
func (c *Cluster) Tick() {
	c.Drain()
	c.ticks++
	for _, n := range c.Live() {
		n.Replica.Tick()
		c.collect(n)
	}
}

// Run advances the cluster by ticks
func (c *Cluster) Run(ticks int) {
	for range ticks {
		c.Tick()
	}
	c.Drain()
}

// RunUntil ticks until cond holds, at most maxTicks times
func (c *Cluster) RunUntil(cond func() bool, maxTicks int) bool {
	for range maxTicks {
		c.Drain()
		if cond() {
			return true
		}
		c.Tick()
	}
	c.Drain()
	return cond()
}

// collect routes the output of n and checks it against the safety properties
func (c *Cluster) collect(n *Node) {
	out := n.Replica.TakeOutput()
	for _, m := range out.Messages {
		c.net.Send(m)
	}
	for _, b := range out.Broadcasts {
		for _, to := range b.To {
			m := b.Message
			m.To = to
			c.net.Send(m)
		}
	}
	for _, a := range out.Applied {
		c.recordApplied(n, a)
	}
	n.Replies = append(n.Replies, out.Replies...)
	c.checkProgress(n)
}

func (c *Cluster) recordApplied(n *Node, a replica.Applied) {
	if _, dup := n.Applied[a.Op]; dup {
		c.violate("%s applied op %d twice", n.ID, a.Op)
	}
	n.Applied[a.Op] = a.Entry
	if prev, ok := c.committed[a.Op]; ok && !prev.Equal(a.Entry) {
		c.violate("%s committed %s at op %d, another replica committed %s", n.ID, a.Entry, a.Op, prev)
		return
	}
	c.committed[a.Op] = a.Entry
}

func (c *Cluster) checkProgress(n *Node) {
	r := n.Replica
	if r.View() < n.lastView {
		c.violate("%s view went back from %d to %d", n.ID, n.lastView, r.View())
	}
	if r.Commit() < n.lastCommit {
		c.violate("%s commit went back from %d to %d", n.ID, n.lastCommit, r.Commit())
	}
	if r.Commit() > r.Op() {
		c.violate("%s commit %d beyond op %d", n.ID, r.Commit(), r.Op())
	}
	n.lastView = r.View()
	n.lastCommit = r.Commit()
	if err := r.Err(); err != nil {
		c.violate("%s halted: %v", n.ID, err)
		n.Crashed = true
	}
}

func (c *Cluster) violate(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	plog.Errorf("safety violation at tick %d: %v", c.ticks, err)
	c.violations = append(c.violations, err)
}

// Violations returns every safety violation observed so far
func (c *Cluster) Violations() []error { return slices.Clone(c.violations) }

// Committed returns the agreed entry at op, if any replica applied it
func (c *Cluster) Committed(op vsr.OpNumber) (vsr.LogEntry, bool) {
	e, ok := c.committed[op]
	return e, ok
}
