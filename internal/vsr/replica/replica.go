package replica

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"vsr-engine/internal/vsr"
)

var plog = logger.GetLogger("replica")

// TimeoutKind names the protocol timers. Firing a timer spuriously is always safe.
type TimeoutKind uint8

const (
	TimeoutHeartbeat TimeoutKind = iota
	TimeoutPrepare
	TimeoutLeaderSuspect
	TimeoutViewChange
	TimeoutRecovery
	TimeoutRepair
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutHeartbeat:
		return "heartbeat"
	case TimeoutPrepare:
		return "prepare"
	case TimeoutLeaderSuspect:
		return "leader_suspect"
	case TimeoutViewChange:
		return "view_change"
	case TimeoutRecovery:
		return "recovery"
	case TimeoutRepair:
		return "repair"
	default:
		return "unknown"
	}
}

// Applied describes one committed op. Err is the state machine's rejection of the command, if any.
type Applied struct {
	Op     vsr.OpNumber
	Entry  vsr.LogEntry
	Result []byte
	Err    error
}

// Broadcast is a message addressed to every replica in To
type Broadcast struct {
	Message vsr.Message
	To      []vsr.ReplicaID
}

// Output is everything a step produced. Messages must only be sent after the step returned, the log and the
// persistent state are durable by then.
type Output struct {
	Messages   []vsr.Message
	Broadcasts []Broadcast
	Applied    []Applied
	Replies    []vsr.Reply
}

func (o Output) IsEmpty() bool {
	return len(o.Messages) == 0 && len(o.Broadcasts) == 0 && len(o.Applied) == 0 && len(o.Replies) == 0
}

type pendingHistory struct {
	history
	// viewChange marks a prospective leader filling its log before it can start the view
	viewChange bool
	attempts   int
}

type repairState struct {
	nonce  vsr.Nonce
	target vsr.ReplicaID
	start  vsr.OpNumber
	end    vsr.OpNumber
	sentAt uint64
}

type recoveryState struct {
	nonce     vsr.Nonce
	startedAt uint64
	responses map[vsr.ReplicaID]vsr.RecoveryResponse
}

// Replica is a single VSR replica. It is a deterministic state machine: inputs are messages, ticks, timeouts and
// client proposals, outputs are collected with TakeOutput. It is not safe for concurrent use.
type Replica struct {
	id      vsr.ReplicaID
	cfg     Config
	log     vsr.LogStore
	kernel  vsr.StateMachine
	metrics MetricsCollector
	rng     *rand.Rand

	status         vsr.Status
	view           vsr.ViewNumber
	lastNormalView vsr.ViewNumber
	op             vsr.OpNumber
	commit         vsr.OpNumber
	// commitTarget is the highest op known to be committed, it may exceed op while a repair is outstanding
	commitTarget vsr.OpNumber
	// gapGoal is the highest op the leader prepared beyond our log
	gapGoal  vsr.OpNumber
	reconfig vsr.ReconfigState
	// reconfigOp is the log position the reconfiguration state reflects
	reconfigOp vsr.OpNumber
	history    vsr.ConfigHistory
	upgrade    *vsr.UpgradeState

	votes    *voteTracker
	svcVotes vsr.ReplicaSet
	dvcs     map[vsr.ReplicaID]vsr.DoViewChange
	rejected vsr.ReplicaSet
	sentDVC  bool

	pending  *pendingHistory
	repair   *repairState
	budget   *RepairBudget
	recovery *recoveryState
	sessions *sessionTable
	dedup    *dedupTracker

	ticks             uint64
	lastLeaderContact uint64
	lastHeartbeat     uint64
	lastPrepareSent   uint64
	viewStartedAt     uint64
	electionTicks     uint64
	viewChangeTicks   uint64
	proposedAt        map[vsr.OpNumber]uint64

	retired       bool
	leaderChanged bool
	dirty         bool
	haltErr       error
	out           Output
}

// NewReplica creates a replica on top of store. A fresh store starts Normal in view 0 of cfg.Cluster; a store
// holding persisted state replays its committed ops into sm and then recovers from the cluster.
func NewReplica(cfg Config, store vsr.LogStore, sm vsr.StateMachine) (*Replica, error) {
	return newReplica(cfg, store, sm, false)
}

// NewJoiningReplica creates a replica that is being added to an existing cluster. It recovers its state from the
// cluster instead of assuming view 0.
func NewJoiningReplica(cfg Config, store vsr.LogStore, sm vsr.StateMachine) (*Replica, error) {
	return newReplica(cfg, store, sm, true)
}

func newReplica(cfg Config, store vsr.LogStore, sm vsr.StateMachine, join bool) (*Replica, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	r := &Replica{
		id:         cfg.ID,
		cfg:        cfg,
		log:        store,
		kernel:     sm,
		metrics:    cfg.Metrics,
		rng:        rng,
		status:     vsr.StatusRecovering,
		upgrade:    vsr.NewUpgradeState(cfg.Version),
		votes:      newVoteTracker(),
		svcVotes:   vsr.NewReplicaSet(),
		dvcs:       make(map[vsr.ReplicaID]vsr.DoViewChange),
		rejected:   vsr.NewReplicaSet(),
		budget:     NewRepairBudget(cfg.ID, rng),
		sessions:   newSessionTable(cfg.MaxSessions),
		dedup:      newDedupTracker(),
		proposedAt: make(map[vsr.OpNumber]uint64),
	}
	r.resetTimers()

	state, found, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("load persistent state: %w", err)
	}
	lastOp, err := store.LastOp()
	if err != nil {
		return nil, fmt.Errorf("load last op: %w", err)
	}
	r.op = lastOp
	r.reconfigOp = lastOp

	if !found {
		r.reconfig = vsr.NewStableState(cfg.Cluster)
		r.history.Record(cfg.Cluster)
		r.dirty = true
		if join {
			plog.Infof("[%s] joining cluster %s", r.id, cfg.Cluster)
			r.startRecovery()
		} else {
			r.status = vsr.StatusNormal
			plog.Infof("[%s] [VIEW-0] starting fresh in cluster %s, leader %s", r.id, cfg.Cluster, r.leader())
		}
		r.flush()
		return r, r.haltErr
	}

	if err := state.Reconfig.Validate(); err != nil {
		return nil, fmt.Errorf("persisted reconfiguration state: %w", err)
	}
	if state.Commit > lastOp {
		return nil, fmt.Errorf("%w: persisted commit %d beyond last op %d", ErrInvariantViolation, state.Commit, lastOp)
	}
	r.view = state.View
	r.lastNormalView = state.LastNormalView
	r.reconfig = state.Reconfig
	r.history.Record(state.Reconfig.Old)
	r.commit = min(sm.LastApplied(), state.Commit)
	r.commitTarget = state.Commit
	r.advanceCommit()
	if r.haltErr != nil {
		return nil, r.haltErr
	}
	// replayed ops were answered before the restart
	r.out = Output{}
	plog.Infof("[%s] [VIEW-%d] restarted with op=%d commit=%d in %s", r.id, r.view, r.op, r.commit, r.reconfig)

	if !r.reconfig.Contains(r.id) {
		r.retire()
		return r, nil
	}
	if r.reconfig.AllReplicas().Size() == 1 {
		r.status = vsr.StatusNormal
		r.lastNormalView = r.view
		r.markDirty()
	} else {
		r.startRecovery()
	}
	r.flush()
	return r, r.haltErr
}

func (r *Replica) ID() vsr.ReplicaID { return r.id }

func (r *Replica) View() vsr.ViewNumber { return r.view }

func (r *Replica) Op() vsr.OpNumber { return r.op }

func (r *Replica) Commit() vsr.OpNumber { return r.commit }

func (r *Replica) Status() vsr.Status { return r.status }

func (r *Replica) Reconfig() vsr.ReconfigState { return r.reconfig }

func (r *Replica) Retired() bool { return r.retired }

// Leader is the leader of the current view under the active configuration
func (r *Replica) Leader() vsr.ReplicaID { return r.leader() }

func (r *Replica) IsLeader() bool { return r.isLeader() }

func (r *Replica) Role() vsr.Role {
	switch {
	case r.status == vsr.StatusRecovering:
		return vsr.RoleRecovering
	case r.isLeader():
		return vsr.RoleLeader
	default:
		return vsr.RoleBackup
	}
}

// Peers returns every replica that receives protocol traffic from this one
func (r *Replica) Peers() []vsr.ReplicaID { return r.peers() }

// ConfigHistory returns the configurations this replica saw committed, oldest first
func (r *Replica) ConfigHistory() []vsr.ClusterConfig { return r.history.Configs() }

// Entry reads op from the local log
func (r *Replica) Entry(op vsr.OpNumber) (vsr.LogEntry, bool, error) { return r.log.Get(op) }

// IsFeatureEnabled reports whether the cluster version enables f
func (r *Replica) IsFeatureEnabled(f vsr.FeatureFlag) bool { return r.upgrade.IsFeatureEnabled(f) }

// Err returns the error the replica halted with, nil while it runs
func (r *Replica) Err() error { return r.haltErr }

// Snapshot is a point-in-time view of the replica for status reporting
type Snapshot struct {
	ID             vsr.ReplicaID
	Status         vsr.Status
	Role           vsr.Role
	View           vsr.ViewNumber
	LastNormalView vsr.ViewNumber
	Op             vsr.OpNumber
	Commit         vsr.OpNumber
	Leader         vsr.ReplicaID
	Reconfig       vsr.ReconfigState
	Version        vsr.VersionInfo
	ClusterVersion vsr.VersionInfo
	TargetVersion  *vsr.VersionInfo
	RollingBack    bool
	Features       []vsr.FeatureFlag
	Versions       []vsr.ReplicaVersion
	Lagging        []vsr.ReplicaID
	Sessions       int
	Retired        bool
	Err            error
}

func (r *Replica) Snapshot() Snapshot {
	s := Snapshot{
		ID:             r.id,
		Status:         r.status,
		Role:           r.Role(),
		View:           r.view,
		LastNormalView: r.lastNormalView,
		Op:             r.op,
		Commit:         r.commit,
		Leader:         r.leader(),
		Reconfig:       r.reconfig,
		Version:        r.upgrade.SelfVersion,
		ClusterVersion: r.upgrade.ClusterVersion(),
		RollingBack:    r.upgrade.RollingBack,
		Features:       r.upgrade.EnabledFeatures(),
		Versions:       r.upgrade.Snapshot(r.id),
		Lagging:        r.upgrade.LaggingReplicas(),
		Sessions:       r.sessions.len(),
		Retired:        r.retired,
		Err:            r.haltErr,
	}
	if r.upgrade.TargetVersion != nil {
		target := *r.upgrade.TargetVersion
		s.TargetVersion = &target
	}
	return s
}

// TakeOutput returns and clears everything produced since the previous call
func (r *Replica) TakeOutput() Output {
	out := r.out
	r.out = Output{}
	return out
}

// HandleMessage validates msg and integrates it. Invalid messages are rejected with an error wrapping
// vsr.ErrInvalidMessage and leave the replica untouched.
func (r *Replica) HandleMessage(msg vsr.Message) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()

	if err := vsr.ValidateMessage(msg); err != nil {
		r.metrics.RecordRejected(msg.Kind())
		plog.Warningf("[%s] [VIEW-%d] rejected %s: %v", r.id, r.view, msg, err)
		return err
	}
	if msg.From == r.id {
		return nil
	}
	if _, ok := msg.Payload.(vsr.Request); !ok && !r.reconfig.Contains(msg.From) {
		plog.Debugf("[%s] [VIEW-%d] ignoring %s from replica outside %s", r.id, r.view, msg, r.reconfig)
		return nil
	}
	if r.dedup.duplicate(msg.From, msg.Payload) {
		return nil
	}

	switch m := msg.Payload.(type) {
	case vsr.Prepare:
		return r.onPrepare(msg.From, m)
	case vsr.PrepareOk:
		return r.onPrepareOk(msg.From, m)
	case vsr.Commit:
		return r.onCommit(msg.From, m)
	case vsr.StartViewChange:
		return r.onStartViewChange(msg.From, m)
	case vsr.DoViewChange:
		return r.onDoViewChange(msg.From, m)
	case vsr.StartView:
		return r.onStartView(msg.From, m)
	case vsr.Recovery:
		return r.onRecovery(msg.From, m)
	case vsr.RecoveryResponse:
		return r.onRecoveryResponse(msg.From, m)
	case vsr.Ping:
		return r.onPing(msg.From, m)
	case vsr.Pong:
		return r.onPong(msg.From, m)
	case vsr.Request:
		r.onRequest(m)
		return nil
	case vsr.Reply:
		return nil
	case vsr.RepairRequest:
		return r.onRepairRequest(msg.From, m)
	case vsr.RepairResponse:
		return r.onRepairResponse(msg.From, m)
	default:
		return fmt.Errorf("%w: unhandled payload %T", vsr.ErrInvalidMessage, msg.Payload)
	}
}

// Tick advances logical time by one tick and fires every timer that expired
func (r *Replica) Tick() {
	if r.checkUsable() != nil {
		return
	}
	defer r.afterStep()
	r.ticks++

	switch r.status {
	case vsr.StatusNormal:
		if r.isLeader() {
			if r.ticks-r.lastHeartbeat >= r.cfg.HeartbeatTicks {
				r.onTimeout(TimeoutHeartbeat)
			}
			if r.op > r.commit && r.ticks-r.lastPrepareSent >= r.cfg.PrepareTicks {
				r.onTimeout(TimeoutPrepare)
			}
		} else if r.ticks-r.lastLeaderContact >= r.electionTicks {
			r.onTimeout(TimeoutLeaderSuspect)
		}
	case vsr.StatusViewChange:
		if r.ticks-r.viewStartedAt >= r.viewChangeTicks {
			r.onTimeout(TimeoutViewChange)
		}
	case vsr.StatusRecovering:
		if r.recovery != nil && r.ticks-r.recovery.startedAt >= r.cfg.RecoveryTicks {
			r.onTimeout(TimeoutRecovery)
		}
	}

	switch {
	case r.repair != nil && r.ticks-r.repair.sentAt >= r.cfg.RepairTimeoutTicks:
		r.onTimeout(TimeoutRepair)
	case r.repair == nil:
		r.ensureRepair()
	}
}

// HandleTimeout fires a timer immediately, regardless of its deadline
func (r *Replica) HandleTimeout(kind TimeoutKind) {
	if r.checkUsable() != nil {
		return
	}
	defer r.afterStep()
	r.onTimeout(kind)
}

func (r *Replica) onTimeout(kind TimeoutKind) {
	switch kind {
	case TimeoutHeartbeat:
		if r.isLeader() {
			r.heartbeat()
		}
	case TimeoutPrepare:
		if r.isLeader() {
			r.resendPrepares()
		}
	case TimeoutLeaderSuspect:
		if r.status == vsr.StatusNormal && !r.isLeader() {
			plog.Infof("[%s] [VIEW-%d] no contact with leader %s for %d ticks", r.id, r.view, r.leader(),
				r.ticks-r.lastLeaderContact)
			r.startViewChange(r.view + 1)
		}
	case TimeoutViewChange:
		if r.status == vsr.StatusViewChange {
			plog.Infof("[%s] [VIEW-%d] view change timed out", r.id, r.view)
			r.startViewChange(r.view + 1)
		}
	case TimeoutRecovery:
		if r.status == vsr.StatusRecovering {
			r.startRecovery()
		}
	case TimeoutRepair:
		r.expireRepair()
	}
}

func (r *Replica) checkUsable() error {
	if r.haltErr != nil {
		return r.haltErr
	}
	if r.retired {
		return ErrRetired
	}
	return nil
}

func (r *Replica) checkLeader() error {
	if r.status != vsr.StatusNormal {
		return fmt.Errorf("%w: %s in view %d", ErrNotNormal, r.status, r.view)
	}
	if !r.isLeader() {
		return &NotLeaderError{Leader: r.leader(), View: r.view}
	}
	return nil
}

func (r *Replica) checkPipeline() error {
	if inflight := uint64(r.op - r.commit); inflight >= r.cfg.MaxPipelineDepth {
		return fmt.Errorf("%w: %d ops awaiting a quorum", ErrBackpressure, inflight)
	}
	return nil
}

// afterStep runs the work deferred to the end of every input and makes state changes durable before any output
// leaves the replica
func (r *Replica) afterStep() {
	if r.haltErr != nil {
		return
	}
	if r.leaderChanged && !r.retired {
		r.leaderChanged = false
		if r.status == vsr.StatusNormal {
			plog.Infof("[%s] [VIEW-%d] leader moved under %s, changing view", r.id, r.view, r.reconfig)
			r.startViewChange(r.view + 1)
		}
	}
	r.flush()
}

func (r *Replica) markDirty() { r.dirty = true }

func (r *Replica) flush() {
	if !r.dirty || r.haltErr != nil {
		return
	}
	state := vsr.PersistentState{
		View:           r.view,
		LastNormalView: r.lastNormalView,
		Commit:         r.commit,
		Reconfig:       r.reconfig,
	}
	if err := r.log.SaveState(state); err != nil {
		r.fail(fmt.Errorf("save state: %w", err))
		return
	}
	r.dirty = false
}

// fail halts the replica on a storage error
func (r *Replica) fail(err error) {
	if r.haltErr != nil {
		return
	}
	r.haltErr = fmt.Errorf("%w: %w", ErrHalted, err)
	plog.Errorf("[%s] [VIEW-%d] halting: %v", r.id, r.view, r.haltErr)
}

// violation halts the replica on a broken protocol invariant
func (r *Replica) violation(format string, args ...any) {
	r.fail(fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)))
}

func (r *Replica) retire() {
	r.retired = true
	r.cancelRepair()
	plog.Infof("[%s] [VIEW-%d] removed from configuration %s, retiring", r.id, r.view, r.reconfig)
}

func (r *Replica) leader() vsr.ReplicaID { return r.reconfig.LeaderOf(r.view) }

func (r *Replica) isLeader() bool {
	return r.status == vsr.StatusNormal && !r.retired && r.leader() == r.id
}

func (r *Replica) peers() []vsr.ReplicaID {
	all := r.reconfig.AllReplicas().Replicas()
	peers := all[:0]
	for _, id := range all {
		if id != r.id {
			peers = append(peers, id)
		}
	}
	return peers
}

func (r *Replica) send(to vsr.ReplicaID, p vsr.Payload) {
	if to == r.id {
		return
	}
	r.out.Messages = append(r.out.Messages, vsr.Message{From: r.id, To: to, Payload: p})
}

func (r *Replica) broadcast(p vsr.Payload) {
	peers := r.peers()
	if len(peers) == 0 {
		return
	}
	r.out.Broadcasts = append(r.out.Broadcasts, Broadcast{
		Message: vsr.Message{From: r.id, Broadcast: true, Payload: p},
		To:      peers,
	})
}

// resetTimers restarts the randomised election and view change deadlines
func (r *Replica) resetTimers() {
	r.electionTicks = r.cfg.ElectionTicks + uint64(r.rng.Int63n(int64(r.cfg.ElectionTicks)))
	r.viewChangeTicks = r.cfg.ViewChangeTicks + uint64(r.rng.Int63n(int64(r.cfg.ViewChangeTicks/2+1)))
}

func (r *Replica) ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * r.cfg.TickInterval
}

// entries reads the contiguous range [lo, hi], nil when lo > hi
func (r *Replica) entries(lo, hi vsr.OpNumber) ([]vsr.LogEntry, error) {
	if lo > hi {
		return nil, nil
	}
	es, err := r.log.EntriesInRange(lo, hi)
	if err != nil {
		return nil, err
	}
	if uint64(len(es)) != uint64(hi-lo+1) {
		return nil, fmt.Errorf("%w: log holds %d entries in [%d, %d]", ErrInvariantViolation, len(es), lo, hi)
	}
	return es, nil
}

func (r *Replica) observeVersion(id vsr.ReplicaID, v vsr.VersionInfo) {
	if id == r.id || !r.reconfig.Contains(id) {
		return
	}
	if r.upgrade.Observe(id, v) {
		plog.Infof("[%s] [VIEW-%d] cluster version is now %s", r.id, r.view, r.upgrade.ClusterVersion())
	}
}
