package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"vsr-engine/internal/pubsub"
	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
	"vsr-engine/internal/vsr/kernel"
	"vsr-engine/internal/vsr/metrics"
	"vsr-engine/internal/vsr/replica"
	"vsr-engine/internal/vsr/storage"
)

var nlog = logger.GetLogger("node")

// ErrStopped is returned by calls that reach a node after it stopped
var ErrStopped = errors.New("node stopped")

var _ ReplicaServer = (*Node)(nil)

// Node runs one replica: a gRPC server for peers and clients, a transport to the peers, and a single event
// loop goroutine that owns the replica. Every input reaches the replica through the loop.
type Node struct {
	cfg       Config
	replica   *replica.Replica
	store     vsr.LogStore
	kv        *kernel.KVStateMachine
	transport *Transport
	metrics   *metrics.Metrics
	broker    *pubsub.Broker

	grpcServer *grpc.Server
	addr       Address

	inbox chan func()
	// waiters maps client id and request number to the Submit call waiting for its reply
	waiters *xsync.MapOf[string, chan vsr.Reply]
	last    progress

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode opens the log and builds the replica. The node does not listen until Start.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var store vsr.LogStore
	if cfg.DataDir == "" {
		store = storage.NewMemoryStore()
	} else {
		bolt, err := storage.NewBoltStore(cfg.LogPath())
		if err != nil {
			return nil, err
		}
		store = bolt
	}

	kv := kernel.NewKVStateMachine(cfg.ReplicaID.String())
	m := metrics.NewMetrics(cfg.ReplicaID)
	rcfg := cfg.ReplicaConfig()
	rcfg.Metrics = m

	var (
		r   *replica.Replica
		err error
	)
	if cfg.Join {
		r, err = replica.NewJoiningReplica(rcfg, store, kv)
	} else {
		r, err = replica.NewReplica(rcfg, store, kv)
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create replica %d: %w", cfg.ReplicaID, err)
	}

	transport := NewTransport(cfg.ReplicaID, cfg.RPCTimeout, cfg.MaxRetries)
	for id, addr := range cfg.Peers {
		if err := transport.AddPeer(id, addr); err != nil {
			// one unreachable peer must not keep the node from talking to the others
			nlog.Errorf("[%s] %v", cfg.ReplicaID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		replica:   r,
		store:     store,
		kv:        kv,
		transport: transport,
		metrics:   m,
		broker:    pubsub.NewBroker(256),
		inbox:     make(chan func(), cfg.InboxSize),
		waiters:   xsync.NewMapOf[string, chan vsr.Reply](),
		last:      progressOf(r),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Start listens on the configured address and runs the node in the background
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.ListenAddr, err)
	}
	return n.StartWithListener(lis)
}

// StartWithListener runs the node on an existing listener
func (n *Node) StartWithListener(lis net.Listener) error {
	n.addr = Address(lis.Addr().String())
	RegisterResolverPeer(n.cfg.ReplicaID, n.addr)

	n.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30*time.Second), grpc.UnaryInterceptor(senderInterceptor))
	RegisterReplicaServer(n.grpcServer, n)

	nlog.Infof("[%s] [VIEW-%d] node running on %s, status %s, peers %v", n.cfg.ReplicaID, n.replica.View(), n.addr,
		n.replica.Status(), n.transport.Peers())

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.run()
	}()
	go func() {
		defer n.wg.Done()
		TickJob(n.ctx, n.cfg.ReplicaID.String(), n.cfg.TickInterval, n.broker, func() bool {
			return n.enqueue(n.replica.Tick)
		})
	}()
	go func() {
		defer n.wg.Done()
		if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			nlog.Errorf("[%s] gRPC server stopped: %v", n.cfg.ReplicaID, err)
		}
	}()
	// flush whatever the replica produced while starting, e.g. a Recovery broadcast
	n.enqueue(func() {})
	return nil
}

func (n *Node) ID() vsr.ReplicaID { return n.cfg.ReplicaID }

// Addr is the address the node listens on, empty before Start
func (n *Node) Addr() Address { return n.addr }

// Broker publishes the node lifecycle events
func (n *Node) Broker() *pubsub.Broker { return n.broker }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// KV is the state machine the committed ops are applied to
func (n *Node) KV() *kernel.KVStateMachine { return n.kv }

// Done is closed once the node stopped
func (n *Node) Done() <-chan struct{} { return n.done }

func (n *Node) run() {
	for {
		select {
		case fn := <-n.inbox:
			fn()
			n.afterStep()
		case <-n.ctx.Done():
			return
		}
	}
}

// enqueue schedules fn on the event loop without waiting, it reports false when the inbox is full
func (n *Node) enqueue(fn func()) bool {
	select {
	case n.inbox <- fn:
		return true
	default:
		return false
	}
}

// call runs fn on the event loop, waiting for a free inbox slot until ctx ends
func (n *Node) call(ctx context.Context, fn func()) error {
	select {
	case n.inbox <- fn:
		return nil
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-n.done:
		return status.Error(codes.Unavailable, ErrStopped.Error())
	}
}

// afterStep ships the output of the last step and publishes what changed
func (n *Node) afterStep() {
	out := n.replica.TakeOutput()
	n.transport.Dispatch(out)
	for _, a := range out.Applied {
		pubsub.Publish(n.broker, pubsub.NewEvent(Committed, a))
	}
	for _, reply := range out.Replies {
		if ch, ok := n.waiters.LoadAndDelete(clientKey(reply.Client)); ok {
			ch <- reply
		}
	}

	cur := progressOf(n.replica)
	if cur.view != n.last.view || cur.status != n.last.status {
		pubsub.Publish(n.broker, pubsub.NewEvent(ViewChanged, ViewChangedPayload{
			Replica: n.cfg.ReplicaID,
			View:    cur.view,
			Status:  cur.status,
			Leader:  n.replica.Leader(),
		}))
	}
	if !cur.reconfig.Equal(n.last.reconfig) {
		n.syncPeers(cur.reconfig)
		pubsub.Publish(n.broker, pubsub.NewEvent(ReconfigChanged, cur.reconfig))
	}
	if cur.retired && !n.last.retired {
		nlog.Infof("[%s] [VIEW-%d] removed from the configuration", n.cfg.ReplicaID, cur.view)
		pubsub.Publish(n.broker, pubsub.NewEvent(Retired, struct{}{}))
	}
	n.last = cur
	n.metrics.ObserveProgress(cur.view, n.replica.Op(), n.replica.Commit())

	if err := n.replica.Err(); err != nil {
		nlog.Errorf("[%s] [VIEW-%d] replica halted: %v", n.cfg.ReplicaID, cur.view, err)
		pubsub.Publish(n.broker, pubsub.NewEvent(Halted, err))
		go n.Stop()
	}
}

// syncPeers connects to the replicas a reconfiguration added and drops the ones it removed
func (n *Node) syncPeers(state vsr.ReconfigState) {
	members := state.AllReplicas()
	for _, id := range members.Replicas() {
		if addr, ok := LookupResolverPeer(id); ok {
			if err := n.transport.AddPeer(id, addr); err != nil {
				nlog.Errorf("[%s] %v", n.cfg.ReplicaID, err)
			}
			continue
		}
		nlog.Warningf("[%s] no address known for new member %s", n.cfg.ReplicaID, id)
	}
	if state.IsJoint() {
		return
	}
	for _, id := range n.transport.Peers() {
		if !members.Contains(id) {
			n.transport.RemovePeer(id)
		}
	}
}

func clientKey(c vsr.ClientMetadata) string {
	return fmt.Sprintf("%s/%d", c.ClientID, c.RequestNumber)
}

func (n *Node) Deliver(ctx context.Context, msg *vsr.Message) (*codec.Ack, error) {
	if sender, ok := GetSenderID(ctx); ok && sender != msg.From {
		return nil, status.Errorf(codes.InvalidArgument, "message from %s sent by %s", msg.From, sender)
	}
	m := *msg
	if !n.enqueue(func() {
		if err := n.replica.HandleMessage(m); err != nil {
			nlog.Debugf("[%s] [VIEW-%d] %s: %v", n.cfg.ReplicaID, n.replica.View(), m, err)
		}
	}) {
		nlog.Debugf("[%s] inbox full, dropping %s", n.cfg.ReplicaID, m)
	}
	return &codec.Ack{}, nil
}

func (n *Node) Submit(ctx context.Context, req *vsr.Request) (*vsr.Reply, error) {
	r := *req
	if r.Client.ClientID == "" {
		r.Client = vsr.ClientMetadata{ClientID: uuid.NewString(), RequestNumber: 1}
	}
	key := clientKey(r.Client)
	ch := make(chan vsr.Reply, 1)
	n.waiters.Store(key, ch)

	err := n.call(ctx, func() {
		if err := n.replica.HandleRequest(r); err != nil {
			if waiter, ok := n.waiters.LoadAndDelete(key); ok {
				waiter <- vsr.Reply{View: n.replica.View(), Client: r.Client, Err: err.Error(),
					LeaderHint: n.replica.Leader()}
			}
		}
	})
	if err != nil {
		n.waiters.Delete(key)
		return nil, err
	}

	select {
	case reply := <-ch:
		return &reply, nil
	case <-ctx.Done():
		n.waiters.Delete(key)
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-n.done:
		return nil, status.Error(codes.Unavailable, ErrStopped.Error())
	}
}

func (n *Node) Admin(ctx context.Context, req *codec.AdminRequest) (*codec.AdminResponse, error) {
	result := make(chan codec.AdminResponse, 1)
	a := *req
	if err := n.call(ctx, func() { result <- n.admin(a) }); err != nil {
		return nil, err
	}
	select {
	case resp := <-result:
		return &resp, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-n.done:
		return nil, status.Error(codes.Unavailable, ErrStopped.Error())
	}
}

func (n *Node) admin(req codec.AdminRequest) codec.AdminResponse {
	var (
		resp codec.AdminResponse
		err  error
	)
	switch req.Action {
	case codec.ActionReconfig:
		resp.Op, err = n.replica.ProposeReconfig(req.Reconfig)
	case codec.ActionUpgrade:
		err = n.replica.ProposeUpgrade(req.Version)
	case codec.ActionAnnounce:
		err = n.replica.AnnounceVersion(req.Version)
	case codec.ActionRollback:
		err = n.replica.Rollback(req.Version)
	case codec.ActionViewChange:
		err = n.replica.StartViewChange()
	default:
		err = fmt.Errorf("unknown admin action %s", req.Action)
	}
	resp.LeaderHint = n.replica.Leader()
	if err != nil {
		nlog.Warningf("[%s] [VIEW-%d] admin %s rejected: %v", n.cfg.ReplicaID, n.replica.View(), req.Action, err)
		resp.Err = err.Error()
		var notLeader *replica.NotLeaderError
		if errors.As(err, &notLeader) {
			resp.LeaderHint = notLeader.Leader
		}
	}
	return resp
}

func (n *Node) Status(ctx context.Context, _ *codec.StatusRequest) (*codec.StatusResponse, error) {
	s, err := n.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	resp := StatusResponse(s)
	return &resp, nil
}

// Snapshot reads the replica state on the event loop
func (n *Node) Snapshot(ctx context.Context) (replica.Snapshot, error) {
	result := make(chan replica.Snapshot, 1)
	if err := n.call(ctx, func() { result <- n.replica.Snapshot() }); err != nil {
		return replica.Snapshot{}, err
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return replica.Snapshot{}, ctx.Err()
	case <-n.done:
		return replica.Snapshot{}, ErrStopped
	}
}

// StatusResponse converts a replica snapshot to its wire form
func StatusResponse(s replica.Snapshot) codec.StatusResponse {
	resp := codec.StatusResponse{
		Replica:        s.ID,
		Status:         s.Status,
		Role:           s.Role,
		View:           s.View,
		LastNormalView: s.LastNormalView,
		Op:             s.Op,
		Commit:         s.Commit,
		Leader:         s.Leader,
		Reconfig:       s.Reconfig,
		Version:        s.Version,
		ClusterVersion: s.ClusterVersion,
		TargetVersion:  s.TargetVersion,
		RollingBack:    s.RollingBack,
		Versions:       s.Versions,
		Lagging:        s.Lagging,
		Sessions:       uint64(s.Sessions),
		Retired:        s.Retired,
	}
	for _, f := range s.Features {
		resp.Features = append(resp.Features, f.String())
	}
	if s.Err != nil {
		resp.Err = s.Err.Error()
	}
	return resp
}

// Stop shuts the node down: peers and clients are refused, the loop and the jobs exit, and the log is closed.
// It is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		nlog.Infof("[%s] shutting down node", n.cfg.ReplicaID)
		pubsub.Publish(n.broker, pubsub.NewEvent(NodeShutDown, struct{}{}))
		n.cancel()
		close(n.done)
		if n.grpcServer != nil {
			n.grpcServer.GracefulStop()
		}
		n.wg.Wait()
		n.transport.Close()
		n.broker.GracefulShutdown()
		if err := n.store.Close(); err != nil {
			nlog.Errorf("[%s] failed to close log: %v", n.cfg.ReplicaID, err)
		}
	})
}
