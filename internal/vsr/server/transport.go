package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
	"vsr-engine/internal/vsr/replica"
)

var tlog = logger.GetLogger("transport")

// ErrUnknownPeer is returned when a message is addressed to a replica without a connection
var ErrUnknownPeer = errors.New("unknown peer")

// Transport delivers protocol messages to peers over gRPC. Delivery is best effort: every send is retried a
// few times and then dropped, the protocol timers retransmit what still matters.
type Transport struct {
	self vsr.ReplicaID
	// conns holds one client connection per peer, keyed by replica id
	conns      *xsync.MapOf[vsr.ReplicaID, *grpc.ClientConn]
	rpcTimeout time.Duration
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewTransport(self vsr.ReplicaID, rpcTimeout time.Duration, maxRetries int) *Transport {
	ctx, cancel := context.WithCancel(SetSenderID(context.Background(), self))
	return &Transport{
		self:       self,
		conns:      xsync.NewMapOf[vsr.ReplicaID, *grpc.ClientConn](),
		rpcTimeout: rpcTimeout,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddPeer registers the address of a peer and opens a connection to it. Adding a known peer only updates
// its address.
func (t *Transport) AddPeer(id vsr.ReplicaID, addr Address) error {
	RegisterResolverPeer(id, addr)
	if id == t.self {
		return nil
	}
	var dialErr error
	t.conns.Compute(id, func(old *grpc.ClientConn, loaded bool) (*grpc.ClientConn, bool) {
		if loaded {
			return old, false
		}
		conn, err := grpc.NewClient(target(id), grpc.WithTransportCredentials(insecure.NewCredentials()),
			codecOptions())
		if err != nil {
			dialErr = err
			return nil, true
		}
		return conn, false
	})
	if dialErr != nil {
		return fmt.Errorf("failed to establish gRPC channel to replica %d: %w", id, dialErr)
	}
	return nil
}

// RemovePeer closes the connection of a peer that left the configuration
func (t *Transport) RemovePeer(id vsr.ReplicaID) {
	if conn, ok := t.conns.LoadAndDelete(id); ok {
		if err := conn.Close(); err != nil {
			tlog.Warningf("[%s] failed to close connection to removed peer %s: %v", t.self, id, err)
			return
		}
		tlog.Infof("[%s] closed connection to removed peer %s", t.self, id)
	}
}

// Peers returns the replicas with an open connection
func (t *Transport) Peers() []vsr.ReplicaID {
	ids := make([]vsr.ReplicaID, 0, t.conns.Size())
	t.conns.Range(func(id vsr.ReplicaID, _ *grpc.ClientConn) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Send delivers msg to msg.To, retrying with a linear backoff capped at MaxRetryBackoff
func (t *Transport) Send(ctx context.Context, msg vsr.Message) error {
	conn, ok := t.conns.Load(msg.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.To)
	}
	ctx = outgoingSender(ctx)

	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
		lastErr = conn.Invoke(rpcCtx, methodDeliver, &msg, &codec.Ack{})
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s to %s cancelled: %w", msg.Kind(), msg.To, ctx.Err())
		default:
		}

		if attempt < t.maxRetries-1 {
			backoff := min(RetryBackoffBase*time.Duration(attempt+1), MaxRetryBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s to %s cancelled: %w", msg.Kind(), msg.To, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%s to %s failed after %d attempts: %w", msg.Kind(), msg.To, t.maxRetries, lastErr)
}

// Broadcast delivers msg to every replica in to. Sends run concurrently.
func (t *Transport) Broadcast(ctx context.Context, msg vsr.Message, to []vsr.ReplicaID) {
	for _, id := range to {
		m := msg
		m.To = id
		t.goSend(ctx, m)
	}
}

// Dispatch sends every message of a replica step on its own goroutine, so a slow peer never stalls the caller
func (t *Transport) Dispatch(out replica.Output) {
	for _, msg := range out.Messages {
		t.goSend(t.ctx, msg)
	}
	for _, b := range out.Broadcasts {
		t.Broadcast(t.ctx, b.Message, b.To)
	}
}

func (t *Transport) goSend(ctx context.Context, msg vsr.Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		if err := t.Send(ctx, msg); err != nil {
			tlog.Debugf("[%s] dropping %s: %v", t.self, msg, err)
		}
	}()
}

// Close cancels in-flight sends, waits for them, and closes every connection
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	t.conns.Range(func(id vsr.ReplicaID, conn *grpc.ClientConn) bool {
		if err := conn.Close(); err != nil {
			tlog.Warningf("[%s] failed to close connection to %s: %v", t.self, id, err)
		}
		t.conns.Delete(id)
		return true
	})
	tlog.Infof("[%s] all gRPC client connections closed", t.self)
}
