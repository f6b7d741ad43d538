package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
)

// Client calls the client facing methods of one node
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a node. addr is a host:port or a "vsr:///<id>" target.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), codecOptions())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Submit(ctx context.Context, req vsr.Request) (vsr.Reply, error) {
	var reply vsr.Reply
	if err := c.conn.Invoke(ctx, methodSubmit, &req, &reply); err != nil {
		return vsr.Reply{}, err
	}
	return reply, nil
}

func (c *Client) Admin(ctx context.Context, req codec.AdminRequest) (codec.AdminResponse, error) {
	var resp codec.AdminResponse
	if err := c.conn.Invoke(ctx, methodAdmin, &req, &resp); err != nil {
		return codec.AdminResponse{}, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (codec.StatusResponse, error) {
	var resp codec.StatusResponse
	if err := c.conn.Invoke(ctx, methodStatus, &codec.StatusRequest{}, &resp); err != nil {
		return codec.StatusResponse{}, err
	}
	return resp, nil
}

// ErrNoLeader is returned by ClusterClient when no replica accepted the request
var ErrNoLeader = errors.New("no replica accepted the request")

// ClusterClient submits to a cluster, following the leader hints of rejected replies
type ClusterClient struct {
	peers   map[vsr.ReplicaID]Address
	clients map[vsr.ReplicaID]*Client
	leader  vsr.ReplicaID
}

func NewClusterClient(peers map[vsr.ReplicaID]Address) *ClusterClient {
	c := &ClusterClient{peers: peers, clients: make(map[vsr.ReplicaID]*Client)}
	for id := range peers {
		c.leader = id
		break
	}
	return c
}

func (c *ClusterClient) client(id vsr.ReplicaID) (*Client, error) {
	if cl, ok := c.clients[id]; ok {
		return cl, nil
	}
	addr, ok := c.peers[id]
	if !ok {
		return nil, fmt.Errorf("no address for replica %d", id)
	}
	cl, err := Dial(string(addr))
	if err != nil {
		return nil, err
	}
	c.clients[id] = cl
	return cl, nil
}

// Submit sends req to the presumed leader and retries against the hinted leader, trying every replica at most
// once
func (c *ClusterClient) Submit(ctx context.Context, req vsr.Request) (vsr.Reply, error) {
	tried := make(map[vsr.ReplicaID]bool, len(c.peers))
	next := c.leader
	var lastErr error
	for len(tried) < len(c.peers) {
		if tried[next] {
			next = c.untried(tried)
		}
		tried[next] = true

		cl, err := c.client(next)
		if err != nil {
			lastErr = err
			continue
		}
		reply, err := cl.Submit(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return vsr.Reply{}, ctx.Err()
			}
			lastErr = err
			next = c.untried(tried)
			continue
		}
		if reply.Err != "" && isLeaderError(reply.Err) {
			lastErr = errors.New(reply.Err)
			next = reply.LeaderHint
			continue
		}
		c.leader = next
		return reply, nil
	}
	return vsr.Reply{}, fmt.Errorf("%w: %v", ErrNoLeader, lastErr)
}

func (c *ClusterClient) untried(tried map[vsr.ReplicaID]bool) vsr.ReplicaID {
	for id := range c.peers {
		if !tried[id] {
			return id
		}
	}
	return c.leader
}

func isLeaderError(msg string) bool {
	return strings.Contains(msg, "not the leader") || strings.Contains(msg, "no leader available")
}

func (c *ClusterClient) Close() {
	for _, cl := range c.clients {
		_ = cl.Close()
	}
}
