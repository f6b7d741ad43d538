package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"vsr-engine/internal/vsr"
)

// In-process address book: ReplicaID -> Address. Every node of the process shares it.
type idRegistry struct {
	mu       sync.RWMutex
	records  map[vsr.ReplicaID]Address
	watchers map[vsr.ReplicaID]map[*vsrResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[vsr.ReplicaID]Address),
	watchers: make(map[vsr.ReplicaID]map[*vsrResolver]struct{}),
}

// RegisterResolverPeer sets or updates the address of a replica and notifies the connections dialing it
func RegisterResolverPeer(id vsr.ReplicaID, addr Address) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := make([]*vsrResolver, 0, len(globalIDRegistry.watchers[id]))
	for w := range globalIDRegistry.watchers[id] {
		watchers = append(watchers, w)
	}
	globalIDRegistry.mu.Unlock()

	for _, w := range watchers {
		w.pushCurrent()
	}
}

// LookupResolverPeer returns the registered address of a replica
func LookupResolverPeer(id vsr.ReplicaID) (Address, bool) {
	globalIDRegistry.mu.RLock()
	defer globalIDRegistry.mu.RUnlock()
	addr, ok := globalIDRegistry.records[id]
	return addr, ok
}

const vsrScheme = "vsr"

// target returns the dial target of a replica, "vsr:///3"
func target(id vsr.ReplicaID) string {
	return fmt.Sprintf("%s:///%d", vsrScheme, id)
}

type vsrBuilder struct{}

func (vsrBuilder) Scheme() string { return vsrScheme }

func (vsrBuilder) Build(t resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	endpoint := t.Endpoint()
	if endpoint == "" {
		endpoint = strings.TrimPrefix(t.URL.Path, "/")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("vsr resolver: empty target endpoint: %+v", t)
	}
	id, err := strconv.ParseUint(endpoint, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("vsr resolver: invalid replica id %q: %w", endpoint, err)
	}

	r := &vsrResolver{id: vsr.ReplicaID(id), cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type vsrResolver struct {
	id vsr.ReplicaID
	cc resolver.ClientConn
}

func (r *vsrResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *vsrResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *vsrResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*vsrResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *vsrResolver) pushCurrent() {
	addr, ok := LookupResolverPeer(r.id)
	if !ok || addr == "" {
		// no address yet, gRPC retries once one is registered
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: string(addr)}}})
}

func init() {
	resolver.Register(vsrBuilder{})
}
