package replica

import "vsr-engine/internal/vsr"

type clientSession struct {
	requestNumber uint64
	op            vsr.OpNumber
	// reply is nil while the request is prepared but not committed
	reply *vsr.Reply
}

// sessionTable remembers the latest request of every client so a retried request is answered from the cached
// reply instead of being executed twice. It is rebuilt from committed entries on every replica.
type sessionTable struct {
	sessions map[string]*clientSession
	max      int
}

func newSessionTable(limit int) *sessionTable {
	return &sessionTable{sessions: make(map[string]*clientSession), max: limit}
}

func (t *sessionTable) get(clientID string) (*clientSession, bool) {
	s, ok := t.sessions[clientID]
	return s, ok
}

func (t *sessionTable) markPending(client vsr.ClientMetadata, op vsr.OpNumber) {
	t.sessions[client.ClientID] = &clientSession{requestNumber: client.RequestNumber, op: op}
	t.evict()
}

func (t *sessionTable) recordCommitted(reply vsr.Reply) {
	s, ok := t.sessions[reply.Client.ClientID]
	if ok && s.requestNumber > reply.Client.RequestNumber {
		return
	}
	r := reply
	t.sessions[reply.Client.ClientID] = &clientSession{requestNumber: reply.Client.RequestNumber, op: reply.Op, reply: &r}
	t.evict()
}

// dropPending forgets requests that were prepared after op, used when the log is truncated
func (t *sessionTable) dropPending(op vsr.OpNumber) {
	for id, s := range t.sessions {
		if s.reply == nil && s.op > op {
			delete(t.sessions, id)
		}
	}
}

// evict removes the sessions with the oldest op until the table fits
func (t *sessionTable) evict() {
	for len(t.sessions) > t.max {
		var (
			oldestID string
			oldestOp vsr.OpNumber
			found    bool
		)
		for id, s := range t.sessions {
			if !found || s.op < oldestOp {
				oldestID, oldestOp, found = id, s.op, true
			}
		}
		delete(t.sessions, oldestID)
	}
}

func (t *sessionTable) len() int { return len(t.sessions) }
