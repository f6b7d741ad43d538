package vsr

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxLogTailEntries bounds the log tail carried by a single DoViewChange, StartView or RecoveryResponse
const MaxLogTailEntries = 10_000

// MaxRepairBatch bounds the entries returned by a single RepairResponse
const MaxRepairBatch = 1_000

// Nonce correlates a request with its responses for Recovery and Repair
type Nonce = uuid.UUID

func NewNonce() Nonce { return uuid.New() }

// MessageKind enumerates the protocol messages
type MessageKind uint8

const (
	KindPrepare MessageKind = iota + 1
	KindPrepareOk
	KindCommit
	KindStartViewChange
	KindDoViewChange
	KindStartView
	KindRecovery
	KindRecoveryResponse
	KindPing
	KindPong
	KindRequest
	KindReply
	KindRepairRequest
	KindRepairResponse
)

// AllKinds lists every message kind
var AllKinds = []MessageKind{
	KindPrepare, KindPrepareOk, KindCommit,
	KindStartViewChange, KindDoViewChange, KindStartView,
	KindRecovery, KindRecoveryResponse,
	KindPing, KindPong,
	KindRequest, KindReply,
	KindRepairRequest, KindRepairResponse,
}

func (k MessageKind) String() string {
	switch k {
	case KindPrepare:
		return "Prepare"
	case KindPrepareOk:
		return "PrepareOk"
	case KindCommit:
		return "Commit"
	case KindStartViewChange:
		return "StartViewChange"
	case KindDoViewChange:
		return "DoViewChange"
	case KindStartView:
		return "StartView"
	case KindRecovery:
		return "Recovery"
	case KindRecoveryResponse:
		return "RecoveryResponse"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindRequest:
		return "Request"
	case KindReply:
		return "Reply"
	case KindRepairRequest:
		return "RepairRequest"
	case KindRepairResponse:
		return "RepairResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Payload is the closed set of message bodies. Only the types in this file implement it.
type Payload interface {
	Kind() MessageKind
	isPayload()
}

// Message is the envelope the transport moves between replicas. Broadcast messages ignore To.
type Message struct {
	From      ReplicaID
	To        ReplicaID
	Broadcast bool
	Payload   Payload
}

func (m Message) Kind() MessageKind {
	if m.Payload == nil {
		return 0
	}
	return m.Payload.Kind()
}

func (m Message) String() string {
	if m.Broadcast {
		return fmt.Sprintf("%s{%d->*}", m.Kind(), m.From)
	}
	return fmt.Sprintf("%s{%d->%d}", m.Kind(), m.From, m.To)
}

// Prepare replicates one entry from the leader. Commit piggybacks the leader's commit number.
type Prepare struct {
	View   ViewNumber
	Op     OpNumber
	Entry  LogEntry
	Commit OpNumber
}

// PrepareOk acknowledges every op up to and including Op
type PrepareOk struct {
	View    ViewNumber
	Op      OpNumber
	Replica ReplicaID
	Version VersionInfo
}

type Commit struct {
	View   ViewNumber
	Commit OpNumber
}

type StartViewChange struct {
	View    ViewNumber
	Replica ReplicaID
}

// DoViewChange carries the sender's history to the prospective leader of View. LogTail holds the entries in
// (Commit, Op].
type DoViewChange struct {
	View           ViewNumber
	Replica        ReplicaID
	LastNormalView ViewNumber
	Op             OpNumber
	Commit         OpNumber
	LogTail        []LogEntry
	Reconfig       ReconfigState
	Version        VersionInfo
}

// StartView installs View. LogTail holds the leader's entries in (Commit, Op].
type StartView struct {
	View     ViewNumber
	Op       OpNumber
	Commit   OpNumber
	LogTail  []LogEntry
	Reconfig ReconfigState
	Version  VersionInfo
}

// Recovery is broadcast by a replica that lost track of the current view
type Recovery struct {
	Replica     ReplicaID
	Nonce       Nonce
	KnownOp     OpNumber
	KnownCommit OpNumber
}

// RecoveryResponse answers Recovery. Only the leader of View fills LogTail, with its entries in (Commit, Op].
type RecoveryResponse struct {
	View     ViewNumber
	Replica  ReplicaID
	Nonce    Nonce
	Op       OpNumber
	Commit   OpNumber
	LogTail  []LogEntry
	Reconfig ReconfigState
	Version  VersionInfo
}

// Ping is the leader heartbeat. Versions relays what the leader knows about other replicas.
type Ping struct {
	View     ViewNumber
	Commit   OpNumber
	Version  VersionInfo
	Versions []ReplicaVersion
}

type Pong struct {
	View    ViewNumber
	Op      OpNumber
	Replica ReplicaID
	Version VersionInfo
}

// Request is a client command, possibly forwarded by a backup
type Request struct {
	Client  ClientMetadata
	Command Command
}

// Reply answers a Request once its op committed, or rejects it. LeaderHint names the replica to retry against.
type Reply struct {
	View       ViewNumber
	Client     ClientMetadata
	Op         OpNumber
	Result     []byte
	Err        string
	LeaderHint ReplicaID
}

// RepairRequest asks for the entries in [Start, End). Uncommitted entries are only served by the leader of View.
type RepairRequest struct {
	Replica ReplicaID
	View    ViewNumber
	Nonce   Nonce
	Start   OpNumber
	End     OpNumber
}

// NackReason explains why a RepairRequest could not be served
type NackReason uint8

const (
	NackNone NackReason = iota
	NackNotSeen
	NackRecovering
)

func (r NackReason) String() string {
	switch r {
	case NackNone:
		return "none"
	case NackNotSeen:
		return "not_seen"
	case NackRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// RepairResponse answers a RepairRequest with a prefix of the requested range, or a nack
type RepairResponse struct {
	Replica   ReplicaID
	Nonce     Nonce
	Start     OpNumber
	Entries   []LogEntry
	Nack      NackReason
	HighestOp OpNumber
}

func (Prepare) Kind() MessageKind          { return KindPrepare }
func (PrepareOk) Kind() MessageKind        { return KindPrepareOk }
func (Commit) Kind() MessageKind           { return KindCommit }
func (StartViewChange) Kind() MessageKind  { return KindStartViewChange }
func (DoViewChange) Kind() MessageKind     { return KindDoViewChange }
func (StartView) Kind() MessageKind        { return KindStartView }
func (Recovery) Kind() MessageKind         { return KindRecovery }
func (RecoveryResponse) Kind() MessageKind { return KindRecoveryResponse }
func (Ping) Kind() MessageKind             { return KindPing }
func (Pong) Kind() MessageKind             { return KindPong }
func (Request) Kind() MessageKind          { return KindRequest }
func (Reply) Kind() MessageKind            { return KindReply }
func (RepairRequest) Kind() MessageKind    { return KindRepairRequest }
func (RepairResponse) Kind() MessageKind   { return KindRepairResponse }

func (Prepare) isPayload()          {}
func (PrepareOk) isPayload()        {}
func (Commit) isPayload()           {}
func (StartViewChange) isPayload()  {}
func (DoViewChange) isPayload()     {}
func (StartView) isPayload()        {}
func (Recovery) isPayload()         {}
func (RecoveryResponse) isPayload() {}
func (Ping) isPayload()             {}
func (Pong) isPayload()             {}
func (Request) isPayload()          {}
func (Reply) isPayload()            {}
func (RepairRequest) isPayload()    {}
func (RepairResponse) isPayload()   {}

// NewPayload returns the zero payload for kind, nil for an unknown kind
func NewPayload(kind MessageKind) Payload {
	switch kind {
	case KindPrepare:
		return Prepare{}
	case KindPrepareOk:
		return PrepareOk{}
	case KindCommit:
		return Commit{}
	case KindStartViewChange:
		return StartViewChange{}
	case KindDoViewChange:
		return DoViewChange{}
	case KindStartView:
		return StartView{}
	case KindRecovery:
		return Recovery{}
	case KindRecoveryResponse:
		return RecoveryResponse{}
	case KindPing:
		return Ping{}
	case KindPong:
		return Pong{}
	case KindRequest:
		return Request{}
	case KindReply:
		return Reply{}
	case KindRepairRequest:
		return RepairRequest{}
	case KindRepairResponse:
		return RepairResponse{}
	default:
		return nil
	}
}

// ViewOf returns the view a message is bound to and whether it carries one
func ViewOf(p Payload) (ViewNumber, bool) {
	switch m := p.(type) {
	case Prepare:
		return m.View, true
	case PrepareOk:
		return m.View, true
	case Commit:
		return m.View, true
	case StartViewChange:
		return m.View, true
	case DoViewChange:
		return m.View, true
	case StartView:
		return m.View, true
	case RecoveryResponse:
		return m.View, true
	case Ping:
		return m.View, true
	case Pong:
		return m.View, true
	case Reply:
		return m.View, true
	default:
		return 0, false
	}
}
