package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"vsr-engine/internal/vsr"
)

// Ack is the empty response of the Deliver RPC
type Ack struct{}

func (Ack) MarshalWire() []byte { return nil }

func (*Ack) UnmarshalWire([]byte) error { return nil }

// AdminAction selects the operator command carried by an AdminRequest
type AdminAction uint8

const (
	ActionReconfig AdminAction = iota + 1
	ActionUpgrade
	ActionAnnounce
	ActionRollback
	ActionViewChange
)

func (a AdminAction) String() string {
	switch a {
	case ActionReconfig:
		return "reconfig"
	case ActionUpgrade:
		return "upgrade"
	case ActionAnnounce:
		return "announce"
	case ActionRollback:
		return "rollback"
	case ActionViewChange:
		return "view-change"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

type AdminRequest struct {
	Action   AdminAction
	Reconfig vsr.ReconfigCommand
	Version  vsr.VersionInfo
}

func (m AdminRequest) MarshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Action))
	b = appendMessage(b, 2, appendReconfigCommand(nil, m.Reconfig))
	return appendMessage(b, 3, appendVersion(nil, m.Version))
}

func (m *AdminRequest) UnmarshalWire(b []byte) error {
	*m = AdminRequest{}
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			m.Action = AdminAction(r.uint8(typ))
		case 2:
			r.nested(typ, func(b []byte) (err error) {
				m.Reconfig, err = decodeReconfigCommand(b)
				return err
			})
		case 3:
			r.version(typ, &m.Version)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

type AdminResponse struct {
	Op         vsr.OpNumber
	Err        string
	LeaderHint vsr.ReplicaID
}

func (m AdminResponse) MarshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Op))
	b = appendString(b, 2, m.Err)
	return appendUint(b, 3, uint64(m.LeaderHint))
}

func (m *AdminResponse) UnmarshalWire(b []byte) error {
	*m = AdminResponse{}
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			m.Op = vsr.OpNumber(r.uint(typ))
		case 2:
			m.Err = r.string(typ)
		case 3:
			m.LeaderHint = vsr.ReplicaID(r.uint32(typ))
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

type StatusRequest struct{}

func (StatusRequest) MarshalWire() []byte { return nil }

func (*StatusRequest) UnmarshalWire([]byte) error { return nil }

// StatusResponse reports the state of one replica to an operator
type StatusResponse struct {
	Replica        vsr.ReplicaID
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
	Features       []string
	Versions       []vsr.ReplicaVersion
	Lagging        []vsr.ReplicaID
	Sessions       uint64
	Retired        bool
	Err            string
}

func (m StatusResponse) MarshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Replica))
	b = appendUint(b, 2, uint64(m.Status))
	b = appendUint(b, 3, uint64(m.Role))
	b = appendUint(b, 4, uint64(m.View))
	b = appendUint(b, 5, uint64(m.LastNormalView))
	b = appendUint(b, 6, uint64(m.Op))
	b = appendUint(b, 7, uint64(m.Commit))
	b = appendUint(b, 8, uint64(m.Leader))
	b = appendMessage(b, 9, appendReconfigState(nil, m.Reconfig))
	b = appendMessage(b, 10, appendVersion(nil, m.Version))
	b = appendMessage(b, 11, appendVersion(nil, m.ClusterVersion))
	if m.TargetVersion != nil {
		b = appendMessage(b, 12, appendVersion(nil, *m.TargetVersion))
	}
	b = appendBool(b, 13, m.RollingBack)
	for _, f := range m.Features {
		b = protowire.AppendTag(b, 14, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	for _, rv := range m.Versions {
		b = appendMessage(b, 15, appendReplicaVersion(nil, rv))
	}
	for _, id := range m.Lagging {
		b = protowire.AppendTag(b, 16, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	b = appendUint(b, 17, m.Sessions)
	b = appendBool(b, 18, m.Retired)
	return appendString(b, 19, m.Err)
}

func (m *StatusResponse) UnmarshalWire(b []byte) error {
	*m = StatusResponse{}
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			m.Replica = vsr.ReplicaID(r.uint32(typ))
		case 2:
			m.Status = vsr.Status(r.uint8(typ))
		case 3:
			m.Role = vsr.Role(r.uint8(typ))
		case 4:
			m.View = vsr.ViewNumber(r.uint(typ))
		case 5:
			m.LastNormalView = vsr.ViewNumber(r.uint(typ))
		case 6:
			m.Op = vsr.OpNumber(r.uint(typ))
		case 7:
			m.Commit = vsr.OpNumber(r.uint(typ))
		case 8:
			m.Leader = vsr.ReplicaID(r.uint32(typ))
		case 9:
			r.reconfigState(typ, &m.Reconfig)
		case 10:
			r.version(typ, &m.Version)
		case 11:
			r.version(typ, &m.ClusterVersion)
		case 12:
			var v vsr.VersionInfo
			r.version(typ, &v)
			m.TargetVersion = &v
		case 13:
			m.RollingBack = r.bool(typ)
		case 14:
			m.Features = append(m.Features, r.string(typ))
		case 15:
			r.nested(typ, func(b []byte) error {
				rv, err := decodeReplicaVersion(b)
				m.Versions = append(m.Versions, rv)
				return err
			})
		case 16:
			m.Lagging = append(m.Lagging, vsr.ReplicaID(r.uint32(typ)))
		case 17:
			m.Sessions = r.uint(typ)
		case 18:
			m.Retired = r.bool(typ)
		case 19:
			m.Err = r.string(typ)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}
