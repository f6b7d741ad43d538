package codec

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"vsr-engine/internal/vsr"
)

func appendReconfigCommand(b []byte, c vsr.ReconfigCommand) []byte {
	b = appendUint(b, 1, uint64(c.Kind))
	b = appendUint(b, 2, uint64(c.Replica))
	return appendUint(b, 3, uint64(c.Remove))
}

func decodeReconfigCommand(b []byte) (vsr.ReconfigCommand, error) {
	var c vsr.ReconfigCommand
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			c.Kind = vsr.ReconfigKind(r.uint8(typ))
		case 2:
			c.Replica = vsr.ReplicaID(r.uint32(typ))
		case 3:
			c.Remove = vsr.ReplicaID(r.uint32(typ))
		default:
			r.skip(num, typ)
		}
	}
	return c, r.err
}

func appendCommand(b []byte, c vsr.Command) []byte {
	b = appendUint(b, 1, uint64(c.Kind))
	b = appendBytes(b, 2, c.Payload)
	if c.Reconfig != nil {
		b = appendMessage(b, 3, appendReconfigCommand(nil, *c.Reconfig))
	}
	return b
}

func decodeCommand(b []byte) (vsr.Command, error) {
	var c vsr.Command
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			c.Kind = vsr.CommandKind(r.uint8(typ))
		case 2:
			c.Payload = r.copyBytes(typ)
		case 3:
			r.nested(typ, func(b []byte) error {
				rc, err := decodeReconfigCommand(b)
				c.Reconfig = &rc
				return err
			})
		default:
			r.skip(num, typ)
		}
	}
	return c, r.err
}

func appendClient(b []byte, c vsr.ClientMetadata) []byte {
	b = appendString(b, 1, c.ClientID)
	return appendUint(b, 2, c.RequestNumber)
}

func decodeClient(b []byte) (vsr.ClientMetadata, error) {
	var c vsr.ClientMetadata
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			c.ClientID = r.string(typ)
		case 2:
			c.RequestNumber = r.uint(typ)
		default:
			r.skip(num, typ)
		}
	}
	return c, r.err
}

func appendEntry(b []byte, e vsr.LogEntry) []byte {
	b = appendUint(b, 1, uint64(e.Op))
	b = appendUint(b, 2, uint64(e.View))
	b = appendMessage(b, 3, appendCommand(nil, e.Command))
	if !e.Client.IsZero() {
		b = appendMessage(b, 4, appendClient(nil, e.Client))
	}
	return b
}

func decodeEntry(b []byte) (vsr.LogEntry, error) {
	var e vsr.LogEntry
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			e.Op = vsr.OpNumber(r.uint(typ))
		case 2:
			e.View = vsr.ViewNumber(r.uint(typ))
		case 3:
			r.nested(typ, func(b []byte) (err error) {
				e.Command, err = decodeCommand(b)
				return err
			})
		case 4:
			r.nested(typ, func(b []byte) (err error) {
				e.Client, err = decodeClient(b)
				return err
			})
		default:
			r.skip(num, typ)
		}
	}
	return e, r.err
}

// MarshalEntry encodes a single log entry, the format the log stores use on disk
func MarshalEntry(e vsr.LogEntry) []byte { return appendEntry(nil, e) }

func UnmarshalEntry(b []byte) (vsr.LogEntry, error) {
	e, err := decodeEntry(b)
	if err != nil {
		return vsr.LogEntry{}, fmt.Errorf("decode log entry: %w", err)
	}
	return e, nil
}

func appendEntries(b []byte, num protowire.Number, entries []vsr.LogEntry) []byte {
	for _, e := range entries {
		b = appendMessage(b, num, appendEntry(nil, e))
	}
	return b
}

func (r *reader) entry(typ protowire.Type, into *[]vsr.LogEntry) {
	r.nested(typ, func(b []byte) error {
		e, err := decodeEntry(b)
		*into = append(*into, e)
		return err
	})
}

func appendConfig(b []byte, c vsr.ClusterConfig) []byte {
	for _, id := range c.Replicas() {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

func decodeConfig(b []byte) (vsr.ClusterConfig, error) {
	var ids []vsr.ReplicaID
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			ids = append(ids, vsr.ReplicaID(r.uint32(typ)))
		default:
			r.skip(num, typ)
		}
	}
	return vsr.NewClusterConfig(ids...), r.err
}

func appendReconfigState(b []byte, s vsr.ReconfigState) []byte {
	b = appendUint(b, 1, uint64(s.Phase))
	b = appendMessage(b, 2, appendConfig(nil, s.Old))
	if !s.New.IsEmpty() {
		b = appendMessage(b, 3, appendConfig(nil, s.New))
	}
	return appendUint(b, 4, uint64(s.JointOp))
}

func decodeReconfigState(b []byte) (vsr.ReconfigState, error) {
	var s vsr.ReconfigState
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			s.Phase = vsr.ReconfigPhase(r.uint8(typ))
		case 2:
			r.nested(typ, func(b []byte) (err error) {
				s.Old, err = decodeConfig(b)
				return err
			})
		case 3:
			r.nested(typ, func(b []byte) (err error) {
				s.New, err = decodeConfig(b)
				return err
			})
		case 4:
			s.JointOp = vsr.OpNumber(r.uint(typ))
		default:
			r.skip(num, typ)
		}
	}
	return s, r.err
}

func (r *reader) reconfigState(typ protowire.Type, into *vsr.ReconfigState) {
	r.nested(typ, func(b []byte) (err error) {
		*into, err = decodeReconfigState(b)
		return err
	})
}

func appendVersion(b []byte, v vsr.VersionInfo) []byte {
	b = appendUint(b, 1, uint64(v.Major))
	b = appendUint(b, 2, uint64(v.Minor))
	return appendUint(b, 3, uint64(v.Patch))
}

func decodeVersion(b []byte) (vsr.VersionInfo, error) {
	var v vsr.VersionInfo
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			v.Major = r.uint16(typ)
		case 2:
			v.Minor = r.uint16(typ)
		case 3:
			v.Patch = r.uint16(typ)
		default:
			r.skip(num, typ)
		}
	}
	return v, r.err
}

func (r *reader) version(typ protowire.Type, into *vsr.VersionInfo) {
	r.nested(typ, func(b []byte) (err error) {
		*into, err = decodeVersion(b)
		return err
	})
}

func appendReplicaVersion(b []byte, rv vsr.ReplicaVersion) []byte {
	b = appendUint(b, 1, uint64(rv.Replica))
	return appendMessage(b, 2, appendVersion(nil, rv.Version))
}

func decodeReplicaVersion(b []byte) (vsr.ReplicaVersion, error) {
	var rv vsr.ReplicaVersion
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			rv.Replica = vsr.ReplicaID(r.uint32(typ))
		case 2:
			r.version(typ, &rv.Version)
		default:
			r.skip(num, typ)
		}
	}
	return rv, r.err
}

func (r *reader) nonce(typ protowire.Type) vsr.Nonce {
	b := r.bytes(typ)
	if r.err != nil {
		return vsr.Nonce{}
	}
	n, err := uuid.FromBytes(b)
	if err != nil {
		r.err = fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	return n
}

func appendNonce(b []byte, num protowire.Number, n vsr.Nonce) []byte {
	if n == (vsr.Nonce{}) {
		return b
	}
	return appendBytes(b, num, n[:])
}

// MarshalState encodes the persistent replica metadata
func MarshalState(s vsr.PersistentState) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(s.View))
	b = appendUint(b, 2, uint64(s.LastNormalView))
	b = appendUint(b, 3, uint64(s.Commit))
	return appendMessage(b, 4, appendReconfigState(nil, s.Reconfig))
}

func UnmarshalState(b []byte) (vsr.PersistentState, error) {
	var s vsr.PersistentState
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			s.View = vsr.ViewNumber(r.uint(typ))
		case 2:
			s.LastNormalView = vsr.ViewNumber(r.uint(typ))
		case 3:
			s.Commit = vsr.OpNumber(r.uint(typ))
		case 4:
			r.reconfigState(typ, &s.Reconfig)
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return vsr.PersistentState{}, fmt.Errorf("decode persistent state: %w", r.err)
	}
	return s, nil
}
