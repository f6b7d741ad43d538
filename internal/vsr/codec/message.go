package codec

import (
	"fmt"

	"vsr-engine/internal/vsr"
)

// MarshalMessage encodes the envelope and its payload
func MarshalMessage(msg vsr.Message) ([]byte, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: message without payload", vsr.ErrInvalidMessage)
	}
	payload, err := marshalPayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendUint(b, 1, uint64(msg.From))
	b = appendUint(b, 2, uint64(msg.To))
	b = appendBool(b, 3, msg.Broadcast)
	b = appendUint(b, 4, uint64(msg.Kind()))
	b = appendMessage(b, 5, payload)
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s encodes to %d bytes", ErrMalformed, msg, len(b))
	}
	return b, nil
}

// UnmarshalMessage decodes an envelope. It does not validate the protocol content, see vsr.ValidateMessage.
func UnmarshalMessage(b []byte) (vsr.Message, error) {
	var (
		msg     vsr.Message
		kind    vsr.MessageKind
		payload []byte
		present bool
	)
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			msg.From = vsr.ReplicaID(r.uint32(typ))
		case 2:
			msg.To = vsr.ReplicaID(r.uint32(typ))
		case 3:
			msg.Broadcast = r.bool(typ)
		case 4:
			kind = vsr.MessageKind(r.uint8(typ))
		case 5:
			payload, present = r.bytes(typ), true
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return vsr.Message{}, fmt.Errorf("decode message: %w", r.err)
	}
	if !present {
		return vsr.Message{}, fmt.Errorf("decode message: %w: no payload", ErrMalformed)
	}
	p, err := unmarshalPayload(kind, payload)
	if err != nil {
		return vsr.Message{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	msg.Payload = p
	return msg, nil
}

func marshalPayload(p vsr.Payload) ([]byte, error) {
	var b []byte
	switch m := p.(type) {
	case vsr.Prepare:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Op))
		b = appendMessage(b, 3, appendEntry(nil, m.Entry))
		b = appendUint(b, 4, uint64(m.Commit))
	case vsr.PrepareOk:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Op))
		b = appendUint(b, 3, uint64(m.Replica))
		b = appendMessage(b, 4, appendVersion(nil, m.Version))
	case vsr.Commit:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Commit))
	case vsr.StartViewChange:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Replica))
	case vsr.DoViewChange:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Replica))
		b = appendUint(b, 3, uint64(m.LastNormalView))
		b = appendUint(b, 4, uint64(m.Op))
		b = appendUint(b, 5, uint64(m.Commit))
		b = appendEntries(b, 6, m.LogTail)
		b = appendMessage(b, 7, appendReconfigState(nil, m.Reconfig))
		b = appendMessage(b, 8, appendVersion(nil, m.Version))
	case vsr.StartView:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Op))
		b = appendUint(b, 3, uint64(m.Commit))
		b = appendEntries(b, 4, m.LogTail)
		b = appendMessage(b, 5, appendReconfigState(nil, m.Reconfig))
		b = appendMessage(b, 6, appendVersion(nil, m.Version))
	case vsr.Recovery:
		b = appendUint(b, 1, uint64(m.Replica))
		b = appendNonce(b, 2, m.Nonce)
		b = appendUint(b, 3, uint64(m.KnownOp))
		b = appendUint(b, 4, uint64(m.KnownCommit))
	case vsr.RecoveryResponse:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Replica))
		b = appendNonce(b, 3, m.Nonce)
		b = appendUint(b, 4, uint64(m.Op))
		b = appendUint(b, 5, uint64(m.Commit))
		b = appendEntries(b, 6, m.LogTail)
		b = appendMessage(b, 7, appendReconfigState(nil, m.Reconfig))
		b = appendMessage(b, 8, appendVersion(nil, m.Version))
	case vsr.Ping:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Commit))
		b = appendMessage(b, 3, appendVersion(nil, m.Version))
		for _, rv := range m.Versions {
			b = appendMessage(b, 4, appendReplicaVersion(nil, rv))
		}
	case vsr.Pong:
		b = appendUint(b, 1, uint64(m.View))
		b = appendUint(b, 2, uint64(m.Op))
		b = appendUint(b, 3, uint64(m.Replica))
		b = appendMessage(b, 4, appendVersion(nil, m.Version))
	case vsr.Request:
		b = MarshalRequest(m)
	case vsr.Reply:
		b = MarshalReply(m)
	case vsr.RepairRequest:
		b = appendUint(b, 1, uint64(m.Replica))
		b = appendUint(b, 2, uint64(m.View))
		b = appendNonce(b, 3, m.Nonce)
		b = appendUint(b, 4, uint64(m.Start))
		b = appendUint(b, 5, uint64(m.End))
	case vsr.RepairResponse:
		b = appendUint(b, 1, uint64(m.Replica))
		b = appendNonce(b, 2, m.Nonce)
		b = appendUint(b, 3, uint64(m.Start))
		b = appendEntries(b, 4, m.Entries)
		b = appendUint(b, 5, uint64(m.Nack))
		b = appendUint(b, 6, uint64(m.HighestOp))
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", vsr.ErrInvalidMessage, p)
	}
	return b, nil
}

func unmarshalPayload(kind vsr.MessageKind, b []byte) (vsr.Payload, error) {
	r := newReader(b)
	var p vsr.Payload
	switch kind {
	case vsr.KindPrepare:
		var m vsr.Prepare
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 3:
				r.nested(typ, func(b []byte) (err error) {
					m.Entry, err = decodeEntry(b)
					return err
				})
			case 4:
				m.Commit = vsr.OpNumber(r.uint(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindPrepareOk:
		var m vsr.PrepareOk
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 3:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 4:
				r.version(typ, &m.Version)
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindCommit:
		var m vsr.Commit
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Commit = vsr.OpNumber(r.uint(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindStartViewChange:
		var m vsr.StartViewChange
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindDoViewChange:
		var m vsr.DoViewChange
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 3:
				m.LastNormalView = vsr.ViewNumber(r.uint(typ))
			case 4:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 5:
				m.Commit = vsr.OpNumber(r.uint(typ))
			case 6:
				r.entry(typ, &m.LogTail)
			case 7:
				r.reconfigState(typ, &m.Reconfig)
			case 8:
				r.version(typ, &m.Version)
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindStartView:
		var m vsr.StartView
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 3:
				m.Commit = vsr.OpNumber(r.uint(typ))
			case 4:
				r.entry(typ, &m.LogTail)
			case 5:
				r.reconfigState(typ, &m.Reconfig)
			case 6:
				r.version(typ, &m.Version)
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindRecovery:
		var m vsr.Recovery
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 2:
				m.Nonce = r.nonce(typ)
			case 3:
				m.KnownOp = vsr.OpNumber(r.uint(typ))
			case 4:
				m.KnownCommit = vsr.OpNumber(r.uint(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindRecoveryResponse:
		var m vsr.RecoveryResponse
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 3:
				m.Nonce = r.nonce(typ)
			case 4:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 5:
				m.Commit = vsr.OpNumber(r.uint(typ))
			case 6:
				r.entry(typ, &m.LogTail)
			case 7:
				r.reconfigState(typ, &m.Reconfig)
			case 8:
				r.version(typ, &m.Version)
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindPing:
		var m vsr.Ping
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Commit = vsr.OpNumber(r.uint(typ))
			case 3:
				r.version(typ, &m.Version)
			case 4:
				r.nested(typ, func(b []byte) error {
					rv, err := decodeReplicaVersion(b)
					m.Versions = append(m.Versions, rv)
					return err
				})
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindPong:
		var m vsr.Pong
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 2:
				m.Op = vsr.OpNumber(r.uint(typ))
			case 3:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 4:
				r.version(typ, &m.Version)
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindRequest:
		m, err := UnmarshalRequest(b)
		if err != nil {
			return nil, err
		}
		return m, nil
	case vsr.KindReply:
		m, err := UnmarshalReply(b)
		if err != nil {
			return nil, err
		}
		return m, nil
	case vsr.KindRepairRequest:
		var m vsr.RepairRequest
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 2:
				m.View = vsr.ViewNumber(r.uint(typ))
			case 3:
				m.Nonce = r.nonce(typ)
			case 4:
				m.Start = vsr.OpNumber(r.uint(typ))
			case 5:
				m.End = vsr.OpNumber(r.uint(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	case vsr.KindRepairResponse:
		var m vsr.RepairResponse
		for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
			switch num {
			case 1:
				m.Replica = vsr.ReplicaID(r.uint32(typ))
			case 2:
				m.Nonce = r.nonce(typ)
			case 3:
				m.Start = vsr.OpNumber(r.uint(typ))
			case 4:
				r.entry(typ, &m.Entries)
			case 5:
				m.Nack = vsr.NackReason(r.uint8(typ))
			case 6:
				m.HighestOp = vsr.OpNumber(r.uint(typ))
			default:
				r.skip(num, typ)
			}
		}
		p = m
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// MarshalRequest encodes a client request, shared by the Request message and the Submit RPC
func MarshalRequest(m vsr.Request) []byte {
	var b []byte
	b = appendMessage(b, 1, appendClient(nil, m.Client))
	return appendMessage(b, 2, appendCommand(nil, m.Command))
}

func UnmarshalRequest(b []byte) (vsr.Request, error) {
	var m vsr.Request
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			r.nested(typ, func(b []byte) (err error) {
				m.Client, err = decodeClient(b)
				return err
			})
		case 2:
			r.nested(typ, func(b []byte) (err error) {
				m.Command, err = decodeCommand(b)
				return err
			})
		default:
			r.skip(num, typ)
		}
	}
	return m, r.err
}

// MarshalReply encodes a client reply
func MarshalReply(m vsr.Reply) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.View))
	b = appendMessage(b, 2, appendClient(nil, m.Client))
	b = appendUint(b, 3, uint64(m.Op))
	b = appendBytes(b, 4, m.Result)
	b = appendString(b, 5, m.Err)
	return appendUint(b, 6, uint64(m.LeaderHint))
}

func UnmarshalReply(b []byte) (vsr.Reply, error) {
	var m vsr.Reply
	r := newReader(b)
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		switch num {
		case 1:
			m.View = vsr.ViewNumber(r.uint(typ))
		case 2:
			r.nested(typ, func(b []byte) (err error) {
				m.Client, err = decodeClient(b)
				return err
			})
		case 3:
			m.Op = vsr.OpNumber(r.uint(typ))
		case 4:
			m.Result = r.copyBytes(typ)
		case 5:
			m.Err = r.string(typ)
		case 6:
			m.LeaderHint = vsr.ReplicaID(r.uint32(typ))
		default:
			r.skip(num, typ)
		}
	}
	return m, r.err
}
