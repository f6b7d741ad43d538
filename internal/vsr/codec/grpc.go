package codec

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"vsr-engine/internal/vsr"
)

// Name is the gRPC content subtype of the codec, clients select it with grpc.CallContentSubtype(Name)
const Name = "vsr"

type wireMarshaler interface {
	MarshalWire() []byte
}

type wireUnmarshaler interface {
	UnmarshalWire([]byte) error
}

// grpcCodec lets gRPC carry protocol messages and RPC envelopes without generated code
type grpcCodec struct{}

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

func (grpcCodec) Name() string { return Name }

func (grpcCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *vsr.Message:
		return MarshalMessage(*m)
	case *vsr.Request:
		return MarshalRequest(*m), nil
	case *vsr.Reply:
		return MarshalReply(*m), nil
	case wireMarshaler:
		return m.MarshalWire(), nil
	default:
		return nil, fmt.Errorf("codec %s: cannot marshal %T", Name, v)
	}
}

func (grpcCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *vsr.Message:
		msg, err := UnmarshalMessage(data)
		if err != nil {
			return err
		}
		*m = msg
	case *vsr.Request:
		req, err := UnmarshalRequest(data)
		if err != nil {
			return err
		}
		*m = req
	case *vsr.Reply:
		reply, err := UnmarshalReply(data)
		if err != nil {
			return err
		}
		*m = reply
	case wireUnmarshaler:
		return m.UnmarshalWire(data)
	default:
		return fmt.Errorf("codec %s: cannot unmarshal into %T", Name, v)
	}
	return nil
}
