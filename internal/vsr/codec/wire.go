// Package codec is the wire format of the replica protocol. Every type is encoded as a protobuf message with
// google.golang.org/protobuf/encoding/protowire, so the format stays readable by any protobuf tooling.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds a single encoded message
const MaxMessageSize = 64 << 20

// ErrMalformed is returned for input that is not a valid encoding
var ErrMalformed = errors.New("malformed encoding")

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage writes a nested message, including an empty one, so its presence survives the round trip
func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// reader walks the fields of one encoded message. The first error sticks and ends the walk.
type reader struct {
	buf []byte
	err error
}

func newReader(b []byte) *reader {
	if len(b) > MaxMessageSize {
		return &reader{err: fmt.Errorf("%w: %d bytes exceed limit %d", ErrMalformed, len(b), MaxMessageSize)}
	}
	return &reader{buf: b}
}

func (r *reader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		return 0, 0, false
	}
	r.buf = r.buf[n:]
	return num, typ, true
}

func (r *reader) uint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		r.wrongType(typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.wrongType(typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		return nil
	}
	r.buf = r.buf[n:]
	return v
}

// copyBytes is bytes for fields that outlive the input buffer
func (r *reader) copyBytes(typ protowire.Type) []byte {
	v := r.bytes(typ)
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (r *reader) string(typ protowire.Type) string { return string(r.bytes(typ)) }

func (r *reader) bool(typ protowire.Type) bool { return r.uint(typ) != 0 }

// skip drops a field this version does not know
func (r *reader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.buf)
	if n < 0 {
		r.err = fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		return
	}
	r.buf = r.buf[n:]
}

// nested decodes an embedded message with fn
func (r *reader) nested(typ protowire.Type, fn func([]byte) error) {
	b := r.bytes(typ)
	if r.err != nil {
		return
	}
	if err := fn(b); err != nil {
		r.err = err
	}
}

func (r *reader) wrongType(typ protowire.Type) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: unexpected wire type %d", ErrMalformed, typ)
	}
}

func (r *reader) uint32(typ protowire.Type) uint32 {
	v := r.uint(typ)
	if v > 1<<32-1 && r.err == nil {
		r.err = fmt.Errorf("%w: value %d overflows uint32", ErrMalformed, v)
	}
	return uint32(v)
}

func (r *reader) uint16(typ protowire.Type) uint16 {
	v := r.uint(typ)
	if v > 1<<16-1 && r.err == nil {
		r.err = fmt.Errorf("%w: value %d overflows uint16", ErrMalformed, v)
	}
	return uint16(v)
}

func (r *reader) uint8(typ protowire.Type) uint8 {
	v := r.uint(typ)
	if v > 1<<8-1 && r.err == nil {
		r.err = fmt.Errorf("%w: value %d overflows uint8", ErrMalformed, v)
	}
	return uint8(v)
}
