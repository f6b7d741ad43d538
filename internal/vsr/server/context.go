package server

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc/metadata"

	"vsr-engine/internal/vsr"
)

// CtxKey is a typed context key
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

func SetCtxKey[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetCtxKey[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var senderID = NewCtxKey[vsr.ReplicaID]("senderID")

// senderHeader is the gRPC metadata key a replica stamps its id with on peer traffic
const senderHeader = "vsr-sender"

func SetSenderID(ctx context.Context, id vsr.ReplicaID) context.Context {
	return SetCtxKey(ctx, senderID, id)
}

func GetSenderID(ctx context.Context) (vsr.ReplicaID, bool) {
	return GetCtxKey(ctx, senderID)
}

// outgoingSender copies the sender id of ctx into the outgoing gRPC metadata
func outgoingSender(ctx context.Context) context.Context {
	id, ok := GetSenderID(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, senderHeader, strconv.FormatUint(uint64(id), 10))
}

// incomingSender extracts the sender id a peer stamped on its request
func incomingSender(ctx context.Context) (vsr.ReplicaID, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, false
	}
	values := md.Get(senderHeader)
	if len(values) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(values[0], 10, 32)
	if err != nil {
		return 0, false
	}
	return vsr.ReplicaID(id), true
}
