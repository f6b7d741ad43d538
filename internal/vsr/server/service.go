package server

import (
	"context"

	"google.golang.org/grpc"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
)

const serviceName = "vsr.Replica"

const (
	methodDeliver = "/" + serviceName + "/Deliver"
	methodSubmit  = "/" + serviceName + "/Submit"
	methodAdmin   = "/" + serviceName + "/Admin"
	methodStatus  = "/" + serviceName + "/Status"
)

// ReplicaServer is the gRPC service every node serves. Messages travel in the codec's protobuf wire format,
// so the service is declared by hand instead of generated.
type ReplicaServer interface {
	// Deliver hands a protocol message from a peer to the replica. It returns before the message is handled.
	Deliver(ctx context.Context, msg *vsr.Message) (*codec.Ack, error)
	// Submit executes a client request and waits for its reply
	Submit(ctx context.Context, req *vsr.Request) (*vsr.Reply, error)
	Admin(ctx context.Context, req *codec.AdminRequest) (*codec.AdminResponse, error)
	Status(ctx context.Context, req *codec.StatusRequest) (*codec.StatusResponse, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(vsr.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeliver}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Deliver(ctx, req.(*vsr.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(vsr.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Submit(ctx, req.(*vsr.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func adminHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.AdminRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Admin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAdmin}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Admin(ctx, req.(*codec.AdminRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Status(ctx, req.(*codec.StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Admin", Handler: adminHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vsr/replica",
}

// RegisterReplicaServer registers srv on s
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

// senderInterceptor moves the sender id a peer stamped in the metadata into the request context
func senderInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if id, ok := incomingSender(ctx); ok {
		ctx = SetSenderID(ctx, id)
	}
	return handler(ctx, req)
}

// codecOptions makes every call of a client connection use the vsr codec
func codecOptions() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name))
}
