// Package adminpb is the gateway's admin gRPC plane: a small control
// surface for querying live tracker state and forcing a gate open or an
// egress flush outside of normal event-driven operation, used by ops
// tooling and the site's orchestration layer.
//
// It is registered with grpc.ServiceDesc rather than protoc-gen-go-grpc
// output; message types are the well-known protobuf types
// (emptypb/structpb/wrapperspb) already vendored with
// google.golang.org/protobuf, so no custom .proto compilation step is
// needed for a handful of administrative calls.
package adminpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminServiceServer is implemented by Handler.
type AdminServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ForceGateOpen(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	FlushJourneys(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
}

// RegisterAdminServiceServer attaches srv's methods to grpcServer under the
// gateway.admin.AdminService name.
func RegisterAdminServiceServer(grpcServer *grpc.Server, srv AdminServiceServer) {
	grpcServer.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "gateway.admin.AdminService",
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ForceGateOpen", Handler: forceGateOpenHandler},
		{MethodName: "FlushJourneys", Handler: flushJourneysHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/adminpb/adminpb.go",
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gateway.admin.AdminService/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func forceGateOpenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).ForceGateOpen(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gateway.admin.AdminService/ForceGateOpen"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).ForceGateOpen(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func flushJourneysHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).FlushJourneys(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gateway.admin.AdminService/FlushJourneys"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).FlushJourneys(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
