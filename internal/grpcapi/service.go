// Package grpcapi exposes the relay over gRPC.
//
// The service is described by hand rather than generated: its messages are
// protobuf well-known types, so no .proto compilation is needed.
//
//	service eventrelay.v1.Relay {
//	  rpc Ingest(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Query(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Connect(stream google.protobuf.StringValue) returns (stream google.protobuf.StringValue);
//	}
//
// Ingest takes {key, name, payload}; Query takes {key, name, limit}. Connect
// is a subscriber socket: every frame the relay sends the connection arrives
// as one JSON string, and every string the client sends is handled as an
// inbound event.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name
const ServiceName = "eventrelay.v1.Relay"

const (
	ingestMethod  = "/" + ServiceName + "/Ingest"
	queryMethod   = "/" + ServiceName + "/Query"
	connectMethod = "/" + ServiceName + "/Connect"
)

// ConnectStream is the server side of a Connect call
type ConnectStream = grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]

// RelayServer is the server API for the Relay service
type RelayServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(ConnectStream) error
}

// RelayServiceDesc describes the Relay service for grpc.Server.RegisterService
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "eventrelay/v1/relay.proto",
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ingestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Ingest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Query(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RelayServer).Connect(&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
}
