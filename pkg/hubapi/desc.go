package hubapi

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of the hub surface.
const ServiceName = "svchub.Hub"

// HubServer is the server API for the svchub.Hub service.
type HubServer interface {
	RegisterService(ctx context.Context, req *RegisterServiceRequest) (*RegisterServiceResponse, error)
	UnregisterService(ctx context.Context, req *UnregisterServiceRequest) (*UnregisterServiceResponse, error)
	ListServices(ctx context.Context, req *ListServicesRequest) (*ListServicesResponse, error)
	GetService(ctx context.Context, req *GetServiceRequest) (*GetServiceResponse, error)
	HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error)
	UpdateServiceStatus(ctx context.Context, req *UpdateServiceStatusRequest) (*UpdateServiceStatusResponse, error)
	CallService(ctx context.Context, req *ServiceCallRequest) (*ServiceCallResponse, error)
	SubscribeToService(req *SubscribeRequest, stream SubscribeStream) error
}

// SubscribeStream is the server side of the SubscribeToService stream.
type SubscribeStream interface {
	Send(*ServiceEvent) error
	grpc.ServerStream
}

type subscribeStream struct {
	grpc.ServerStream
}

func (s *subscribeStream) Send(m *ServiceEvent) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterHubServer registers srv on s. The descriptor below is written
// by hand: the wire format is JSON, so there is no generated code to
// provide it.
func RegisterHubServer(s grpc.ServiceRegistrar, srv HubServer) {
	s.RegisterService(&HubServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(HubServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HubServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HubServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HubServer).SubscribeToService(in, &subscribeStream{stream})
}

// subscribeStreamDesc is shared by the server descriptor and the client's
// NewStream call.
var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "SubscribeToService",
	Handler:       subscribeHandler,
	ServerStreams: true,
}

// HubServiceDesc is the grpc.ServiceDesc for the svchub.Hub service.
var HubServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterService",
			Handler:    unary("RegisterService", HubServer.RegisterService),
		},
		{
			MethodName: "UnregisterService",
			Handler:    unary("UnregisterService", HubServer.UnregisterService),
		},
		{
			MethodName: "ListServices",
			Handler:    unary("ListServices", HubServer.ListServices),
		},
		{
			MethodName: "GetService",
			Handler:    unary("GetService", HubServer.GetService),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unary("HealthCheck", HubServer.HealthCheck),
		},
		{
			MethodName: "UpdateServiceStatus",
			Handler:    unary("UpdateServiceStatus", HubServer.UpdateServiceStatus),
		},
		{
			MethodName: "CallService",
			Handler:    unary("CallService", HubServer.CallService),
		},
	},
	Streams: []grpc.StreamDesc{subscribeStreamDesc},
	Metadata: "svchub/hub.json",
}
