package main

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	_ "github.com/svchub/svchub/pkg/hubapi" // registers the json codec
)

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Message   string `json:"message"`
	Echoed    bool   `json:"echoed"`
	Timestamp string `json:"timestamp"`
}

type echoService interface {
	Echo(ctx context.Context, req *echoRequest) (*echoResponse, error)
}

type echoServer struct {
	log *slog.Logger
}

func (s *echoServer) Echo(_ context.Context, req *echoRequest) (*echoResponse, error) {
	s.log.Info("echo request", "message", req.Message)
	return &echoResponse{
		Message:   req.Message,
		Echoed:    true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func echoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(echoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(echoService).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/echo.Echo/Echo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(echoService).Echo(ctx, req.(*echoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "echo.Echo",
	HandlerType: (*echoService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: echoHandler},
	},
	Metadata: "echo/echo.json",
}
