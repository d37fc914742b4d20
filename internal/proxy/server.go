package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
)

// Server is the transparent proxy listener.
type Server struct {
	director *Director
	log      *slog.Logger
}

// NewServer returns a Server routing through director.
func NewServer(director *Director, log *slog.Logger) *Server {
	return &Server{director: director, log: log}
}

// Serve listens on addr and proxies every incoming method until ctx is
// cancelled. The raw-frame codec keeps payloads opaque end to end.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodecV2(grpcproxy.Codec()),
		grpc.UnknownServiceHandler(grpcproxy.TransparentHandler(s.director.Director)),
	)

	s.log.Info("transparent proxy listening", "addr", addr)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down transparent proxy")
		grpcServer.GracefulStop()
		s.director.Close()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving proxy: %w", err)
	}
	return nil
}
