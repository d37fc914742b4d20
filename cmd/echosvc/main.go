// Command echosvc is a minimal fleet service used for demos and manual
// testing of the hub. It registers itself, heartbeats, answers an Echo
// method over JSON-gRPC, and unregisters on shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/svchub/svchub/internal/logging"
	"github.com/svchub/svchub/pkg/connector"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		hubAddr string
		host    string
		port    uint16
		name    string
	)

	cmd := &cobra.Command{
		Use:   "echosvc",
		Short: "Demo echo service that registers with the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Configure(logging.LevelInfo); err != nil {
				return err
			}
			return run(cmd.Context(), hubAddr, host, port, name)
		},
	}

	cmd.Flags().StringVar(&hubAddr, "hub", connector.DefaultHubAddr, "Hub RPC address")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Address to advertise and bind")
	cmd.Flags().Uint16Var(&port, "port", 50061, "Port to advertise and bind")
	cmd.Flags().StringVar(&name, "name", "echo", "Service name to register under")
	return cmd
}

func run(ctx context.Context, hubAddr, host string, port uint16, name string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	conn, err := connector.New(hubAddr, connector.WithLogger(log))
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := connector.Registration{
		Name:    name,
		Version: "1.0.0",
		Address: host,
		Port:    port,
		Methods: []string{"Echo"},
		Metadata: map[string]string{
			"description": "echoes requests back to the caller",
		},
	}

	serviceID, err := conn.Register(ctx, reg)
	if err != nil {
		return fmt.Errorf("registering with hub at %s: %w", hubAddr, err)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", host, port, err)
	}

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&echoServiceDesc, &echoServer{log: log})
	log.Info("echo service listening", "addr", lis.Addr(), "service_id", serviceID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The heartbeat loop may re-register under a fresh id; it returns
		// the id it ended with once ctx is done.
		finalID := conn.RunHeartbeat(ctx, serviceID, reg)
		// Best-effort unregister with a fresh context; ctx is already gone.
		unregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := conn.Unregister(unregCtx, finalID); err != nil {
			log.Warn("unregister failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error { return grpcServer.Serve(lis) })
	return g.Wait()
}
