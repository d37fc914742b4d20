package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/svchub/svchub/internal/config"
	"github.com/svchub/svchub/internal/dockerwatch"
	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/health"
	"github.com/svchub/svchub/internal/httpapi"
	"github.com/svchub/svchub/internal/hubrpc"
	"github.com/svchub/svchub/internal/logging"
	"github.com/svchub/svchub/internal/proxy"
	"github.com/svchub/svchub/internal/registry"
	"github.com/svchub/svchub/internal/router"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		debug       bool
		grpcHost    string
		grpcPort    uint16
		httpHost    string
		httpPort    uint16
		proxyPort   uint16
		dockerWatch bool
	)

	cmd := &cobra.Command{
		Use:   "svchub",
		Short: "Central registry and call router for a gRPC service fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags win over environment and file, but only when set.
			if cmd.Flags().Changed("grpc-host") {
				cfg.GRPCHost = grpcHost
			}
			if cmd.Flags().Changed("grpc-port") {
				cfg.GRPCPort = grpcPort
			}
			if cmd.Flags().Changed("http-host") {
				cfg.HTTPHost = httpHost
			}
			if cmd.Flags().Changed("http-port") {
				cfg.HTTPPort = httpPort
			}
			if cmd.Flags().Changed("proxy-port") {
				cfg.ProxyPort = proxyPort
			}
			if cmd.Flags().Changed("docker-watch") {
				cfg.DockerWatch = dockerWatch
			}

			level := cfg.LogLevel
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&grpcHost, "grpc-host", "0.0.0.0", "RPC surface bind host")
	cmd.Flags().Uint16Var(&grpcPort, "grpc-port", 50099, "RPC surface bind port")
	cmd.Flags().StringVar(&httpHost, "http-host", "0.0.0.0", "HTTP surface bind host")
	cmd.Flags().Uint16Var(&httpPort, "http-port", 8080, "HTTP surface bind port")
	cmd.Flags().Uint16Var(&proxyPort, "proxy-port", 50100, "Transparent proxy bind port")
	cmd.Flags().BoolVar(&dockerWatch, "docker-watch", false, "Auto-register labelled Docker containers")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.Default()
	log.Info("starting svchub",
		"grpc_addr", cfg.GRPCAddr(),
		"http_addr", cfg.HTTPAddr(),
		"proxy_addr", cfg.ProxyAddr(),
		"docker_watch", cfg.DockerWatch,
	)

	table := registry.New()
	bus := eventbus.New(log)
	rt := router.New(table, bus, router.NewGRPCForwarder(log), log)
	hub := hubrpc.NewHub(table, bus, rt, log)
	api := httpapi.New(table, bus, rt, log)
	monitor := health.NewMonitor(table, bus, log)
	proxySrv := proxy.NewServer(proxy.NewDirector(rt, log), log)

	var watcher *dockerwatch.Watcher
	if cfg.DockerWatch {
		var err error
		watcher, err = dockerwatch.NewWatcher(table, bus, log)
		if err != nil {
			log.Warn("docker watcher unavailable, continuing without auto-registration", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Serve(ctx, cfg.GRPCAddr()) })
	g.Go(func() error { return api.Serve(ctx, cfg.HTTPAddr()) })
	g.Go(func() error { return proxySrv.Serve(ctx, cfg.ProxyAddr()) })
	g.Go(func() error { return monitor.Run(ctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	return g.Wait()
}
