package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/coordinator"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/provision"
	"github.com/fleetd/fleetd/pkg/transport"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "fleetd-coordinator",
		Short: "fleetd coordinator - routes CI commands to build agents",
		Long: `The fleetd coordinator consumes command requests from the queue,
routes them to registered agents, tracks every command to completion and
keeps each zone's pool of idle agents within bounds.`,
		RunE:         run,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/fleetd", "Data directory for command records and logs")
	rootCmd.PersistentFlags().String("bind-addr", "0.0.0.0:8080", "gRPC health server bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("raft-addr", "", "RAFT consensus bind address")
	rootCmd.PersistentFlags().String("raft-id", "", "RAFT node ID (empty keeps command records in memory)")
	rootCmd.PersistentFlags().Bool("raft-bootstrap", false, "Bootstrap new RAFT cluster")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address of the queue and registrations")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().String("queue", "fleetd:commands", "Command request queue key")
	rootCmd.PersistentFlags().String("nats-url", "nats://localhost:4222", "NATS URL of the agent transport")
	rootCmd.PersistentFlags().Duration("command-timeout", 0, "Lifetime of a SENT or RUNNING command (default 5m)")
	rootCmd.PersistentFlags().Duration("session-timeout", 0, "Idle time before a session is reaped (default 10m)")
	rootCmd.PersistentFlags().Int("queue-retry-limit", coordinator.DefaultRetryLimit, "Re-publishes of a request while no agent is available (0 disables retries)")
	rootCmd.PersistentFlags().Duration("queue-retry-delay", 0, "Wait before a request is re-published")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket for the containerd provisioner")
	rootCmd.PersistentFlags().String("containerd-image", "", "Agent image started by the containerd provisioner")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Export traces over OTLP")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	rootCmd.PersistentFlags().Float64("tracing-sample-rate", 1.0, "Trace sampling ratio")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("bind_addr", rootCmd.PersistentFlags().Lookup("bind-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("raft.addr", rootCmd.PersistentFlags().Lookup("raft-addr"))
	viper.BindPFlag("raft.id", rootCmd.PersistentFlags().Lookup("raft-id"))
	viper.BindPFlag("raft.bootstrap", rootCmd.PersistentFlags().Lookup("raft-bootstrap"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("redis.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindPFlag("redis.db", rootCmd.PersistentFlags().Lookup("redis-db"))
	viper.BindPFlag("queue.name", rootCmd.PersistentFlags().Lookup("queue"))
	viper.BindPFlag("nats.url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindPFlag("command_timeout", rootCmd.PersistentFlags().Lookup("command-timeout"))
	viper.BindPFlag("session_timeout", rootCmd.PersistentFlags().Lookup("session-timeout"))
	viper.BindPFlag("queue.retry_limit", rootCmd.PersistentFlags().Lookup("queue-retry-limit"))
	viper.BindPFlag("queue.retry_delay", rootCmd.PersistentFlags().Lookup("queue-retry-delay"))
	viper.BindPFlag("containerd.socket", rootCmd.PersistentFlags().Lookup("containerd-socket"))
	viper.BindPFlag("containerd.image", rootCmd.PersistentFlags().Lookup("containerd-image"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))
	viper.BindPFlag("tracing.sample_rate", rootCmd.PersistentFlags().Lookup("tracing-sample-rate"))

	viper.SetEnvPrefix("FLEETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd coordinator\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting fleetd coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	observability.SystemInfo.WithLabelValues("coordinator", Version, GitCommit).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "fleetd-coordinator",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Zones are only configurable from the config file
	var zones []coordinator.ZoneConfig
	if err := viper.UnmarshalKey("zones", &zones); err != nil {
		return fmt.Errorf("failed to parse zones: %w", err)
	}

	dataDir := viper.GetString("data_dir")
	events := observability.NewEventStream(observability.EventStreamConfig{}, logger)

	config := &coordinator.Config{
		DataDir:       dataDir,
		Logger:        logger,
		Events:        events,
		RaftID:        viper.GetString("raft.id"),
		RaftAddr:      viper.GetString("raft.addr"),
		RaftBootstrap: viper.GetBool("raft.bootstrap"),
		Router: coordinator.RouterConfig{
			CommandTimeout: viper.GetDuration("command_timeout"),
			LogDir:         filepath.Join(dataDir, "logs"),
		},
		Queue: coordinator.QueueConfig{
			RetryLimit: viper.GetInt("queue.retry_limit"),
			RetryDelay: viper.GetDuration("queue.retry_delay"),
		},
		SessionTimeout: viper.GetDuration("session_timeout"),
		Zones:          zones,
		Containerd: provision.ContainerdConfig{
			SocketPath: viper.GetString("containerd.socket"),
			Image:      viper.GetString("containerd.image"),
		},
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	b, err := broker.NewRedisBroker(ctx, broker.RedisConfig{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
		Queue:    viper.GetString("queue.name"),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open command queue: %w", err)
	}
	defer b.Close()

	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	defer client.Close()

	conn, err := transport.Connect(transport.NATSConfig{URL: viper.GetString("nats.url"), Name: "fleetd-coordinator"}, logger)
	if err != nil {
		return err
	}
	tr := transport.NewNATS(conn, 0, logger)
	defer tr.Close()

	coord, err := coordinator.New(config, coordinator.Backends{
		Broker:    b,
		Transport: tr,
		Redis:     client,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	metricsServer := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger, func() error {
		if !coord.Ready() {
			return fmt.Errorf("coordinator not ready")
		}
		return nil
	}, events)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	grpcServer, healthServer, listener, err := setupGRPCServer(viper.GetString("bind_addr"), logger)
	if err != nil {
		return fmt.Errorf("failed to set up gRPC server: %w", err)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("Starting gRPC server", zap.String("addr", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()

	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping coordinator", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func setupGRPCServer(addr string, logger *zap.Logger) (*grpc.Server, *health.Server, net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(logger)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(logger)),
	)

	// NOT_SERVING until the coordinator has started
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return grpcServer, healthServer, listener, nil
}
