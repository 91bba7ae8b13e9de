package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fleetd/fleetd/pkg/agent"
	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/membership"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/transport"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "fleetd-agent",
		Short: "fleetd agent - runs CI commands for the coordinator",
		Long: `The fleetd agent runs on every build host. It registers with the
coordination service, receives commands on its inbox, runs them in a
bounded pool of execution slots and reports their status back.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("zone", "", "Zone this agent serves")
	rootCmd.PersistentFlags().String("name", "", "Agent name (default: hostname)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address of the coordination service")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().String("registration-prefix", membership.DefaultPrefix, "Key prefix of agent registrations")
	rootCmd.PersistentFlags().Duration("registration-ttl", 15*time.Second, "Lifetime of the registration without a heartbeat")
	rootCmd.PersistentFlags().String("nats-url", "nats://localhost:4222", "NATS URL of the agent transport")
	rootCmd.PersistentFlags().String("log-url", "", "NATS URL of the live log sink (default: nats-url)")
	rootCmd.PersistentFlags().Int("concurrent-proc-num", 1, "Number of execution slots")
	rootCmd.PersistentFlags().String("shell", "/bin/bash", "Shell that runs command scripts")
	rootCmd.PersistentFlags().String("work-dir", "", "Working directory of commands")
	rootCmd.PersistentFlags().Duration("process-timeout", agent.DefaultProcessTimeout, "Kill a single process after this long")
	rootCmd.PersistentFlags().Int("max-log-bytes", 512*1024, "Maximum uploaded log size per command")
	rootCmd.PersistentFlags().String("sudo-password", "", "Password fed to the shutdown command")
	rootCmd.PersistentFlags().String("shutdown-command", agent.DefaultShutdownCommand, "Command run by SHUTDOWN")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9091", "Metrics server bind address")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Export traces over OTLP")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4317", "OTLP gRPC endpoint")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("zone", rootCmd.PersistentFlags().Lookup("zone"))
	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("redis.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindPFlag("registration.prefix", rootCmd.PersistentFlags().Lookup("registration-prefix"))
	viper.BindPFlag("registration.ttl", rootCmd.PersistentFlags().Lookup("registration-ttl"))
	viper.BindPFlag("nats.url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindPFlag("log_url", rootCmd.PersistentFlags().Lookup("log-url"))
	viper.BindPFlag("concurrent_proc_num", rootCmd.PersistentFlags().Lookup("concurrent-proc-num"))
	viper.BindPFlag("shell", rootCmd.PersistentFlags().Lookup("shell"))
	viper.BindPFlag("work_dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("process_timeout", rootCmd.PersistentFlags().Lookup("process-timeout"))
	viper.BindPFlag("max_log_bytes", rootCmd.PersistentFlags().Lookup("max-log-bytes"))
	viper.BindPFlag("sudo_password", rootCmd.PersistentFlags().Lookup("sudo-password"))
	viper.BindPFlag("shutdown_command", rootCmd.PersistentFlags().Lookup("shutdown-command"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))

	viper.SetEnvPrefix("FLEETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Register with the coordination service and run commands",
		Args:  cobra.NoArgs,
		RunE:  run,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print the host facts published with the registration",
		Args:  cobra.NoArgs,
		RunE:  inspect,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	name := viper.GetString("name")
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			return fmt.Errorf("failed to resolve agent name: %w", err)
		}
	}
	natsURL := viper.GetString("nats.url")
	logURL := viper.GetString("log_url")
	if logURL == "" {
		logURL = natsURL
	}

	logger.Info("Starting fleetd agent",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("zone", viper.GetString("zone")),
		zap.String("name", name),
	)
	observability.SystemInfo.WithLabelValues("agent", Version, GitCommit).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "fleetd-agent",
		ServiceVersion: Version,
		SampleRate:     1.0,
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	conn, err := transport.Connect(transport.NATSConfig{URL: natsURL, Name: "fleetd-agent-" + name}, logger)
	if err != nil {
		return err
	}
	tr := transport.NewNATS(conn, 0, logger)

	config := &agent.Config{
		Zone:              viper.GetString("zone"),
		Name:              name,
		ConcurrentProcNum: viper.GetInt("concurrent_proc_num"),
		Shell:             viper.GetString("shell"),
		WorkDir:           viper.GetString("work_dir"),
		ProcessTimeout:    viper.GetDuration("process_timeout"),
		LogURL:            logURL,
		MaxLogBytes:       viper.GetInt("max_log_bytes"),
		SudoPassword:      viper.GetString("sudo_password"),
		ShutdownCommand:   viper.GetString("shutdown_command"),
		Logger:            logger,
	}
	a, err := agent.New(config, tr)
	if err != nil {
		tr.Close()
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		tr.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	host, err := agent.CollectHostInfo(ctx)
	if err != nil {
		logger.Warn("Host facts unavailable", zap.Error(err))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
	})
	defer client.Close()

	registrar, err := membership.NewRegistrar(client, membership.RegistrarConfig{
		Prefix: viper.GetString("registration.prefix"),
		TTL:    viper.GetDuration("registration.ttl"),
	}, api.Registration{
		Path:    a.Path(),
		Version: Version,
		Slots:   config.ConcurrentProcNum,
		Host:    host,
	}, logger)
	if err != nil {
		a.Stop()
		tr.Close()
		return err
	}
	if err := registrar.Start(ctx); err != nil {
		a.Stop()
		tr.Close()
		return fmt.Errorf("failed to register agent: %w", err)
	}

	metricsServer := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger, func() error {
		if registrar.State() == membership.StateUnhealthy {
			return fmt.Errorf("registration heartbeat failing")
		}
		return nil
	}, nil)
	if err := metricsServer.Start(); err != nil {
		logger.Warn("Metrics server unavailable", zap.Error(err))
		metricsServer = nil
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-a.Done():
		logger.Info("Agent stopped by coordinator")
	}

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Deregister first so the coordinator stops routing to this agent
	if err := registrar.Stop(shutdownCtx); err != nil {
		logger.Error("Error deregistering agent", zap.Error(err))
	}
	if err := a.Stop(); err != nil {
		logger.Error("Error stopping agent", zap.Error(err))
	}
	if err := tr.Close(); err != nil {
		logger.Error("Error closing transport", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", zap.Error(err))
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func inspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	info, err := agent.CollectHostInfo(ctx)
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(info)
}
