package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetd/fleetd/cmd/fleetctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetd operator CLI",
		Long: `fleetctl is the command-line interface for a fleetd CI agent fleet.

It queues commands for the coordinator, lists live agents and streams
command output.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.fleetd/config.yaml)")
	rootCmd.PersistentFlags().String("redis", "", "Redis address of the coordination service and queue")
	rootCmd.PersistentFlags().String("nats", "", "NATS URL of the agent transport")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(commands.NewSendCommand())
	rootCmd.AddCommand(commands.NewAgentsCommand())
	rootCmd.AddCommand(commands.NewTailCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}
