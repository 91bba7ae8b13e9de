package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command
func NewVersionCommand(version, buildTime, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, build time, and git commit of fleetctl",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fleetctl version %s\n", version)
			fmt.Fprintf(out, "Build time: %s\n", buildTime)
			fmt.Fprintf(out, "Git commit: %s\n", gitCommit)
		},
	}
}
