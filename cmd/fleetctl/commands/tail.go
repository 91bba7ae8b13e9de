package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/cmd/fleetctl/config"
	"github.com/fleetd/fleetd/pkg/api"
)

// NewTailCommand creates the tail command
func NewTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live command output",
		Long:  "Stream framed log lines shipped by agents until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd)
		},
	}
	cmd.Flags().StringP("zone", "z", "", "Only lines from this zone")
	cmd.Flags().StringP("command", "c", "", "Only lines of this command id")
	return cmd
}

func runTail(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tr, err := cfg.ConnectNATS(zap.NewNop())
	if err != nil {
		return err
	}
	defer tr.Close()

	zone, _ := cmd.Flags().GetString("zone")
	commandID, _ := cmd.Flags().GetString("command")
	out := cmd.OutOrStdout()

	lines := make(chan api.LogLine, 256)
	sub, err := tr.SubscribeLogs(zone, func(l api.LogLine) {
		if commandID != "" && l.CommandID != commandID {
			return
		}
		select {
		case lines <- l:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			fmt.Fprintln(out, formatLine(l))
		}
	}
}

func formatLine(l api.LogLine) string {
	return fmt.Sprintf("[%s %s] %s", l.Path, l.CommandID, l.Line)
}
