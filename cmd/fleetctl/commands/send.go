package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/cmd/fleetctl/config"
	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/coordinator"
)

// NewSendCommand creates the send command
func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [script]",
		Short: "Queue a command for an agent",
		Long: `Queue a command request for the coordinator. Without --agent the
coordinator picks the longest idle agent of the zone.`,
		Example: `  fleetctl send --zone linux-x64 'make test'
  fleetctl send --zone linux-x64 --agent runner-3 --type KILL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args)
		},
	}

	cmd.Flags().StringP("zone", "z", "", "Target zone (required)")
	cmd.Flags().StringP("agent", "a", "", "Target agent name")
	cmd.Flags().StringP("type", "t", string(api.CommandRunShell), "Command type")
	cmd.Flags().String("session", "", "Session the command belongs to")
	cmd.Flags().IntP("priority", "p", 0, "Queue priority (0-10)")
	_ = cmd.MarkFlagRequired("zone")

	return cmd
}

func buildRequest(cmd *cobra.Command, args []string) (*api.CommandRequest, error) {
	zone, _ := cmd.Flags().GetString("zone")
	agent, _ := cmd.Flags().GetString("agent")
	typ, _ := cmd.Flags().GetString("type")
	session, _ := cmd.Flags().GetString("session")

	req := &api.CommandRequest{
		Path:      api.NewAgentPath(zone, agent),
		Type:      api.CommandType(strings.ToUpper(typ)),
		Payload:   strings.Join(args, " "),
		SessionID: session,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command request: %w", err)
	}
	return req, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}
	priority, _ := cmd.Flags().GetInt("priority")
	if err := broker.ValidatePublishPriority(priority); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	b, err := cfg.NewBroker(ctx, zap.NewNop())
	if err != nil {
		return err
	}
	defer b.Close()

	msg, err := coordinator.EncodeRequest(req, priority)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputterTo(output, cmd.OutOrStdout())
	if out.GetFormat() == config.OutputTable {
		return out.PrintTable(
			[]string{"MESSAGE", "ZONE", "AGENT", "TYPE", "PRIORITY"},
			[][]string{{msg.ID, req.Path.Zone, orAny(req.Path.Name), string(req.Type), fmt.Sprint(msg.Priority)}},
		)
	}
	return out.Print(struct {
		MessageID string              `json:"message_id" yaml:"message_id"`
		Priority  int                 `json:"priority" yaml:"priority"`
		Request   *api.CommandRequest `json:"request" yaml:"request"`
	}{msg.ID, msg.Priority, req})
}

func orAny(name string) string {
	if name == "" {
		return "<any>"
	}
	return name
}
