package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetd/fleetd/cmd/fleetctl/config"
	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/membership"
)

// NewAgentsCommand creates the agents command
func NewAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List live agents",
		Long:  "List the agents currently registered with the coordination service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgents(cmd)
		},
	}
	cmd.Flags().StringP("zone", "z", "", "Filter by zone")
	return cmd
}

func runAgents(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client, err := cfg.NewRedisClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	regs, err := membership.ListRegistrations(ctx, client, cfg.Prefix)
	if err != nil {
		return err
	}

	if zone, _ := cmd.Flags().GetString("zone"); zone != "" {
		filtered := regs[:0]
		for _, reg := range regs {
			if reg.Path.Zone == zone {
				filtered = append(filtered, reg)
			}
		}
		regs = filtered
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputterTo(output, cmd.OutOrStdout())
	if out.GetFormat() == config.OutputTable {
		return printAgentTable(out, regs)
	}
	return out.Print(regs)
}

func printAgentTable(out *config.Outputter, regs []api.Registration) error {
	headers := []string{"ZONE", "NAME", "SLOTS", "VERSION", "HOST", "CPUS", "MEMORY", "REGISTERED"}
	rows := make([][]string, 0, len(regs))

	for _, reg := range regs {
		host, cpus, memory := "-", "-", "-"
		if reg.Host != nil {
			host = reg.Host.Hostname
			cpus = strconv.Itoa(reg.Host.CPUs)
			memory = fmt.Sprintf("%dMi", reg.Host.MemoryTotal/(1024*1024))
		}
		rows = append(rows, []string{
			reg.Path.Zone,
			reg.Path.Name,
			strconv.Itoa(reg.Slots),
			reg.Version,
			host,
			cpus,
			memory,
			formatAge(reg.RegisteredAt),
		})
	}
	return out.PrintTable(headers, rows)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
