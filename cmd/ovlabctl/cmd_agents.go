package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/cli"
	"github.com/ovlab/ovlab/pkg/model"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "inspect fleet agents",
	}
	cmd.AddCommand(newAgentsListCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []model.Agent
			if err := getJSON("/agents", &agents); err != nil {
				return err
			}
			t := cli.NewTable("ID", "STATUS", "ADDRESS", "PROVIDERS", "LAST HEARTBEAT")
			for _, a := range agents {
				status := string(a.Status)
				if a.Status == model.AgentOnline {
					status = cli.Green(status)
				} else if a.Status == model.AgentOffline {
					status = cli.Red(status)
				}
				t.Row(a.ID, status, a.Address,
					strings.Join(a.Capabilities.Providers, ","),
					a.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"))
			}
			t.Flush()
			return nil
		},
	}
}
