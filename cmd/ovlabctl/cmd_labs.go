package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/cli"
	"github.com/ovlab/ovlab/pkg/model"
)

func newLabsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labs",
		Short: "inspect and drive lab lifecycle",
	}
	cmd.AddCommand(newLabsListCmd(), newLabsGetCmd(), newLabsDeployCmd(), newLabsDestroyCmd())
	return cmd
}

func newLabsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var labs []model.Lab
			if err := getJSON("/labs", &labs); err != nil {
				return err
			}
			t := cli.NewTable("ID", "NAME", "STATE", "AGENT")
			for _, lab := range labs {
				t.Row(lab.ID, lab.Name, string(lab.State), lab.AgentID)
			}
			t.Flush()
			return nil
		},
	}
}

func newLabsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <lab_id>",
		Short: "show one lab's detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lab model.Lab
			if err := getJSON("/labs/"+args[0], &lab); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", cli.Bold("ID:"), lab.ID)
			fmt.Printf("%s %s\n", cli.Bold("Name:"), lab.Name)
			fmt.Printf("%s %s\n", cli.Bold("State:"), lab.State)
			fmt.Printf("%s %s\n", cli.Bold("Agent:"), lab.AgentID)
			fmt.Printf("%s %s\n", cli.Bold("Workspace:"), lab.WorkspacePath)
			fmt.Printf("%s %s\n", cli.Bold("Updated:"), lab.StateUpdated.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
}

func newLabsDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <lab_id>",
		Short: "deploy a lab's topology across the fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Lab      model.Lab `json:"lab"`
				Warnings []string  `json:"overlay_warnings"`
			}
			if err := postJSON("/labs/"+args[0]+"/deploy", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("lab %s: %s\n", resp.Lab.ID, cli.Green(string(resp.Lab.State)))
			for _, w := range resp.Warnings {
				fmt.Println(cli.Yellow("warning:"), w)
			}
			return nil
		},
	}
}

func newLabsDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <lab_id>",
		Short: "tear a lab down across the fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Lab    model.Lab `json:"lab"`
				Errors []string  `json:"errors"`
			}
			if err := postJSON("/labs/"+args[0]+"/destroy", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("lab %s: %s\n", resp.Lab.ID, resp.Lab.State)
			for _, e := range resp.Errors {
				fmt.Println(cli.Red("error:"), e)
			}
			return nil
		},
	}
}
