package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/cli"
)

// lockStatusEntry mirrors pkg/controllersvc's GET /locks/status projection.
type lockStatusEntry struct {
	LabID   string  `json:"lab_id"`
	Held    bool    `json:"held"`
	Owner   string  `json:"owner,omitempty"`
	AgeSecs int64   `json:"age_seconds"`
	TTLSecs float64 `json:"ttl_seconds"`
	Stuck   bool    `json:"is_stuck"`
}

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "inspect and administer deploy locks",
	}
	cmd.AddCommand(newLocksStatusCmd(), newLocksReleaseCmd())
	return cmd
}

func newLocksStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show every lab's deploy-lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []lockStatusEntry
			if err := getJSON("/locks/status", &entries); err != nil {
				return err
			}
			t := cli.NewTable("LAB", "HELD", "OWNER", "AGE(s)", "TTL(s)", "STUCK")
			for _, e := range entries {
				stuck := strconv.FormatBool(e.Stuck)
				if e.Stuck {
					stuck = cli.Red(stuck)
				}
				t.Row(e.LabID, strconv.FormatBool(e.Held), e.Owner,
					strconv.FormatInt(e.AgeSecs, 10), strconv.FormatFloat(e.TTLSecs, 'f', 0, 64), stuck)
			}
			t.Flush()
			return nil
		},
	}
}

func newLocksReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lab_id>",
		Short: "force-release a stuck deploy lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Released bool `json:"released"`
			}
			if err := postJSON("/locks/"+args[0]+"/release", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("lab %s: released=%v\n", args[0], resp.Released)
			return nil
		},
	}
}
