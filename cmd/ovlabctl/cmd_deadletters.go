package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/cli"
)

// deadLetterEntry mirrors pkg/controllersvc's GET /dead-letters projection.
type deadLetterEntry struct {
	JobID        string `json:"job_id"`
	AgentID      string `json:"agent_id"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExpiresInSec int64  `json:"expires_in_seconds"`
}

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "inspect undeliverable job callbacks",
	}
	cmd.AddCommand(newDeadLettersListCmd())
	return cmd
}

func newDeadLettersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list retained dead-lettered job callbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []deadLetterEntry
			if err := getJSON("/dead-letters", &entries); err != nil {
				return err
			}
			t := cli.NewTable("JOB", "AGENT", "ERROR", "EXPIRES IN(s)")
			for _, e := range entries {
				t.Row(e.JobID, e.AgentID, e.ErrorMessage, strconv.FormatInt(e.ExpiresInSec, 10))
			}
			t.Flush()
			return nil
		},
	}
}
