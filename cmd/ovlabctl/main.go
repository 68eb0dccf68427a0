// Command ovlabctl is a thin HTTP client over the controller's admin
// surface (pkg/controllersvc): lab deploy/destroy/status, agent listing,
// dead-letter inspection, and deploy-lock administration.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/version"
)

var (
	controllerURL string
	verbose       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "ovlabctl",
	Short:             "administer a container-network-lab fleet controller",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `ovlabctl talks to a running ovlab-controller over HTTP.

  ovlabctl labs list                 # show known labs
  ovlabctl labs deploy <lab_id>      # deploy a lab's topology
  ovlabctl labs destroy <lab_id>     # tear a lab down
  ovlabctl agents list               # show registered agents
  ovlabctl locks status              # show deploy-lock state
  ovlabctl locks release <lab_id>    # force-release a stuck lock
  ovlabctl dead-letters list         # show undeliverable job callbacks`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&controllerURL, "controller", "c", envOr("OVLABCTL_CONTROLLER_URL", "http://localhost:8080"), "controller base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newLabsCmd(),
		newAgentsCmd(),
		newLocksCmd(),
		newDeadLettersCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the ovlabctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Info())
			return nil
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// getJSON issues a GET against the controller and decodes the JSON body
// into out.
func getJSON(path string, out interface{}) error {
	resp, err := httpClient.Get(controllerURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON issues a POST with an optional JSON body and decodes the
// response into out.
func postJSON(path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	resp, err := httpClient.Post(controllerURL+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("POST %s: %s", path, errBody.Error)
		}
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
