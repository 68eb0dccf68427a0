// Command ovlab-controller runs the fleet controller: it tracks agents and
// labs in its bbolt store, drives the Multi-host Orchestrator over HTTP
// against whichever agents a lab's nodes land on, and exposes the
// admin-facing surface ovlabctl talks to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/config"
	"github.com/ovlab/ovlab/pkg/controllersvc"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/store"
	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/version"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "ovlab-controller",
	Short:             "runs the container-network-lab fleet controller",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return util.SetLogLevel("debug")
		}
		return nil
	},
	RunE: runController,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the controller version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Info())
			return nil
		},
	}
}

func runController(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		util.Logger.Warn("invalid log level " + cfg.LogLevel + ": " + err.Error())
	}
	if cfg.LogFormat == "json" {
		util.SetJSONFormat()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.WorkspacePath + "/controller.db")
	if err != nil {
		return fmt.Errorf("opening controller store: %w", err)
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	locks := lock.New(redis.NewClient(redisOpts), "controller")

	httpClient := &http.Client{Timeout: cfg.DeployTimeout}
	orch := controllersvc.NewOrchestrator(st, httpClient, cfg.DeployTimeout)

	ctl := controllersvc.New(controllersvc.Options{
		Store:         st,
		Locks:         locks,
		Orchestrator:  orch,
		HTTPClient:    httpClient,
		DeployTimeout: cfg.DeployTimeout,
		DeadLetterTTL: 24 * time.Hour,
	})

	util.WithField("address", cfg.AgentAddress()).Info("controller listening")
	return ctl.Serve(ctx, cfg.AgentAddress())
}
