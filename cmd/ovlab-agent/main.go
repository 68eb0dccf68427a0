// Command ovlab-agent runs one fleet member: it serves the Docker network
// driver, the OVS/VXLAN data plane, and the controller-facing job/status
// HTTP contract, then registers itself with the controller and heartbeats
// for as long as the process lives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/ovlab/ovlab/pkg/agentrt"
	"github.com/ovlab/ovlab/pkg/agentstate"
	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/config"
	"github.com/ovlab/ovlab/pkg/linkmgr"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/overlay"
	"github.com/ovlab/ovlab/pkg/ovs"
	"github.com/ovlab/ovlab/pkg/plugin"
	"github.com/ovlab/ovlab/pkg/provider"
	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/veth"
	"github.com/ovlab/ovlab/pkg/vni"
	"github.com/ovlab/ovlab/pkg/version"

	"github.com/go-redis/redis/v8"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "ovlab-agent",
	Short:             "runs one container-network-lab fleet agent",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return util.SetLogLevel("debug")
		}
		return nil
	},
	RunE: runAgent,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Info())
			return nil
		},
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		util.Logger.Warn("invalid log level " + cfg.LogLevel + ": " + err.Error())
	}
	if cfg.LogFormat == "json" {
		util.SetJSONFormat()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("connecting to docker engine: %w", err)
	}
	dockerClient := provider.NewEngineClient(dockerCli)
	dockerProvider := provider.New(dockerClient, cfg.Qcow2StorePath, provider.SSHCredentials{})

	fabric := ovs.New()

	stateStore, _, err := agentstate.Open(cfg.WorkspacePath + "/agentstate.db")
	if err != nil {
		return fmt.Errorf("opening agent state store: %w", err)
	}

	plug := plugin.New(plugin.Options{
		Name:           cfg.AgentID,
		Store:          stateStore,
		Fabric:         fabric,
		Veth:           veth.New(),
		VNIPool:        mustVNIAllocator(cfg.PluginVXLANVNIBase, cfg.PluginVXLANVNIMax),
		Net:            dockerProvider,
		VLANStart:      cfg.OVSVLANStart,
		VLANEnd:        cfg.OVSVLANEnd,
		VxlanDstPort:   cfg.PluginVXLANDstPort,
		MgmtSubnetBase: cfg.MgmtNetworkSubnetBase,
		MgmtEnableNAT:  cfg.MgmtNetworkEnableNAT,
	})

	linkMgr := linkmgr.New(
		fabric,
		&linkmgr.SysfsResolver{NetnsIflink: dockerProvider.NetnsIflink},
		plug.VLANAllocator,
	)

	vniPool, err := vni.NewAllocator(cfg.VXLANVNIBase, cfg.VXLANVNIMax)
	if err != nil {
		return fmt.Errorf("building overlay VNI pool: %w", err)
	}
	overlayMgr := overlay.New(vniPool, dockerProvider, cfg.PluginVXLANDstPort)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	locks := lock.New(redis.NewClient(redisOpts), cfg.AgentID)

	cb := callback.New(nil, cfg.DestroyTimeout)

	agent := agentrt.New(agentrt.Options{
		AgentID:           cfg.AgentID,
		Name:              cfg.AgentName,
		Address:           "http://" + cfg.AgentAddress(),
		Version:           version.Info(),
		IsLocal:           cfg.IsLocal,
		ControllerURL:     cfg.ControllerURL,
		RegistrationToken: cfg.RegistrationToken,
		Capabilities: agentrt.Capabilities{
			Providers:        []string{"docker"},
			MaxConcurrentJob: cfg.MaxConcurrentJobs,
			Features:         []string{"vxlan", "ovs"},
		},
		Provider:           dockerProvider,
		Links:              linkMgr,
		Overlay:            overlayMgr,
		VNIPool:            vniPool,
		Locks:              locks,
		Callback:           cb,
		LockTTL:            cfg.LockTTL,
		LockAcquireTimeout: cfg.LockAcquireTimeout,
		LockExtendInterval: cfg.LockExtendInterval,
	})

	pluginSocket := cfg.WorkspacePath + "/run/docker/plugins/ovlab.sock"
	pluginSpec := "/etc/docker/plugins/ovlab.spec"

	errCh := make(chan error, 2)
	go func() {
		if !cfg.EnableOVSPlugin {
			return
		}
		errCh <- plug.Serve(ctx, pluginSocket, pluginSpec)
	}()
	go agent.RegistrationLoop(ctx, cfg.HeartbeatInterval)
	if cfg.LabTTLEnabled {
		go agent.LabTTLLoop(ctx, stateStore, cfg.LabTTLCheckInterval, time.Duration(cfg.LabTTLSeconds)*time.Second)
	}
	go func() { errCh <- agent.Serve(ctx, cfg.AgentAddress()) }()

	select {
	case <-ctx.Done():
		util.Logger.Info("agent shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func mustVNIAllocator(start, end int) *vni.Allocator {
	a, err := vni.NewAllocator(start, end)
	if err != nil {
		panic("invalid plugin VXLAN VNI range: " + err.Error())
	}
	return a
}
