// Package provider is the Container Provider (spec §4.6): validates images,
// computes the per-lab interface-slot network budget, creates and starts
// containers built from a node's vendor defaults plus topology overrides,
// waits out readiness probes, and tears everything back down on destroy.
package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"

	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/util"
)

// interfaceSlotBuffer is added to the highest referenced interface index so
// a lab has headroom to hot-connect new links without exhausting its
// network budget. Never creating the vendor's full theoretical port count
// is deliberate — that would exhaust the host's IP/bridge namespace.
const interfaceSlotBuffer = 4

const labLabel = "ovlab.lab_id"
const nodeNameLabel = "ovlab.node_name"
const kindLabel = "ovlab.kind"

// Provider is the interface the agent runtime drives to realise a lab's
// nodes as running containers. DockerProvider is the only implementation;
// the interface exists so a different backend could be added later without
// touching callers.
type Provider interface {
	ValidateImages(ctx context.Context, images []string) (missing []string, err error)
	CleanupStale(ctx context.Context, labID string) error
	EnsureInterfaceNetworks(ctx context.Context, labID string, topo *spec.Topology) (map[string]string, error)
	CreateNode(ctx context.Context, labID, nodeName string, node spec.NodeDef, ifaceNetworks map[string]string) (containerID string, err error)
	StartNodes(ctx context.Context, nodes []NodeHandle)
	DestroyLab(ctx context.Context, labID string, nodes []NodeHandle) []error

	StartNode(ctx context.Context, containerID string) error
	StopNode(ctx context.Context, containerID string) error

	DiscoverLabs(ctx context.Context) (map[string][]string, error)
	LabStatus(ctx context.Context, labID string) ([]NodeStatus, error)
	ResolveNodes(ctx context.Context, labID string) ([]NodeHandle, error)
	CleanupOrphans(ctx context.Context, validLabIDs map[string]bool) ([]string, error)

	ConsoleAttach(ctx context.Context, containerName string, cmd []string) (conn io.ReadWriteCloser, execID string, err error)
	ConsoleResize(ctx context.Context, execID string, rows, cols uint) error
}

// NodeHandle is everything the provider needs to start, probe, and tear
// down one already-created container.
type NodeHandle struct {
	NodeName      string
	ContainerID   string
	ContainerName string
	Kind          string
	MgmtIP        string
}

// DockerProvider implements Provider against the Docker Engine API.
type DockerProvider struct {
	client    DockerClient
	flashBase string
	sshCreds  SSHCredentials
}

// New constructs a DockerProvider. flashBase is the host directory under
// which per-lab flash directories and extracted configs are written.
func New(dockerClient DockerClient, flashBase string, sshCreds SSHCredentials) *DockerProvider {
	return &DockerProvider{client: dockerClient, flashBase: flashBase, sshCreds: sshCreds}
}

// ValidateImages looks up every required image in the local Docker daemon
// and returns those not present, without mutating anything (spec §4.6 step 1).
func (p *DockerProvider) ValidateImages(ctx context.Context, images []string) ([]string, error) {
	var missing []string
	for _, img := range dedupe(images) {
		f := filters.NewArgs()
		f.Add("reference", img)
		list, err := p.client.ImageList(ctx, image.ListOptions{Filters: f})
		if err != nil {
			return nil, fmt.Errorf("checking image %s: %w", img, err)
		}
		if len(list) == 0 {
			missing = append(missing, img)
		}
	}
	return missing, nil
}

// PullImage pulls img, draining the response body so the daemon completes
// the pull (the reader must be consumed or the pull is abandoned).
func (p *DockerProvider) PullImage(ctx context.Context, img string) error {
	rc, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer rc.Close()
	buf := make([]byte, 32*1024)
	for {
		if _, err := rc.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// EnsureInterfaceNetworks computes the lab's interface budget (spec §4.6
// step 3) and creates one Docker network per slot, keyed by "ethN". Networks
// are created with null IPAM since these links are L2-only — no IP space is
// allocated per slot, only per-node config (if any) assigns addresses.
func (p *DockerProvider) EnsureInterfaceNetworks(ctx context.Context, labID string, topo *spec.Topology) (map[string]string, error) {
	maxIdx := 0
	for nodeName := range topo.Nodes {
		if n := spec.MaxInterfaceIndex(topo, nodeName); n > maxIdx {
			maxIdx = n
		}
	}
	slots := maxIdx + interfaceSlotBuffer

	networks := make(map[string]string, slots)
	var created []string
	for n := 1; n <= slots; n++ {
		iface := fmt.Sprintf("eth%d", n)
		name := fmt.Sprintf("%s-%s", labID, iface)

		existing, err := p.client.NetworkInspect(ctx, name, network.InspectOptions{})
		if err == nil {
			networks[iface] = existing.ID
			continue
		}

		resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "null",
			IPAM:   &network.IPAM{Driver: "null"},
			Labels: map[string]string{labLabel: labID},
		})
		if err != nil {
			// Roll back every network created this call.
			for _, n := range created {
				_ = p.client.NetworkRemove(ctx, n)
			}
			return nil, fmt.Errorf("creating interface network %s: %w", name, err)
		}
		networks[iface] = resp.ID
		created = append(created, resp.ID)
	}
	return networks, nil
}

// CreateBridgeNetwork implements pkg/plugin.NetworkProvisioner: creates the
// bridge network backing a lab's management interface, with optional NAT.
func (p *DockerProvider) CreateBridgeNetwork(ctx context.Context, name, subnet, gateway string, enableNAT bool) (string, error) {
	ipamConfig := []network.IPAMConfig{{Subnet: subnet, Gateway: gateway}}
	resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM:   &network.IPAM{Driver: "default", Config: ipamConfig},
		Options: map[string]string{
			"com.docker.network.bridge.enable_ip_masquerade": boolString(enableNAT),
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating bridge network %s: %w", name, err)
	}
	return resp.ID, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// CreateNode builds a container from the node's vendor defaults plus
// topology overrides and creates it (but does not start it), per spec §4.6
// step 4. ifaceNetworks maps "ethN" to the Docker network ID created by
// EnsureInterfaceNetworks; the lowest-indexed one is attached at create
// time, the rest are connected by CreateNode right after the container is
// created.
func (p *DockerProvider) CreateNode(ctx context.Context, labID, nodeName string, node spec.NodeDef, ifaceNetworks map[string]string) (string, error) {
	vendor := LookupVendor(node.Kind)

	img := node.Image
	if img == "" {
		img = vendor.DefaultImage
	}

	env := mergeEnv(vendor.Env, node.Env)
	containerName := labID + "-" + nodeName

	cfg := &container.Config{
		Image:        img,
		Entrypoint:   vendor.Entrypoint,
		Cmd:          vendor.Cmd,
		Env:          toEnvSlice(env),
		Hostname:     nodeName,
		Tty:          true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{labLabel: labID, nodeNameLabel: nodeName, kindLabel: vendor.Kind},
	}
	if node.Cmd != "" {
		cfg.Cmd = []string{"/bin/sh", "-c", node.Cmd}
	}

	hostCfg := &container.HostConfig{
		Binds:       node.Binds,
		Privileged:  node.Privileged || vendor.Privileged,
		Sysctls:     vendor.Sysctls,
	}
	if vendor.RestartOnFailure {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	}

	if vendor.NeedsFlashDir {
		flashHost, err := p.prepareFlashDir(labID, nodeName, "")
		if err != nil {
			return "", err
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s", flashHost, vendor.FlashMount))
	}

	netCfg := &network.NetworkingConfig{}
	firstIface := lowestIface(ifaceNetworks)
	if firstIface != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			ifaceNetworks[firstIface]: {},
		}
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	if err != nil {
		return "", util.NewContainerError(containerName, "create", err)
	}

	for iface, netID := range ifaceNetworks {
		if iface == firstIface {
			continue
		}
		if err := p.client.NetworkConnect(ctx, netID, resp.ID, &network.EndpointSettings{}); err != nil {
			// Best-effort caller-side rollback: remove the container we just made.
			_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return "", util.NewContainerError(containerName, "attach "+iface, err)
		}
	}

	return resp.ID, nil
}

func lowestIface(m map[string]string) string {
	best := ""
	bestIdx := -1
	for iface := range m {
		idx := ifaceIndex(iface)
		if bestIdx == -1 || idx < bestIdx {
			bestIdx = idx
			best = iface
		}
	}
	return best
}

func ifaceIndex(iface string) int {
	n := 0
	for i := 3; i < len(iface); i++ {
		c := iface[i]
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func mergeEnv(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func toEnvSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// StartNodes starts every handle's container, staggering kinds whose
// vendor config requests a start delay (spec §4.6 step 5: cEOS races on
// kernel module load if started concurrently with its peers).
func (p *DockerProvider) StartNodes(ctx context.Context, nodes []NodeHandle) {
	for _, n := range nodes {
		vendor := LookupVendor(n.Kind)
		if err := p.client.ContainerStart(ctx, n.ContainerID, container.StartOptions{}); err != nil {
			util.WithField("container", n.ContainerName).Warn("starting container: " + err.Error())
			continue
		}
		if vendor.StartDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(vendor.StartDelay):
			}
		}
		p.WaitReady(ctx, n.ContainerID, n.ContainerName, vendor)
	}
}

// DestroyLab tears down every node (extracting cEOS config first where
// requested), removes the lab's interface networks, and sweeps volumes
// labelled with labID. Errors are collected, not short-circuited, so one
// stuck node doesn't block cleanup of the rest.
func (p *DockerProvider) DestroyLab(ctx context.Context, labID string, nodes []NodeHandle) []error {
	var errs []error

	for _, n := range nodes {
		vendor := LookupVendor(n.Kind)
		if vendor.ExtractConfigOnStop {
			if err := p.extractCEOSConfig(labID, n.NodeName, n.MgmtIP, p.sshCreds); err != nil {
				util.WithField("node", n.NodeName).Warn("config extraction before stop: " + err.Error())
			}
		}
		if err := p.client.ContainerStop(ctx, n.ContainerID, container.StopOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", n.ContainerName, err))
		}
		if err := p.client.ContainerRemove(ctx, n.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", n.ContainerName, err))
		}
	}

	if err := p.removeLabNetworks(ctx, labID); err != nil {
		errs = append(errs, err)
	}
	if err := p.sweepLabVolumes(ctx, labID); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// StartNode starts a single already-created container, used by the
// start/stop node-action job (spec §6.4 NodeActionRequest).
func (p *DockerProvider) StartNode(ctx context.Context, containerID string) error {
	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return util.NewContainerError(containerID, "start", err)
	}
	return nil
}

// StopNode stops a single container without removing it.
func (p *DockerProvider) StopNode(ctx context.Context, containerID string) error {
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return util.NewContainerError(containerID, "stop", err)
	}
	return nil
}

func (p *DockerProvider) removeLabNetworks(ctx context.Context, labID string) error {
	// EnsureInterfaceNetworks always creates a contiguous eth1..ethN run, so
	// the first missing slot marks the end of this lab's networks.
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s-eth%d", labID, n)
		nr, err := p.client.NetworkInspect(ctx, name, network.InspectOptions{})
		if err != nil {
			break
		}
		if err := p.client.NetworkRemove(ctx, nr.ID); err != nil {
			return fmt.Errorf("removing network %s: %w", name, err)
		}
	}
	return nil
}

func (p *DockerProvider) sweepLabVolumes(ctx context.Context, labID string) error {
	resp, err := p.client.VolumeList(ctx, volume.ListOptions{Filters: LabelFilter(labLabel, labID)})
	if err != nil {
		return fmt.Errorf("listing volumes for lab %s: %w", labID, err)
	}
	for _, v := range resp.Volumes {
		if err := p.client.VolumeRemove(ctx, v.Name, true); err != nil {
			return fmt.Errorf("removing volume %s: %w", v.Name, err)
		}
	}
	return nil
}
