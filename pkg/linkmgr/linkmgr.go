// Package linkmgr is the Link Manager (spec §4.7): it turns a "node:iface"
// pair into the OVS port backing that container's interface by walking the
// kernel's veth peer-index links under /sys/class/net, then retags ports to
// connect or disconnect two previously-provisioned endpoints.
package linkmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ovlab/ovlab/pkg/ovs"
	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/vlan"
)

// Fabric is the subset of pkg/ovs.Fabric the Link Manager drives.
type Fabric interface {
	PortTag(ctx context.Context, port string) (int, error)
	PortToBridge(ctx context.Context, port string) (string, error)
	SetPortTag(ctx context.Context, port string, tag int) error
}

// NetnsResolver finds the host-side veth name for a container's interface,
// by entering its network namespace, reading /sys/class/net/<iface>/iflink
// (the peer's ifindex), and matching it against the host's own interfaces.
// Production implementations shell out to nsenter; tests substitute a fake.
type NetnsResolver interface {
	HostVeth(ctx context.Context, containerName, iface string) (string, error)
}

// SplitEndpoint parses a "node:iface" string, the wire format links use
// throughout the HTTP surface (§6.1's POST/DELETE /links).
func SplitEndpoint(endpoint string) (node, iface string, err error) {
	idx := strings.IndexByte(endpoint, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("invalid endpoint %q, expected node:interface", endpoint)
	}
	return endpoint[:idx], endpoint[idx+1:], nil
}

// Manager resolves endpoints and performs hot connect/disconnect.
type Manager struct {
	fabric   Fabric
	resolver NetnsResolver
	vlanFor  func(labID string) (*vlan.Allocator, error)
}

// New constructs a Manager. vlanFor looks up the VLAN allocator owning
// labID's range, used by Disconnect to issue B a fresh, isolated tag.
func New(fabric Fabric, resolver NetnsResolver, vlanFor func(labID string) (*vlan.Allocator, error)) *Manager {
	return &Manager{fabric: fabric, resolver: resolver, vlanFor: vlanFor}
}

// resolvePort resolves one "node:iface" endpoint to its host veth and the
// OVS bridge it currently sits on.
func (m *Manager) resolvePort(ctx context.Context, node, iface string) (port, bridge string, err error) {
	port, err = m.resolver.HostVeth(ctx, node, iface)
	if err != nil {
		return "", "", fmt.Errorf("resolving %s:%s: %w", node, iface, err)
	}
	bridge, err = m.fabric.PortToBridge(ctx, port)
	if err != nil {
		return "", "", err
	}
	if bridge == "" {
		return "", "", fmt.Errorf("port %s for %s:%s is not attached to any OVS bridge", port, node, iface)
	}
	return port, bridge, nil
}

// checkSameBridge enforces spec §4.7's invariant that a link only connects
// two endpoints deployed to the same lab bridge.
func checkSameBridge(labID, epA, bridgeA, epB, bridgeB string) error {
	expected := ovs.BridgeName(labID)
	if bridgeA != expected || bridgeB != expected || bridgeA != bridgeB {
		return util.NewCrossBridgeLinkError(epA, bridgeA, epB, bridgeB)
	}
	return nil
}

// Connect resolves both endpoints and retags B to A's VLAN tag — the
// tie-break rule named in §4.7 is that the *first* endpoint named always
// donates its tag, so repeated calls with swapped A/B converge on A's tag.
func (m *Manager) Connect(ctx context.Context, labID, epA, epB string) error {
	nodeA, ifaceA, err := SplitEndpoint(epA)
	if err != nil {
		return err
	}
	nodeB, ifaceB, err := SplitEndpoint(epB)
	if err != nil {
		return err
	}

	portA, bridgeA, err := m.resolvePort(ctx, nodeA, ifaceA)
	if err != nil {
		return err
	}
	portB, bridgeB, err := m.resolvePort(ctx, nodeB, ifaceB)
	if err != nil {
		return err
	}
	if err := checkSameBridge(labID, epA, bridgeA, epB, bridgeB); err != nil {
		return err
	}

	tagA, err := m.fabric.PortTag(ctx, portA)
	if err != nil {
		return err
	}
	if err := m.fabric.SetPortTag(ctx, portB, tagA); err != nil {
		return err
	}

	util.WithFields(map[string]interface{}{
		"lab_id": labID, "a": epA, "b": epB, "vlan_tag": tagA,
	}).Info("connected link")
	return nil
}

// Disconnect allocates B a new, isolated VLAN tag from the lab's allocator
// and retags its port, breaking connectivity with A without touching A.
func (m *Manager) Disconnect(ctx context.Context, labID, epA, epB string) error {
	nodeB, ifaceB, err := SplitEndpoint(epB)
	if err != nil {
		return err
	}
	portB, bridgeB, err := m.resolvePort(ctx, nodeB, ifaceB)
	if err != nil {
		return err
	}
	if expected := ovs.BridgeName(labID); bridgeB != expected {
		return util.NewCrossBridgeLinkError(epB, bridgeB, epB, expected)
	}

	allocator, err := m.vlanFor(labID)
	if err != nil {
		return err
	}
	newTag, err := allocator.Allocate(epB)
	if err != nil {
		return err
	}

	if err := m.fabric.SetPortTag(ctx, portB, newTag); err != nil {
		return err
	}

	util.WithFields(map[string]interface{}{
		"lab_id": labID, "b": epB, "vlan_tag": newTag,
	}).Info("disconnected link: B returned to isolation")
	return nil
}

// SysfsResolver is the production NetnsResolver: it reads
// /sys/class/net/<iface>/iflink inside the container's network namespace
// (via the provided netnsExec, typically "nsenter --net=/proc/<pid>/ns/net")
// to find the peer ifindex, then scans the host's /sys/class/net for the
// veth whose ifindex matches.
type SysfsResolver struct {
	// NetnsIflink returns the iflink value (peer ifindex) of iface inside
	// containerName's network namespace.
	NetnsIflink func(ctx context.Context, containerName, iface string) (int, error)
	SysClassNet string // overridable in tests; defaults to /sys/class/net
}

func (s *SysfsResolver) sysClassNet() string {
	if s.SysClassNet != "" {
		return s.SysClassNet
	}
	return "/sys/class/net"
}

func (s *SysfsResolver) HostVeth(ctx context.Context, containerName, iface string) (string, error) {
	peerIfindex, err := s.NetnsIflink(ctx, containerName, iface)
	if err != nil {
		return "", fmt.Errorf("reading iflink for %s:%s: %w", containerName, iface, err)
	}

	base := s.sysClassNet()
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", base, err)
	}
	for _, e := range entries {
		ifindexPath := filepath.Join(base, e.Name(), "ifindex")
		data, err := os.ReadFile(ifindexPath)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if n == peerIfindex {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("no host interface found with ifindex %d (peer of %s:%s)", peerIfindex, containerName, iface)
}
