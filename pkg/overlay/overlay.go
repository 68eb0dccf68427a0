// Package overlay is the Overlay Manager (spec §4.8): it builds the VXLAN
// tunnel backing one cross-host link, symmetrically on both agents, using
// vishvananda/netlink directly rather than shelling out to ip link. Each
// side gets its own VXLAN interface, a helper Linux bridge carrying it, and
// a veth pair whose container end is moved into the node's network
// namespace and renamed to the link's interface name.
package overlay

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/ovlab/ovlab/pkg/util"
)

// VNIAllocator is the subset of pkg/vni.Allocator the Overlay Manager needs.
type VNIAllocator interface {
	Allocate(key string) (int, error)
	Release(key string)
}

// NetnsLocator resolves a container name to its network namespace handle,
// typically by reading the container's PID from the Docker SDK and opening
// /proc/<pid>/ns/net.
type NetnsLocator interface {
	Open(containerName string) (netns.NsHandle, error)
}

// Manager creates and tears down cross-host VXLAN attachments.
type Manager struct {
	vniPool VNIAllocator
	netns   NetnsLocator
	dstPort int
}

// New constructs a Manager. dstPort is the VXLAN UDP destination port
// (4789 by default, per spec §6.5).
func New(vniPool VNIAllocator, locator NetnsLocator, dstPort int) *Manager {
	return &Manager{vniPool: vniPool, netns: locator, dstPort: dstPort}
}

// Attachment describes one side's locally-created interfaces, returned so a
// failed symmetric setup can be unwound.
type Attachment struct {
	VxlanIface string
	BridgeName string
	VethHost   string
	VethCont   string
}

// AttachLocal performs step 2/3 of spec §4.8 on the local agent: create the
// VXLAN interface, the helper bridge abr-<vni>, and the veth pair whose
// container end lands in containerName's netns renamed to iface.
func (m *Manager) AttachLocal(linkID, containerName, iface, localIP, remoteIP string, vni int) (*Attachment, error) {
	vxlanName := fmt.Sprintf("vxlan%d", vni)
	bridgeName := fmt.Sprintf("abr-%d", vni)

	local := net.ParseIP(localIP)
	remote := net.ParseIP(remoteIP)
	if local == nil || remote == nil {
		return nil, fmt.Errorf("invalid local/remote IP for vni %d: %q/%q", vni, localIP, remoteIP)
	}

	vxlan := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: vxlanName},
		VxlanId:   vni,
		Group:     remote,
		SrcAddr:   local,
		Port:      m.dstPort,
	}
	if err := netlink.LinkAdd(vxlan); err != nil {
		return nil, fmt.Errorf("creating vxlan interface %s: %w", vxlanName, err)
	}
	if err := netlink.LinkSetUp(vxlan); err != nil {
		return nil, fmt.Errorf("bringing up %s: %w", vxlanName, err)
	}

	bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: bridgeName}}
	if err := netlink.LinkAdd(bridge); err != nil {
		_ = netlink.LinkDel(vxlan)
		return nil, fmt.Errorf("creating helper bridge %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetUp(bridge); err != nil {
		return nil, fmt.Errorf("bringing up %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetMaster(vxlan, bridge); err != nil {
		return nil, fmt.Errorf("attaching %s to %s: %w", vxlanName, bridgeName, err)
	}

	vethHost := fmt.Sprintf("ov-%d-h", vni)
	vethCont := fmt.Sprintf("ov-%d-c", vni)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: vethHost},
		PeerName:  vethCont,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("creating veth pair %s/%s: %w", vethHost, vethCont, err)
	}
	hostSide, err := netlink.LinkByName(vethHost)
	if err != nil {
		return nil, fmt.Errorf("looking up %s after creation: %w", vethHost, err)
	}
	if err := netlink.LinkSetMaster(hostSide, bridge); err != nil {
		return nil, fmt.Errorf("attaching %s to %s: %w", vethHost, bridgeName, err)
	}
	if err := netlink.LinkSetUp(hostSide); err != nil {
		return nil, fmt.Errorf("bringing up %s: %w", vethHost, err)
	}

	contSide, err := netlink.LinkByName(vethCont)
	if err != nil {
		return nil, fmt.Errorf("looking up %s after creation: %w", vethCont, err)
	}
	ns, err := m.netns.Open(containerName)
	if err != nil {
		return nil, fmt.Errorf("opening netns for %s: %w", containerName, err)
	}
	defer ns.Close()

	if err := netlink.LinkSetNsFd(contSide, int(ns)); err != nil {
		return nil, fmt.Errorf("moving %s into %s's netns: %w", vethCont, containerName, err)
	}
	if err := renameAndUpInNetns(ns, vethCont, iface); err != nil {
		return nil, err
	}

	util.WithFields(map[string]interface{}{
		"link_id": linkID, "vni": vni, "container": containerName, "iface": iface,
	}).Info("attached overlay link locally")

	return &Attachment{VxlanIface: vxlanName, BridgeName: bridgeName, VethHost: vethHost, VethCont: vethCont}, nil
}

// renameAndUpInNetns enters ns, renames oldName to newName, and brings the
// interface up. Entering a namespace affects the whole OS thread, so
// callers must not invoke this concurrently with other netns-sensitive work
// on the same goroutine without locking the OS thread first (see
// pkg/overlay's callers, which run each AttachLocal on its own goroutine).
func renameAndUpInNetns(ns netns.NsHandle, oldName, newName string) error {
	origNs, err := netns.Get()
	if err != nil {
		return fmt.Errorf("getting current netns: %w", err)
	}
	defer netns.Set(origNs)
	defer origNs.Close()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("entering target netns: %w", err)
	}

	link, err := netlink.LinkByName(oldName)
	if err != nil {
		return fmt.Errorf("looking up %s in target netns: %w", oldName, err)
	}
	if err := netlink.LinkSetName(link, newName); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", oldName, newName, err)
	}
	link, err = netlink.LinkByName(newName)
	if err != nil {
		return fmt.Errorf("looking up %s after rename: %w", newName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up %s: %w", newName, err)
	}
	return nil
}

// Cleanup removes every interface an Attachment created, best-effort: it
// collects errors rather than stopping at the first one, since the caller
// is usually already unwinding a partial failure.
func Cleanup(a *Attachment) error {
	if a == nil {
		return nil
	}
	var errs []string
	if link, err := netlink.LinkByName(a.VethHost); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if link, err := netlink.LinkByName(a.BridgeName); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if link, err := netlink.LinkByName(a.VxlanIface); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("overlay cleanup: %v", errs)
	}
	return nil
}
