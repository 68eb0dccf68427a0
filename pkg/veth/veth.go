// Package veth creates and destroys host veth pairs with vishvananda/netlink,
// the same library pkg/overlay uses for its own VXLAN attachment plumbing.
// It exists to satisfy pkg/plugin.VethFactory so the Docker network driver
// never shells out to ip link for its per-endpoint interfaces.
package veth

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Factory creates veth pairs directly on the host network namespace,
// leaving both ends there; libnetwork's own Join call is responsible for
// moving the container side into the sandbox namespace afterward.
type Factory struct{}

// New constructs a Factory. There is no state to hold; every call operates
// on whatever netns the calling goroutine is currently in.
func New() *Factory {
	return &Factory{}
}

// Create adds a veth pair named hostName/contName and brings the host end
// up. The container end is left down; Join brings it up after renaming it
// once it has been moved into the target namespace.
func (f *Factory) Create(hostName, contName string) error {
	link := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  contName,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("creating veth pair %s/%s: %w", hostName, contName, err)
	}
	hostSide, err := netlink.LinkByName(hostName)
	if err != nil {
		return fmt.Errorf("looking up %s after creation: %w", hostName, err)
	}
	if err := netlink.LinkSetUp(hostSide); err != nil {
		return fmt.Errorf("bringing up %s: %w", hostName, err)
	}
	return nil
}

// Delete removes hostName; deleting one end of a veth pair destroys its
// peer, wherever that peer currently lives. Idempotent: a missing link is
// not an error, since callers use this during best-effort cleanup.
func (f *Factory) Delete(hostName string) error {
	link, err := netlink.LinkByName(hostName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("deleting %s: %w", hostName, err)
	}
	return nil
}
