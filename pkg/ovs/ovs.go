// Package ovs is a thin typed wrapper over ovs-vsctl and ip link, the OVS
// Fabric component (spec §4.3). Every call is a subprocess invocation with
// an explicit timeout; failures surface as *util.OVSError carrying captured
// stderr, and timeouts as an error wrapping util.ErrOVS, so callers can
// decide whether to retry or abort.
package ovs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ovlab/ovlab/pkg/util"
)

// DefaultTimeout bounds every ovs-vsctl/ip link invocation issued by Fabric
// when the caller's context carries no deadline of its own.
const DefaultTimeout = 15 * time.Second

// Fabric drives ovs-vsctl and ip link against the local OVS instance.
type Fabric struct {
	timeout time.Duration
}

// New creates a Fabric using DefaultTimeout for subprocess calls.
func New() *Fabric {
	return &Fabric{timeout: DefaultTimeout}
}

// WithTimeout returns a copy of f using the given per-call timeout.
func (f *Fabric) WithTimeout(d time.Duration) *Fabric {
	return &Fabric{timeout: d}
}

func (f *Fabric) run(ctx context.Context, name string, args ...string) (string, error) {
	timeout := f.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return string(out), fmt.Errorf("%s %s: timed out after %s: %w", name, strings.Join(args, " "), timeout, util.ErrOVS)
		}
		return string(out), util.NewOVSError(name, args, string(out), err)
	}
	return string(out), nil
}

func (f *Fabric) vsctl(ctx context.Context, args ...string) (string, error) {
	return f.run(ctx, "ovs-vsctl", args...)
}

func (f *Fabric) ip(ctx context.Context, args ...string) (string, error) {
	return f.run(ctx, "ip", args...)
}

// BridgeName derives the OVS bridge name for a lab, per spec §3.2:
// "ovs-" + lab_id[:12].
func BridgeName(labID string) string {
	id := labID
	if len(id) > 12 {
		id = id[:12]
	}
	return "ovs-" + id
}

// EnsureBridge creates the OVS bridge if absent, sets fail-mode=secure, adds
// the default normal-action flow, and brings the bridge link up. Idempotent.
func (f *Fabric) EnsureBridge(ctx context.Context, bridge string) error {
	if _, err := f.vsctl(ctx, "--may-exist", "add-br", bridge); err != nil {
		return err
	}
	if _, err := f.vsctl(ctx, "set-fail-mode", bridge, "secure"); err != nil {
		return err
	}
	if _, err := f.run(ctx, "ovs-ofctl", "add-flow", bridge, "priority=1,actions=normal"); err != nil {
		return err
	}
	if _, err := f.ip(ctx, "link", "set", bridge, "up"); err != nil {
		return err
	}
	return nil
}

// MaybeDeleteBridge deletes the bridge iff it currently has no ports left
// other than the bridge's own internal port. Callers are expected to have
// already verified network_ids is empty before calling; this re-checks
// against live OVS state to avoid deleting a bridge still in active use.
func (f *Fabric) MaybeDeleteBridge(ctx context.Context, bridge string) error {
	out, err := f.vsctl(ctx, "list-ports", bridge)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return nil
	}
	_, err = f.vsctl(ctx, "--if-exists", "del-br", bridge)
	return err
}

// AddPort adds vethHost as an OVS system port on bridge with VLAN access
// tag. Not idempotent: calling twice creates two ports unless the caller
// first checks existence.
func (f *Fabric) AddPort(ctx context.Context, bridge, portName, vethHost string, tag int) error {
	_, err := f.vsctl(ctx, "add-port", bridge, vethHost, "tag="+strconv.Itoa(tag),
		"--", "set", "interface", vethHost, "type=system")
	_ = portName // OVS names the port after the interface; kept for symmetry with §4.3's signature
	return err
}

// SetPortTag retags an existing port. Idempotent.
func (f *Fabric) SetPortTag(ctx context.Context, port string, tag int) error {
	_, err := f.vsctl(ctx, "set", "port", port, "tag="+strconv.Itoa(tag))
	return err
}

// AddVxlanPort creates a VXLAN interface pinned to remoteIP and adds it to
// bridge with the given VLAN access tag.
func (f *Fabric) AddVxlanPort(ctx context.Context, bridge, portName string, vni int, localIP, remoteIP string, dstPort, tag int) error {
	_, err := f.vsctl(ctx, "add-port", bridge, portName, "tag="+strconv.Itoa(tag),
		"--", "set", "interface", portName, "type=vxlan",
		fmt.Sprintf("options:local_ip=%s", localIP),
		fmt.Sprintf("options:remote_ip=%s", remoteIP),
		fmt.Sprintf("options:key=%d", vni),
		fmt.Sprintf("options:dst_port=%d", dstPort),
	)
	return err
}

// DelPort removes the OVS port then deletes the underlying veth; deleting
// one veth end destroys the peer. Idempotent (--if-exists).
func (f *Fabric) DelPort(ctx context.Context, bridge, port string) error {
	if _, err := f.vsctl(ctx, "--if-exists", "del-port", bridge, port); err != nil {
		return err
	}
	_, err := f.ip(ctx, "link", "del", port)
	if err != nil && strings.Contains(err.Error(), "Cannot find device") {
		return nil
	}
	return err
}

// AttachExternal adds an existing host interface to bridge: access mode if
// tag is non-zero, trunk (no tag) otherwise. Idempotent.
func (f *Fabric) AttachExternal(ctx context.Context, bridge, iface string, tag int) error {
	args := []string{"--may-exist", "add-port", bridge, iface}
	if tag > 0 {
		args = append(args, "--", "set", "port", iface, "tag="+strconv.Itoa(tag))
	}
	_, err := f.vsctl(ctx, args...)
	return err
}

// PortTag reads the VLAN access tag currently set on port, used by
// reconciliation and by the Link Manager's resolve-port-by-endpoint flow.
func (f *Fabric) PortTag(ctx context.Context, port string) (int, error) {
	out, err := f.vsctl(ctx, "get", "port", port, "tag")
	if err != nil {
		return 0, err
	}
	tagStr := strings.TrimSpace(out)
	if tagStr == "[]" || tagStr == "" {
		return 0, nil
	}
	tag, convErr := strconv.Atoi(tagStr)
	if convErr != nil {
		return 0, fmt.Errorf("unexpected tag output %q from port %s: %w", tagStr, port, convErr)
	}
	return tag, nil
}

// ListPorts returns every port name currently on bridge.
func (f *Fabric) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	out, err := f.vsctl(ctx, "list-ports", bridge)
	if err != nil {
		return nil, err
	}
	var ports []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ports = append(ports, line)
		}
	}
	return ports, nil
}

// PortToBridge returns the bridge a port currently belongs to, used by
// resolve-port-by-endpoint to confirm a peer interface really sits on the
// lab's bridge.
func (f *Fabric) PortToBridge(ctx context.Context, port string) (string, error) {
	out, err := f.vsctl(ctx, "port-to-br", port)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BridgeExists reports whether an OVS bridge by this name currently exists.
func (f *Fabric) BridgeExists(ctx context.Context, bridge string) (bool, error) {
	_, err := f.vsctl(ctx, "br-exists", bridge)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if eerr, ok := asExitError(err); ok {
		exitErr = eerr
		if exitErr.ExitCode() == 2 {
			return false, nil
		}
	}
	return false, err
}

func asExitError(err error) (*exec.ExitError, bool) {
	if ovsErr, ok := err.(*util.OVSError); ok {
		ee, ok := ovsErr.Cause.(*exec.ExitError)
		return ee, ok
	}
	return nil, false
}
