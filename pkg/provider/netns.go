package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vishvananda/netns"
)

// nsenterTimeout bounds every nsenter subprocess this package shells out to,
// following the same explicit-timeout discipline as pkg/ovs.
const nsenterTimeout = 10 * time.Second

// NetnsIflink implements pkg/linkmgr.NetnsResolver's NetnsIflink callback:
// it resolves containerName's PID and reads iface's iflink (its veth peer's
// ifindex) from inside that network namespace via nsenter.
func (p *DockerProvider) NetnsIflink(ctx context.Context, containerName, iface string) (int, error) {
	inspect, err := p.client.ContainerInspect(ctx, containerName)
	if err != nil {
		return 0, fmt.Errorf("inspecting %s: %w", containerName, err)
	}
	if inspect.State == nil || inspect.State.Pid == 0 {
		return 0, fmt.Errorf("container %s has no running process", containerName)
	}

	cctx, cancel := context.WithTimeout(ctx, nsenterTimeout)
	defer cancel()

	nsTarget := fmt.Sprintf("--net=/proc/%d/ns/net", inspect.State.Pid)
	path := fmt.Sprintf("/sys/class/net/%s/iflink", iface)
	cmd := exec.CommandContext(cctx, "nsenter", nsTarget, "cat", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("nsenter cat %s in %s's netns: %w: %s", path, containerName, err, string(out))
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

// Open implements pkg/overlay.NetnsLocator: it inspects containerName for
// its PID and opens /proc/<pid>/ns/net, the same netns Docker itself joins
// the container to at start.
func (p *DockerProvider) Open(containerName string) (netns.NsHandle, error) {
	inspect, err := p.client.ContainerInspect(context.Background(), containerName)
	if err != nil {
		return netns.None(), fmt.Errorf("inspecting %s: %w", containerName, err)
	}
	if inspect.State == nil || inspect.State.Pid == 0 {
		return netns.None(), fmt.Errorf("container %s has no running process", containerName)
	}
	return netns.GetFromPath(fmt.Sprintf("/proc/%d/ns/net", inspect.State.Pid))
}
