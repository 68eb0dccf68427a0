package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ovlab/ovlab/pkg/util"
)

// WaitReady polls a node's readiness probe (spec §4.6 step 6) until it
// passes or vendor.ReadinessTimeout elapses. Non-readiness is logged as a
// warning, never returned as an error — a slow-booting node doesn't fail
// the deploy.
func (p *DockerProvider) WaitReady(ctx context.Context, containerID, containerName string, vendor VendorConfig) {
	if vendor.Readiness == ReadinessNone || vendor.Readiness == "" {
		return
	}

	timeout := vendor.ReadinessTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := p.probeOnce(ctx, containerID, vendor)
		if ok {
			return
		}
		if time.Now().After(deadline) {
			msg := "readiness probe timed out"
			if err != nil {
				msg += ": " + err.Error()
			}
			util.WithFields(map[string]interface{}{"container": containerName, "kind": vendor.Kind}).Warn(msg)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *DockerProvider) probeOnce(ctx context.Context, containerID string, vendor VendorConfig) (bool, error) {
	switch vendor.Readiness {
	case ReadinessLogPattern:
		return p.probeLogPattern(ctx, containerID, vendor.ReadinessPattern)
	case ReadinessCLIProbe:
		return p.probeCLI(ctx, containerID, vendor.ReadinessCommand)
	default:
		return true, nil
	}
}

func (p *DockerProvider) probeLogPattern(ctx context.Context, containerID, pattern string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("compiling readiness pattern %q: %w", pattern, err)
	}

	rc, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "200",
	})
	if err != nil {
		return false, err
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && err != io.EOF {
		return false, err
	}
	return re.Match(out.Bytes()), nil
}

func (p *DockerProvider) probeCLI(ctx context.Context, containerID string, cmd []string) (bool, error) {
	if len(cmd) == 0 {
		return true, nil
	}
	exec, err := p.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, err
	}
	resp, err := p.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return false, err
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp); err != nil && err != io.EOF {
		return false, err
	}

	inspect, err := p.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	return inspect.ExitCode == 0, nil
}
