package provider

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
)

// ConsoleAttach execs cmd (the node's console shell, typically
// vendor-specific) inside containerName with a TTY and returns a
// bidirectional stream the caller pumps against a WebSocket (spec §4.9
// console endpoint). The returned execID lets the caller issue resizes.
func (p *DockerProvider) ConsoleAttach(ctx context.Context, containerName string, cmd []string) (io.ReadWriteCloser, string, error) {
	exec, err := p.client.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, "", err
	}

	conn, err := p.client.ContainerExecAttachTTY(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, "", err
	}
	return conn, exec.ID, nil
}

// ConsoleResize applies a terminal resize control message (spec §6.1's
// WebSocket console resize messages) to a running console exec.
func (p *DockerProvider) ConsoleResize(ctx context.Context, execID string, rows, cols uint) error {
	return p.client.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: rows, Width: cols})
}
