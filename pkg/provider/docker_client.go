package provider

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerClient is the narrow slice of the Docker Engine API the provider
// drives. Satisfied by engineClient (wrapping *client.Client) in
// production; faked in tests so container lifecycle logic runs without a
// live daemon.
type DockerClient interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)

	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)

	ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadCloser, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)

	// ContainerExecAttachTTY is used by the console proxy, which needs to
	// write keystrokes back as well as read output; ContainerExecAttach's
	// io.ReadCloser narrowing can't carry writes.
	ContainerExecAttachTTY(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadWriteCloser, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error

	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)

	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// engineClient adapts a real *client.Client to DockerClient. The only
// non-trivial adaptation is ContainerExecAttach: the SDK returns a
// HijackedResponse (a live connection plus a buffered reader), which this
// package only ever reads to completion, so it is narrowed to io.ReadCloser
// here rather than threading the raw hijacked connection through call sites.
type engineClient struct {
	c *client.Client
}

// NewEngineClient wraps a real *client.Client (constructed with
// client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
// by the caller) as a DockerClient.
func NewEngineClient(c *client.Client) DockerClient {
	return engineClient{c: c}
}

func (e engineClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return e.c.ImageList(ctx, options)
}

func (e engineClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return e.c.ImagePull(ctx, ref, options)
}

func (e engineClient) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	return e.c.NetworkInspect(ctx, networkID, options)
}

func (e engineClient) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	return e.c.NetworkCreate(ctx, name, options)
}

func (e engineClient) NetworkRemove(ctx context.Context, networkID string) error {
	return e.c.NetworkRemove(ctx, networkID)
}

func (e engineClient) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	return e.c.NetworkConnect(ctx, networkID, containerID, config)
}

func (e engineClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	return e.c.ContainerCreate(ctx, config, hostConfig, networkingConfig, platform, containerName)
}

func (e engineClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return e.c.ContainerStart(ctx, containerID, options)
}

func (e engineClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return e.c.ContainerStop(ctx, containerID, options)
}

func (e engineClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return e.c.ContainerRemove(ctx, containerID, options)
}

func (e engineClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return e.c.ContainerInspect(ctx, containerID)
}

func (e engineClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return e.c.ContainerLogs(ctx, containerID, options)
}

func (e engineClient) ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error) {
	return e.c.ContainerExecCreate(ctx, containerID, config)
}

func (e engineClient) ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadCloser, error) {
	resp, err := e.c.ContainerExecAttach(ctx, execID, config)
	if err != nil {
		return nil, err
	}
	return hijackedReadCloser{resp}, nil
}

func (e engineClient) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return e.c.ContainerExecInspect(ctx, execID)
}

func (e engineClient) ContainerExecAttachTTY(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadWriteCloser, error) {
	resp, err := e.c.ContainerExecAttach(ctx, execID, config)
	if err != nil {
		return nil, err
	}
	return hijackedReadWriteCloser{resp}, nil
}

func (e engineClient) ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error {
	return e.c.ContainerExecResize(ctx, execID, options)
}

func (e engineClient) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return e.c.ContainerList(ctx, options)
}

func (e engineClient) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	return e.c.VolumeList(ctx, options)
}

func (e engineClient) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	return e.c.VolumeRemove(ctx, volumeID, force)
}

// hijackedReadCloser narrows a client.HijackedResponse down to io.ReadCloser.
type hijackedReadCloser struct {
	resp client.HijackedResponse
}

func (h hijackedReadCloser) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h hijackedReadCloser) Close() error {
	h.resp.Close()
	return nil
}

// hijackedReadWriteCloser keeps the writable connection alongside the
// buffered reader, for the interactive console proxy.
type hijackedReadWriteCloser struct {
	resp client.HijackedResponse
}

func (h hijackedReadWriteCloser) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h hijackedReadWriteCloser) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h hijackedReadWriteCloser) Close() error {
	h.resp.Close()
	return nil
}

// LabelFilter builds a filters.Args matching a single label key=value pair,
// used throughout to scope image/network/volume/container lookups to one lab.
func LabelFilter(key, value string) filters.Args {
	f := filters.NewArgs()
	if value == "" {
		f.Add("label", key)
	} else {
		f.Add("label", key+"="+value)
	}
	return f
}
