package provider

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ovlab/ovlab/pkg/spec"
)

type fakeDocker struct {
	images            map[string]bool
	networks          map[string]string // name -> id
	nextNetID         int
	containers        map[string]*container.Config
	statuses          map[string]string // container name -> Docker status, default "running"
	removedNets       []string
	removedVols       []string
	removedContainers []string
	execOutput        string
	execExitCode      int
	logOutput         string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     map[string]bool{},
		networks:   map[string]string{},
		containers: map[string]*container.Config{},
		statuses:   map[string]string{},
	}
}

func (f *fakeDocker) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	// Filters carries exactly one "reference" value per call in this provider.
	for _, ref := range options.Filters.Get("reference") {
		if f.images[ref] {
			return []image.Summary{{ID: ref}}, nil
		}
	}
	return nil, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	id, ok := f.networks[networkID]
	if !ok {
		return network.Inspect{}, errNotFound
	}
	return network.Inspect{ID: id}, nil
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.nextNetID++
	id := "net-" + name
	f.networks[name] = id
	return network.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) NetworkRemove(ctx context.Context, networkID string) error {
	f.removedNets = append(f.removedNets, networkID)
	for name, id := range f.networks {
		if id == networkID {
			delete(f.networks, name)
		}
	}
	return nil
}

func (f *fakeDocker) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	return nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.containers[containerName] = config
	return container.CreateResponse{ID: "cid-" + containerName}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removedContainers = append(f.removedContainers, containerID)
	name := strings.TrimPrefix(containerID, "cid-")
	delete(f.containers, name)
	delete(f.statuses, name)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	name := strings.TrimPrefix(containerID, "cid-")
	if _, ok := f.containers[name]; !ok {
		return container.InspectResponse{}, errNotFound
	}
	return container.InspectResponse{}, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte(f.logOutput))), nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte(f.execOutput))), nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode}, nil
}

func (f *fakeDocker) ContainerExecAttachTTY(ctx context.Context, execID string, config container.ExecAttachOptions) (io.ReadWriteCloser, error) {
	return &fakeConsoleConn{Reader: bytes.NewReader([]byte(f.execOutput))}, nil
}

func (f *fakeDocker) ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error {
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	labelFilters := options.Filters.Get("label")
	statusFilters := options.Filters.Get("status")

	var out []container.Summary
	for name, cfg := range f.containers {
		if !matchesLabelFilters(cfg.Labels, labelFilters) {
			continue
		}
		status := f.statuses[name]
		if status == "" {
			status = "running"
		}
		if len(statusFilters) > 0 && !containsString(statusFilters, status) {
			continue
		}
		out = append(out, container.Summary{
			ID:     "cid-" + name,
			Names:  []string{"/" + name},
			State:  status,
			Labels: cfg.Labels,
		})
	}
	return out, nil
}

// matchesLabelFilters mirrors Docker's "label" filter semantics closely
// enough for tests: "key" matches any value, "key=value" matches exactly.
func matchesLabelFilters(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		key, value, hasValue := strings.Cut(f, "=")
		if hasValue {
			if labels[key] != value {
				return false
			}
		} else if _, ok := labels[key]; !ok {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fakeConsoleConn adapts a plain reader into the io.ReadWriteCloser the
// console proxy expects, discarding writes.
type fakeConsoleConn struct {
	*bytes.Reader
}

func (f *fakeConsoleConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConsoleConn) Close() error                { return nil }

func (f *fakeDocker) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	return volume.ListResponse{Volumes: []*volume.Volume{{Name: "vol-1"}}}, nil
}

func (f *fakeDocker) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	f.removedVols = append(f.removedVols, volumeID)
	return nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

func TestValidateImages_ReportsMissingOnly(t *testing.T) {
	d := newFakeDocker()
	d.images["present:latest"] = true
	p := New(d, t.TempDir(), SSHCredentials{})

	missing, err := p.ValidateImages(context.Background(), []string{"present:latest", "missing:latest"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missing) != 1 || missing[0] != "missing:latest" {
		t.Fatalf("expected only missing:latest reported, got %v", missing)
	}
}

func TestEnsureInterfaceNetworks_CreatesBufferedSlots(t *testing.T) {
	d := newFakeDocker()
	p := New(d, t.TempDir(), SSHCredentials{})

	topo := &spec.Topology{
		Nodes: map[string]spec.NodeDef{"r1": {}, "r2": {}},
		Links: []spec.LinkDef{{Endpoints: []string{"r1:eth1", "r2:eth2"}}},
	}
	nets, err := p.EnsureInterfaceNetworks(context.Background(), "lab-1", topo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// max index referenced is 2, plus buffer of 4 = 6 slots.
	if len(nets) != 6 {
		t.Fatalf("expected 6 interface slot networks, got %d", len(nets))
	}
	if _, ok := nets["eth1"]; !ok {
		t.Fatal("expected eth1 network")
	}
}

func TestLookupVendor_FallsBackToLinuxDefault(t *testing.T) {
	v := LookupVendor("totally-unknown-kind")
	if v.Kind != "linux" {
		t.Fatalf("expected fallback to linux default, got %+v", v)
	}

	ceos := LookupVendor("ceos")
	if !ceos.NeedsFlashDir || !ceos.ExtractConfigOnStop {
		t.Fatalf("expected ceos vendor config to need flash dir and config extraction, got %+v", ceos)
	}
}

func TestDestroyLab_SweepsVolumesAndNetworks(t *testing.T) {
	d := newFakeDocker()
	p := New(d, t.TempDir(), SSHCredentials{})
	ctx := context.Background()

	topo := &spec.Topology{Nodes: map[string]spec.NodeDef{"r1": {}}}
	if _, err := p.EnsureInterfaceNetworks(ctx, "lab-1", topo); err != nil {
		t.Fatalf("setting up networks: %v", err)
	}

	errs := p.DestroyLab(ctx, "lab-1", []NodeHandle{
		{NodeName: "r1", ContainerID: "cid-r1", ContainerName: "lab-1-r1", Kind: "linux"},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(d.removedNets) == 0 {
		t.Fatal("expected interface networks to be removed")
	}
	if len(d.removedVols) != 1 || d.removedVols[0] != "vol-1" {
		t.Fatalf("expected labelled volume swept, got %v", d.removedVols)
	}
}

func TestResolveNodes_RebuildsHandlesFromLabels(t *testing.T) {
	d := newFakeDocker()
	p := New(d, t.TempDir(), SSHCredentials{})
	ctx := context.Background()

	if _, err := p.CreateNode(ctx, "lab-1", "r1", spec.NodeDef{Kind: "frr", Image: "frrouting/frr:latest"}, nil); err != nil {
		t.Fatalf("creating node: %v", err)
	}

	handles, err := p.ResolveNodes(ctx, "lab-1")
	if err != nil {
		t.Fatalf("resolving nodes: %v", err)
	}
	if len(handles) != 1 || handles[0].NodeName != "r1" || handles[0].Kind != "frr" {
		t.Fatalf("expected one r1/frr handle reconstructed from labels, got %+v", handles)
	}
}

func TestCleanupStale_RemovesOnlyStoppedContainersInLab(t *testing.T) {
	d := newFakeDocker()
	p := New(d, t.TempDir(), SSHCredentials{})
	ctx := context.Background()

	node := spec.NodeDef{Kind: "linux", Image: "alpine:latest"}
	if _, err := p.CreateNode(ctx, "lab-1", "stale", node, nil); err != nil {
		t.Fatalf("creating stale node: %v", err)
	}
	if _, err := p.CreateNode(ctx, "lab-1", "live", node, nil); err != nil {
		t.Fatalf("creating live node: %v", err)
	}
	if _, err := p.CreateNode(ctx, "lab-2", "other", node, nil); err != nil {
		t.Fatalf("creating other-lab node: %v", err)
	}
	// A prior deploy attempt crashed after create but before start; the
	// container is left behind in "created" state.
	d.statuses["lab-1-stale"] = "created"

	if err := p.CleanupStale(ctx, "lab-1"); err != nil {
		t.Fatalf("cleanup stale: %v", err)
	}

	if len(d.removedContainers) != 1 || d.removedContainers[0] != "cid-lab-1-stale" {
		t.Fatalf("expected only the stale lab-1 container removed, got %v", d.removedContainers)
	}
	if _, ok := d.containers["lab-1-live"]; !ok {
		t.Fatal("expected running lab-1 container to survive cleanup")
	}
	if _, ok := d.containers["lab-2-other"]; !ok {
		t.Fatal("expected lab-2 container to be untouched")
	}
}

func TestDiscoverLabs_GroupsNodesByLab(t *testing.T) {
	d := newFakeDocker()
	p := New(d, t.TempDir(), SSHCredentials{})
	ctx := context.Background()

	if _, err := p.CreateNode(ctx, "lab-1", "r1", spec.NodeDef{Kind: "linux", Image: "alpine:latest"}, nil); err != nil {
		t.Fatalf("creating node: %v", err)
	}
	if _, err := p.CreateNode(ctx, "lab-2", "r2", spec.NodeDef{Kind: "linux", Image: "alpine:latest"}, nil); err != nil {
		t.Fatalf("creating node: %v", err)
	}

	labs, err := p.DiscoverLabs(ctx)
	if err != nil {
		t.Fatalf("discovering labs: %v", err)
	}
	if len(labs["lab-1"]) != 1 || labs["lab-1"][0] != "r1" {
		t.Fatalf("expected lab-1 to contain r1, got %v", labs["lab-1"])
	}
	if len(labs["lab-2"]) != 1 || labs["lab-2"][0] != "r2" {
		t.Fatalf("expected lab-2 to contain r2, got %v", labs["lab-2"])
	}
}
