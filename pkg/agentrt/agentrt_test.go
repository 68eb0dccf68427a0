package agentrt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/vishvananda/netns"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/linkmgr"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/overlay"
	"github.com/ovlab/ovlab/pkg/provider"
	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/vlan"
	"github.com/ovlab/ovlab/pkg/vni"
)

// fakeProvider implements provider.Provider entirely in memory, so deploy
// and destroy job flows can be exercised without a Docker daemon.
type fakeProvider struct {
	missingImages map[string]bool
	created       map[string]provider.NodeHandle // containerName -> handle
	started       []string
	stopped       []string
	destroyCalls  int
	labs          map[string][]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		missingImages: map[string]bool{},
		created:       map[string]provider.NodeHandle{},
		labs:          map[string][]string{},
	}
}

func (f *fakeProvider) ValidateImages(ctx context.Context, images []string) ([]string, error) {
	var missing []string
	for _, img := range images {
		if f.missingImages[img] {
			missing = append(missing, img)
		}
	}
	return missing, nil
}

func (f *fakeProvider) CleanupStale(ctx context.Context, labID string) error {
	return nil
}

func (f *fakeProvider) EnsureInterfaceNetworks(ctx context.Context, labID string, topo *spec.Topology) (map[string]string, error) {
	return map[string]string{"eth1": "net-eth1"}, nil
}

func (f *fakeProvider) CreateNode(ctx context.Context, labID, nodeName string, node spec.NodeDef, ifaceNetworks map[string]string) (string, error) {
	name := labID + "-" + nodeName
	id := "cid-" + name
	f.created[name] = provider.NodeHandle{NodeName: nodeName, ContainerID: id, ContainerName: name, Kind: node.Kind}
	f.labs[labID] = append(f.labs[labID], nodeName)
	return id, nil
}

func (f *fakeProvider) StartNodes(ctx context.Context, nodes []provider.NodeHandle) {
	for _, n := range nodes {
		f.started = append(f.started, n.ContainerID)
	}
}

func (f *fakeProvider) DestroyLab(ctx context.Context, labID string, nodes []provider.NodeHandle) []error {
	f.destroyCalls++
	return nil
}

func (f *fakeProvider) StartNode(ctx context.Context, containerID string) error {
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeProvider) StopNode(ctx context.Context, containerID string) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeProvider) DiscoverLabs(ctx context.Context) (map[string][]string, error) {
	return f.labs, nil
}

func (f *fakeProvider) LabStatus(ctx context.Context, labID string) ([]provider.NodeStatus, error) {
	var out []provider.NodeStatus
	for _, n := range f.labs[labID] {
		out = append(out, provider.NodeStatus{NodeName: n, State: "running"})
	}
	return out, nil
}

func (f *fakeProvider) ResolveNodes(ctx context.Context, labID string) ([]provider.NodeHandle, error) {
	var out []provider.NodeHandle
	for name, h := range f.created {
		if strings.HasPrefix(name, labID+"-") {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeProvider) CleanupOrphans(ctx context.Context, validLabIDs map[string]bool) ([]string, error) {
	return nil, nil
}

func (f *fakeProvider) ConsoleAttach(ctx context.Context, containerName string, cmd []string) (io.ReadWriteCloser, string, error) {
	return nil, "", nil
}

func (f *fakeProvider) ConsoleResize(ctx context.Context, execID string, rows, cols uint) error {
	return nil
}

func newTestAgent(t *testing.T, prov provider.Provider) (*Agent, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := lock.New(redisClient, "agent-1")

	fabric := &fakeFabric{tags: map[string]int{}, bridges: map[string]string{
		"vh-r1-eth1": "ovs-lab-7", "vh-r2-eth1": "ovs-lab-7",
	}}
	resolver := &fakeResolver{ports: map[string]string{"r1:eth1": "vh-r1-eth1", "r2:eth1": "vh-r2-eth1"}}
	vlanAlloc, _ := vlan.NewAllocator(100, 200)
	links := linkmgr.New(fabric, resolver, func(labID string) (*vlan.Allocator, error) { return vlanAlloc, nil })

	vniAlloc, _ := vni.NewAllocator(1000, 2000)
	ovl := overlay.New(vniAlloc, fakeNetnsLocator{}, 4789)

	cb := callback.New(http.DefaultClient, 2*time.Second)

	a := New(Options{
		AgentID: "agent-1",
		Name:    "agent-1",
		Address: "127.0.0.1:9000",
		Version: "test",
		Provider: prov,
		Links:    links,
		Overlay:  ovl,
		VNIPool:  vniAlloc,
		Locks:    locks,
		Callback: cb,

		LockTTL:            time.Minute,
		LockAcquireTimeout: time.Second,
		LockExtendInterval: 30 * time.Second,
	})
	return a, mr
}

type fakeFabric struct {
	tags    map[string]int
	bridges map[string]string
}

func (f *fakeFabric) PortTag(ctx context.Context, port string) (int, error)     { return f.tags[port], nil }
func (f *fakeFabric) PortToBridge(ctx context.Context, port string) (string, error) { return f.bridges[port], nil }
func (f *fakeFabric) SetPortTag(ctx context.Context, port string, tag int) error {
	f.tags[port] = tag
	return nil
}

type fakeResolver struct {
	ports map[string]string
}

func (r *fakeResolver) HostVeth(ctx context.Context, node, iface string) (string, error) {
	return r.ports[node+":"+iface], nil
}

type fakeNetnsLocator struct{}

func (fakeNetnsLocator) Open(containerName string) (netns.NsHandle, error) {
	return netns.None(), nil
}

func TestHealthAndInfo(t *testing.T) {
	a, _ := newTestAgent(t, newFakeProvider())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/info", nil)
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var info AgentInfo
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	if info.AgentID != "agent-1" {
		t.Fatalf("expected agent_id agent-1, got %s", info.AgentID)
	}
}

func TestDeploy_SyncSucceeds(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)

	topoYAML := "name: lab-1\nnodes:\n  r1:\n    kind: linux\n    image: alpine:latest\n"
	body, _ := json.Marshal(DeployRequest{JobID: "job-1", LabID: "lab-1", TopologyYAML: topoYAML})
	req := httptest.NewRequest(http.MethodPost, "/jobs/deploy", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var result JobResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Status != "completed" {
		t.Fatalf("expected completed, got %+v", result)
	}
	if len(prov.started) != 1 {
		t.Fatalf("expected one node started, got %v", prov.started)
	}
}

func TestDeploy_MissingImageFails(t *testing.T) {
	prov := newFakeProvider()
	prov.missingImages["nonexistent:v1"] = true
	a, _ := newTestAgent(t, prov)

	topoYAML := "name: lab-1\nnodes:\n  r1:\n    kind: linux\n    image: nonexistent:v1\n"
	body, _ := json.Marshal(DeployRequest{JobID: "job-2", LabID: "lab-2", TopologyYAML: topoYAML})
	req := httptest.NewRequest(http.MethodPost, "/jobs/deploy", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var result JobResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Status != "failed" || !strings.Contains(result.ErrorMessage, "nonexistent:v1") {
		t.Fatalf("expected failure naming missing image, got %+v", result)
	}
}

func TestDeploy_AsyncReturnsAcceptedAndDelivers(t *testing.T) {
	var delivered callback.Payload
	done := make(chan struct{})
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&delivered)
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer cbServer.Close()

	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)

	topoYAML := "name: lab-3\nnodes:\n  r1:\n    kind: linux\n    image: alpine:latest\n"
	body, _ := json.Marshal(DeployRequest{JobID: "job-3", LabID: "lab-3", TopologyYAML: topoYAML, CallbackURL: cbServer.URL})
	req := httptest.NewRequest(http.MethodPost, "/jobs/deploy", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", rr.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was never delivered")
	}
	if delivered.Status != "completed" || delivered.JobID != "job-3" {
		t.Fatalf("unexpected callback payload: %+v", delivered)
	}
}

func TestDestroy_ResolvesNodesFromProvider(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()
	if _, err := prov.CreateNode(ctx, "lab-4", "r1", spec.NodeDef{Kind: "linux"}, nil); err != nil {
		t.Fatalf("seeding node: %v", err)
	}

	body, _ := json.Marshal(DestroyRequest{JobID: "job-4", LabID: "lab-4"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/destroy", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var result JobResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Status != "completed" || prov.destroyCalls != 1 {
		t.Fatalf("expected one completed destroy call, got %+v (calls=%d)", result, prov.destroyCalls)
	}
}

func TestNodeAction_StartsAndStopsResolvedContainer(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()
	if _, err := prov.CreateNode(ctx, "lab-5", "r1", spec.NodeDef{Kind: "linux"}, nil); err != nil {
		t.Fatalf("seeding node: %v", err)
	}

	body, _ := json.Marshal(NodeActionRequest{JobID: "job-5", LabID: "lab-5", NodeName: "r1", Action: "stop"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/node-action", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var result JobResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Status != "completed" || len(prov.stopped) != 1 {
		t.Fatalf("expected stop to succeed, got %+v (stopped=%v)", result, prov.stopped)
	}
}

func TestDiscoverLabsAndLabsStatus(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()
	if _, err := prov.CreateNode(ctx, "lab-6", "r1", spec.NodeDef{Kind: "linux"}, nil); err != nil {
		t.Fatalf("seeding node: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/discover-labs", nil)
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var discover discoverLabsResponse
	if err := json.NewDecoder(rr.Body).Decode(&discover); err != nil {
		t.Fatalf("decoding discover-labs: %v", err)
	}
	if len(discover.Labs["lab-6"]) != 1 {
		t.Fatalf("expected lab-6 discovered, got %+v", discover.Labs)
	}

	body, _ := json.Marshal(LabsStatusRequest{LabID: "lab-6"})
	req = httptest.NewRequest(http.MethodPost, "/labs/status", strings.NewReader(string(body)))
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var statuses []provider.NodeStatus
	if err := json.NewDecoder(rr.Body).Decode(&statuses); err != nil {
		t.Fatalf("decoding labs/status: %v", err)
	}
	if len(statuses) != 1 || statuses[0].NodeName != "r1" {
		t.Fatalf("expected r1 status, got %+v", statuses)
	}
}

func TestLinks_CreateListDelete(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)

	linkReq := LinkRequest{LabID: "lab-7", SourceNode: "r1", SourceInterface: "eth1", TargetNode: "r2", TargetInterface: "eth1"}
	body, _ := json.Marshal(linkReq)
	req := httptest.NewRequest(http.MethodPost, "/links", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var created linkResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if created.Status != "connected" {
		t.Fatalf("expected connected, got %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/links?lab_id=lab-7", nil)
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var list []LinkRequest
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one link listed, got %v", list)
	}

	req = httptest.NewRequest(http.MethodDelete, "/links/"+created.ID, nil)
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting link, got %d", rr.Code)
	}
}

// Overlay attach exercises real netlink calls (see pkg/overlay's own
// root-gated test), so this only covers the tunnel bookkeeping that doesn't
// touch the kernel: allocate, list, cleanup.
func TestOverlayTunnel_AllocatesAndCleansUp(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)

	body, _ := json.Marshal(CreateTunnelRequest{LabID: "lab-9", LinkID: "link-9", LocalIP: "10.0.0.1", RemoteIP: "10.0.0.2"})
	req := httptest.NewRequest(http.MethodPost, "/overlay/tunnel", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)

	var created CreateTunnelResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decoding tunnel response: %v", err)
	}
	if !created.Success || created.Tunnel == nil || created.Tunnel.VNI == 0 {
		t.Fatalf("expected a successfully allocated tunnel, got %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/overlay/status", nil)
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var status overlayStatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decoding overlay status: %v", err)
	}
	if len(status.Tunnels) != 1 || status.Tunnels[0].LinkID != "link-9" {
		t.Fatalf("expected link-9 pending tunnel listed, got %+v", status.Tunnels)
	}

	cleanupBody, _ := json.Marshal(OverlayCleanupRequest{LabID: "lab-9", LinkID: "link-9"})
	req = httptest.NewRequest(http.MethodPost, "/overlay/cleanup", strings.NewReader(string(cleanupBody)))
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 cleaning up tunnel, got %d", rr.Code)
	}
}

func TestLocks_StatusAndRelease(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()
	if err := a.locks.Acquire(ctx, "lab-8", time.Minute, time.Second); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/locks/status", nil)
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var entries []lockStatusEntry
	if err := json.NewDecoder(rr.Body).Decode(&entries); err != nil {
		t.Fatalf("decoding locks/status: %v", err)
	}
	if len(entries) != 1 || entries[0].LabID != "lab-8" {
		t.Fatalf("expected one lock entry for lab-8, got %+v", entries)
	}

	req = httptest.NewRequest(http.MethodPost, "/locks/lab-8/release", nil)
	rr = httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	var released lockReleaseResponse
	if err := json.NewDecoder(rr.Body).Decode(&released); err != nil {
		t.Fatalf("decoding release response: %v", err)
	}
	if !released.Released {
		t.Fatalf("expected released=true, got %+v", released)
	}
}
