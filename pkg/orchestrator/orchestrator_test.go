package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/spec"
)

type fakeHosts map[string]model.Agent

func (f fakeHosts) ResolveHost(host string) (model.Agent, bool) {
	a, ok := f[host]
	return a, ok
}

type fakeDeployer struct {
	mu          sync.Mutex
	deployed    map[string]string // host -> labID
	destroyed   map[string]string
	failHost    string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{deployed: map[string]string{}, destroyed: map[string]string{}}
}

func (f *fakeDeployer) DeployToAgent(ctx context.Context, agent model.Agent, labID string, sub *spec.Topology) error {
	if agent.Name == f.failHost {
		return fmt.Errorf("simulated deploy failure on %s", agent.Name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed[agent.Name] = labID
	return nil
}

func (f *fakeDeployer) DestroyOnAgent(ctx context.Context, agent model.Agent, labID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[agent.Name] = labID
	return nil
}

type fakeTunnels struct {
	mu       sync.Mutex
	created  []TunnelRequest
	destroyed []string
	failCreate bool
}

func (f *fakeTunnels) CreateTunnel(ctx context.Context, agent model.Agent, req TunnelRequest) (int, error) {
	if f.failCreate {
		return 0, fmt.Errorf("simulated tunnel failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if req.VNI != 0 {
		return req.VNI, nil
	}
	return 42, nil
}

func (f *fakeTunnels) DestroyTunnel(ctx context.Context, agent model.Agent, labID, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, linkID)
	return nil
}

type fakeLabStore struct {
	mu   sync.Mutex
	labs map[string]model.Lab
}

func newFakeLabStore() *fakeLabStore { return &fakeLabStore{labs: map[string]model.Lab{}} }

func (f *fakeLabStore) GetLab(id string) (model.Lab, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.labs[id]
	return l, ok, nil
}

func (f *fakeLabStore) PutLab(lab model.Lab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labs[lab.ID] = lab
	return nil
}

func twoHostTopo() *spec.Topology {
	return &spec.Topology{
		Name: "demo",
		Nodes: map[string]spec.NodeDef{
			"r1": {Host: "host-a"},
			"r2": {Host: "host-b"},
		},
		Links: []spec.LinkDef{
			{Endpoints: []string{"r1:eth1", "r2:eth1"}},
		},
	}
}

func TestDeploy_SingleHostSucceeds(t *testing.T) {
	hosts := fakeHosts{"host-a": model.Agent{ID: "agent-a", Name: "host-a"}}
	deployer := newFakeDeployer()
	tunnels := &fakeTunnels{}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := &spec.Topology{Nodes: map[string]spec.NodeDef{"r1": {Host: "host-a"}}}
	lab := model.Lab{ID: "lab-1"}

	result, err := o.Deploy(context.Background(), lab, topo, map[string]string{"r1": "host-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.OverlayWarnings) != 0 {
		t.Errorf("expected no overlay warnings, got %v", result.OverlayWarnings)
	}
	if deployer.deployed["host-a"] != "lab-1" {
		t.Fatal("expected deploy to host-a")
	}
	got, _, _ := labs.GetLab("lab-1")
	if got.State != model.LabRunning || got.AgentID != "agent-a" {
		t.Fatalf("unexpected lab state: %+v", got)
	}
}

func TestDeploy_MultiHostSetsUpOverlay(t *testing.T) {
	hosts := fakeHosts{
		"host-a": model.Agent{ID: "agent-a", Name: "host-a"},
		"host-b": model.Agent{ID: "agent-b", Name: "host-b"},
	}
	deployer := newFakeDeployer()
	tunnels := &fakeTunnels{}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := twoHostTopo()
	lab := model.Lab{ID: "lab-1"}
	hostOf := map[string]string{"r1": "host-a", "r2": "host-b"}

	result, err := o.Deploy(context.Background(), lab, topo, hostOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.OverlayWarnings) != 0 {
		t.Fatalf("expected no overlay warnings, got %v", result.OverlayWarnings)
	}
	if len(tunnels.created) != 2 {
		t.Fatalf("expected 2 CreateTunnel calls (one per side), got %d", len(tunnels.created))
	}
	if tunnels.created[0].VNI != 0 {
		t.Errorf("expected first side to allocate (VNI=0 request), got %d", tunnels.created[0].VNI)
	}
	if tunnels.created[1].VNI != 42 {
		t.Errorf("expected second side to reuse the allocated VNI 42, got %d", tunnels.created[1].VNI)
	}

	got, _, _ := labs.GetLab("lab-1")
	if got.State != model.LabRunning {
		t.Fatalf("expected lab running, got %+v", got)
	}
}

func TestDeploy_MissingAgentFailsEarlyWithNoDeploys(t *testing.T) {
	hosts := fakeHosts{"host-a": model.Agent{ID: "agent-a", Name: "host-a"}}
	deployer := newFakeDeployer()
	tunnels := &fakeTunnels{}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := twoHostTopo()
	lab := model.Lab{ID: "lab-1"}
	_, err := o.Deploy(context.Background(), lab, topo, map[string]string{"r1": "host-a", "r2": "host-b"})
	if err == nil {
		t.Fatal("expected error for missing host-b agent")
	}
	if len(deployer.deployed) != 0 {
		t.Fatalf("expected no partial deploy when an agent is missing, got %v", deployer.deployed)
	}
}

func TestDeploy_PartialFailureCompensatesAndMarksError(t *testing.T) {
	hosts := fakeHosts{
		"host-a": model.Agent{ID: "agent-a", Name: "host-a"},
		"host-b": model.Agent{ID: "agent-b", Name: "host-b"},
	}
	deployer := newFakeDeployer()
	deployer.failHost = "host-b"
	tunnels := &fakeTunnels{}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := twoHostTopo()
	lab := model.Lab{ID: "lab-1"}
	hostOf := map[string]string{"r1": "host-a", "r2": "host-b"}

	_, err := o.Deploy(context.Background(), lab, topo, hostOf)
	if err == nil {
		t.Fatal("expected deploy error")
	}
	if deployer.destroyed["host-a"] != "lab-1" {
		t.Fatal("expected compensating destroy on the host that succeeded")
	}
	got, _, _ := labs.GetLab("lab-1")
	if got.State != model.LabError {
		t.Fatalf("expected lab state error, got %+v", got)
	}
}

func TestDeploy_OverlayFailureIsWarningNotJobFailure(t *testing.T) {
	hosts := fakeHosts{
		"host-a": model.Agent{ID: "agent-a", Name: "host-a"},
		"host-b": model.Agent{ID: "agent-b", Name: "host-b"},
	}
	deployer := newFakeDeployer()
	tunnels := &fakeTunnels{failCreate: true}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := twoHostTopo()
	lab := model.Lab{ID: "lab-1"}
	hostOf := map[string]string{"r1": "host-a", "r2": "host-b"}

	result, err := o.Deploy(context.Background(), lab, topo, hostOf)
	if err != nil {
		t.Fatalf("expected overlay failure to not fail the job, got %v", err)
	}
	if len(result.OverlayWarnings) != 1 {
		t.Fatalf("expected 1 overlay warning, got %v", result.OverlayWarnings)
	}
	got, _, _ := labs.GetLab("lab-1")
	if got.State != model.LabRunning {
		t.Fatalf("expected lab still marked running despite overlay warning, got %+v", got)
	}
}

func TestDestroy_CleansUpOverlaysBeforeDestroyingNodes(t *testing.T) {
	hosts := fakeHosts{
		"host-a": model.Agent{ID: "agent-a", Name: "host-a"},
		"host-b": model.Agent{ID: "agent-b", Name: "host-b"},
	}
	deployer := newFakeDeployer()
	tunnels := &fakeTunnels{}
	labs := newFakeLabStore()
	o := New(hosts, deployer, tunnels, labs)

	topo := twoHostTopo()
	lab := model.Lab{ID: "lab-1", State: model.LabRunning}
	hostOf := map[string]string{"r1": "host-a", "r2": "host-b"}

	errs := o.Destroy(context.Background(), lab, topo, hostOf)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(tunnels.destroyed) != 2 { // both endpoints' tunnels torn down
		t.Fatalf("expected 2 tunnel teardowns, got %d", len(tunnels.destroyed))
	}
	if len(deployer.destroyed) != 2 {
		t.Fatalf("expected both hosts destroyed, got %v", deployer.destroyed)
	}
	got, _, _ := labs.GetLab("lab-1")
	if got.State != model.LabStopped {
		t.Fatalf("expected lab stopped, got %+v", got)
	}
}
