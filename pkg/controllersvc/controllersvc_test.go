package controllersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/orchestrator"
	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/store"
)

type fakeHosts map[string]model.Agent

func (f fakeHosts) ResolveHost(host string) (model.Agent, bool) {
	a, ok := f[host]
	return a, ok
}

type fakeDeployer struct {
	deployed  map[string]string
	destroyed map[string]string
}

func (f *fakeDeployer) DeployToAgent(ctx context.Context, agent model.Agent, labID string, sub *spec.Topology) error {
	f.deployed[agent.ID] = labID
	return nil
}

func (f *fakeDeployer) DestroyOnAgent(ctx context.Context, agent model.Agent, labID string) error {
	f.destroyed[agent.ID] = labID
	return nil
}

type fakeTunnels struct{}

func (f *fakeTunnels) CreateTunnel(ctx context.Context, agent model.Agent, req orchestrator.TunnelRequest) (int, error) {
	return 100, nil
}

func (f *fakeTunnels) DestroyTunnel(ctx context.Context, agent model.Agent, labID, linkID string) error {
	return nil
}

func newTestController(t *testing.T) (*Controller, *store.Store, *fakeDeployer) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "ovlab.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	locks := lock.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "controller")

	agent := model.Agent{
		ID: "agent-1", Name: "agent-1", Address: "http://agent-1.local",
		Status: model.AgentOnline, LastHeartbeat: time.Now(),
		Capabilities: model.AgentCapabilities{Providers: []string{"docker"}, MaxConcurrentJob: 10},
	}
	if err := st.PutAgent(agent); err != nil {
		t.Fatalf("seeding agent: %v", err)
	}

	deployer := &fakeDeployer{deployed: map[string]string{}, destroyed: map[string]string{}}
	orch := orchestrator.New(fakeHosts{"agent-1": agent}, deployer, &fakeTunnels{}, st)

	c := New(Options{Store: st, Locks: locks, Orchestrator: orch})
	return c, st, deployer
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRegisterAndHeartbeat(t *testing.T) {
	c, st, _ := newTestController(t)

	w := doJSON(t, c.Router(), http.MethodPost, "/agents/register", registerRequest{
		AgentID: "agent-2", Name: "agent-2", Address: "http://agent-2.local", Version: "1.0",
		Capabilities: model.AgentCapabilities{Providers: []string{"docker"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	agent, ok, err := st.GetAgent("agent-2")
	if err != nil || !ok {
		t.Fatalf("agent not persisted: ok=%v err=%v", ok, err)
	}
	if agent.Status != model.AgentOnline {
		t.Fatalf("expected online status, got %s", agent.Status)
	}

	w = doJSON(t, c.Router(), http.MethodPost, "/agents/agent-2/heartbeat", heartbeatRequest{AgentID: "agent-2"})
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", w.Code)
	}
}

func TestHeartbeat_UnknownAgentReturns404(t *testing.T) {
	c, _, _ := newTestController(t)
	w := doJSON(t, c.Router(), http.MethodPost, "/agents/ghost/heartbeat", heartbeatRequest{AgentID: "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestJobCallback_CompletedUpdatesStore(t *testing.T) {
	c, st, _ := newTestController(t)
	if err := st.PutJob(model.Job{ID: "job-1", LabID: "lab-1", AgentID: "agent-1", Status: model.JobRunning}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	w := doJSON(t, c.Router(), http.MethodPost, "/callbacks/job/job-1", callback.Payload{
		JobID: "job-1", AgentID: "agent-1", Status: "completed",
		StartedAt: time.Now(), CompletedAt: time.Now(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body = %s", w.Code, w.Body.String())
	}

	job, ok, err := st.GetJob("job-1")
	if err != nil || !ok {
		t.Fatalf("job not found: %v %v", ok, err)
	}
	if job.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestDeadLetter_RecordedAndListed(t *testing.T) {
	c, _, _ := newTestController(t)

	w := doJSON(t, c.Router(), http.MethodPost, "/callbacks/dead-letter/job-9", callback.Payload{
		JobID: "job-9", AgentID: "agent-1", Status: "failed", ErrorMessage: "controller unreachable",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("dead-letter status = %d", w.Code)
	}

	w = doJSON(t, c.Router(), http.MethodGet, "/dead-letters", nil)
	var entries []deadLetterEntryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "job-9" {
		t.Fatalf("unexpected dead letters: %+v", entries)
	}
}

func TestLocksStatusAndRelease(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	if err := c.locks.Acquire(ctx, "lab-1", time.Minute, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	w := doJSON(t, c.Router(), http.MethodGet, "/locks/status", nil)
	var statuses []lockStatusEntry
	if err := json.Unmarshal(w.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Held {
		t.Fatalf("expected one held lock, got %+v", statuses)
	}

	w = doJSON(t, c.Router(), http.MethodPost, "/locks/lab-1/release", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release status = %d", w.Code)
	}
	st, err := c.locks.Status(ctx, "lab-1")
	if err != nil || st.Held {
		t.Fatalf("expected released lock: %+v err=%v", st, err)
	}
}

func TestDeployLab_DispatchesToResolvedAgent(t *testing.T) {
	c, st, deployer := newTestController(t)

	topoPath := filepath.Join(t.TempDir(), "topo.yaml")
	writeTopology(t, topoPath, "name: demo\ndefaults:\n  image: alpine\nnodes:\n  r1: {}\n")

	lab := model.Lab{ID: "lab-1", Name: "demo", WorkspacePath: topoPath, State: model.LabStopped}
	if err := st.PutLab(lab); err != nil {
		t.Fatalf("seed lab: %v", err)
	}

	w := doJSON(t, c.Router(), http.MethodPost, "/labs/lab-1/deploy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deploy status = %d, body = %s", w.Code, w.Body.String())
	}

	if deployer.deployed["agent-1"] != "lab-1" {
		t.Fatalf("expected dispatch to agent-1, got %+v", deployer.deployed)
	}

	updated, _, _ := st.GetLab("lab-1")
	if updated.State != model.LabRunning {
		t.Fatalf("expected running lab, got %s", updated.State)
	}
}

func writeTopology(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing topology: %v", err)
	}
}
