package controllersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/spec"
)

// storeHostResolver implements orchestrator.HostResolver over pkg/store:
// a "host" in a topology's per-node placement is just an agent ID.
type storeHostResolver struct {
	store interface {
		GetAgent(id string) (model.Agent, bool, error)
	}
}

func (r *storeHostResolver) ResolveHost(hostName string) (model.Agent, bool) {
	agent, ok, err := r.store.GetAgent(hostName)
	if err != nil || !ok {
		return model.Agent{}, false
	}
	return agent, true
}

// agentDeployer implements orchestrator.Deployer by driving a remote
// agent's job endpoints (pkg/agentrt's /jobs/deploy, /jobs/destroy)
// synchronously - no callback_url, so the agent blocks the HTTP response
// until the job completes, matching this call's own blocking contract.
type agentDeployer struct {
	http    *http.Client
	timeout time.Duration
}

type deployJobRequest struct {
	JobID        string `json:"job_id"`
	LabID        string `json:"lab_id"`
	TopologyYAML string `json:"topology_yaml"`
	Provider     string `json:"provider"`
}

type destroyJobRequest struct {
	JobID    string `json:"job_id"`
	LabID    string `json:"lab_id"`
	Provider string `json:"provider"`
}

type jobResult struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (d *agentDeployer) DeployToAgent(ctx context.Context, agent model.Agent, labID string, sub *spec.Topology) error {
	topoYAML, err := yaml.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshaling sub-topology for host %s: %w", agent.ID, err)
	}
	result, err := d.post(ctx, agent.Address+"/jobs/deploy", deployJobRequest{
		JobID:        newJobID(),
		LabID:        labID,
		TopologyYAML: string(topoYAML),
		Provider:     "docker",
	})
	if err != nil {
		return err
	}
	if result.Status == "failed" {
		return fmt.Errorf("agent %s: %s", agent.ID, result.ErrorMessage)
	}
	return nil
}

func (d *agentDeployer) DestroyOnAgent(ctx context.Context, agent model.Agent, labID string) error {
	result, err := d.post(ctx, agent.Address+"/jobs/destroy", destroyJobRequest{
		JobID:    newJobID(),
		LabID:    labID,
		Provider: "docker",
	})
	if err != nil {
		return err
	}
	if result.Status == "failed" {
		return fmt.Errorf("agent %s: %s", agent.ID, result.ErrorMessage)
	}
	return nil
}

func (d *agentDeployer) post(ctx context.Context, url string, body interface{}) (jobResult, error) {
	var result jobResult
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return result, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return result, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return result, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return result, nil
}

// newJobID generates a process-unique job identifier for agent dispatch
// from the current nanosecond timestamp.
func newJobID() string {
	return fmt.Sprintf("job-%d", time.Now().UnixNano())
}
