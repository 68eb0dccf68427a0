// Package orchestrator is the Multi-host Orchestrator (spec §4.13): splits
// a topology across the hosts its nodes were placed on, deploys each
// host's sub-topology to its agent in parallel, then wires up cross-host
// overlay links once every host succeeds.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/util"
)

// HostResolver maps a topology's host name to the agent that runs it.
type HostResolver interface {
	ResolveHost(hostName string) (model.Agent, bool)
}

// Deployer issues deploy_to_agent/destroy RPCs against a specific agent.
type Deployer interface {
	DeployToAgent(ctx context.Context, agent model.Agent, labID string, sub *spec.Topology) error
	DestroyOnAgent(ctx context.Context, agent model.Agent, labID string) error
}

// TunnelRequest is the per-side overlay attachment request for one
// cross-host link (spec §4.8).
type TunnelRequest struct {
	LabID, LinkID       string
	NodeName, Iface     string
	LocalIP, RemoteIP   string
	VNI                 int // 0 on the first call: the agent allocates and returns it
}

// TunnelRequester drives the Overlay Manager on a remote agent.
type TunnelRequester interface {
	CreateTunnel(ctx context.Context, agent model.Agent, req TunnelRequest) (vni int, err error)
	DestroyTunnel(ctx context.Context, agent model.Agent, labID, linkID string) error
}

// LabStore is the subset of pkg/store the orchestrator needs to persist
// lab state transitions.
type LabStore interface {
	GetLab(id string) (model.Lab, bool, error)
	PutLab(lab model.Lab) error
}

// Orchestrator drives multi-host lab deploy/destroy.
type Orchestrator struct {
	hosts    HostResolver
	deployer Deployer
	tunnels  TunnelRequester
	labs     LabStore
}

// New constructs an Orchestrator.
func New(hosts HostResolver, deployer Deployer, tunnels TunnelRequester, labs LabStore) *Orchestrator {
	return &Orchestrator{hosts: hosts, deployer: deployer, tunnels: tunnels, labs: labs}
}

// DeployResult reports what happened to a multi-host deploy, including any
// overlay links that failed to come up (spec §4.13 step 6: warnings, not
// job failures).
type DeployResult struct {
	OverlayWarnings []string
}

// Deploy implements spec §4.13's on-"lab up" sequence. hostOf is the
// node->host assignment produced by placement analysis upstream of this
// package.
func (o *Orchestrator) Deploy(ctx context.Context, lab model.Lab, topo *spec.Topology, hostOf map[string]string) (*DeployResult, error) {
	subs, crossHostLinks, err := spec.SplitByHost(topo, hostOf)
	if err != nil {
		return nil, fmt.Errorf("splitting topology by host: %w", err)
	}

	hostNames := sortedKeys(subs)
	agents := make(map[string]model.Agent, len(hostNames))
	var missing []string
	for _, host := range hostNames {
		agent, ok := o.hosts.ResolveHost(host)
		if !ok {
			missing = append(missing, host)
			continue
		}
		agents[host] = agent
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no capable agent for host(s): %v", missing)
	}

	succeeded, failErr := o.deployParallel(ctx, lab.ID, subs, agents)
	if failErr != nil {
		// Compensate: tear down whatever already came up, matching spec's
		// "a successful single-host destroy may be attempted as compensation".
		for _, host := range succeeded {
			if err := o.deployer.DestroyOnAgent(ctx, agents[host], lab.ID); err != nil {
				util.WithFields(map[string]interface{}{"lab_id": lab.ID, "host": host}).
					Warn("compensating destroy failed after partial deploy: " + err.Error())
			}
		}
		lab.State = model.LabError
		lab.StateError = failErr.Error()
		lab.StateUpdated = time.Now()
		o.persistLab(lab)
		return nil, failErr
	}

	result := &DeployResult{}
	for _, link := range crossHostLinks {
		if err := o.attachCrossHostLink(ctx, lab.ID, link, agents); err != nil {
			result.OverlayWarnings = append(result.OverlayWarnings,
				fmt.Sprintf("link %s: %v", link.LinkID, err))
			util.WithFields(map[string]interface{}{"lab_id": lab.ID, "link_id": link.LinkID}).
				Warn("overlay link setup failed: " + err.Error())
		}
	}

	lab.State = model.LabRunning
	lab.StateError = ""
	lab.StateUpdated = time.Now()
	if len(hostNames) > 0 {
		lab.AgentID = agents[hostNames[0]].ID
	}
	if err := o.persistLab(lab); err != nil {
		return result, err
	}
	return result, nil
}

// deployParallel issues DeployToAgent for every host concurrently, in the
// wg/mutex/firstErr shape used throughout the fleet for fan-out work.
// Returns the hosts that succeeded, in case the caller needs to unwind them.
func (o *Orchestrator) deployParallel(ctx context.Context, labID string, subs map[string]*spec.Topology, agents map[string]model.Agent) ([]string, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var succeeded []string

	for host, sub := range subs {
		wg.Add(1)
		go func(host string, sub *spec.Topology) {
			defer wg.Done()
			err := o.deployer.DeployToAgent(ctx, agents[host], labID, sub)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("deploy to host %s: %w", host, err)
				}
				return
			}
			succeeded = append(succeeded, host)
		}(host, sub)
	}
	wg.Wait()
	return succeeded, firstErr
}

// attachCrossHostLink allocates a VNI via the first agent's Overlay Manager
// and attaches both sides with it, per spec §4.13 step 6.
func (o *Orchestrator) attachCrossHostLink(ctx context.Context, labID string, link spec.CrossHostLink, agents map[string]model.Agent) error {
	agentA, okA := agents[link.HostA]
	agentB, okB := agents[link.HostB]
	if !okA || !okB {
		return fmt.Errorf("missing agent for cross-host link endpoints (%s/%s)", link.HostA, link.HostB)
	}

	vni, err := o.tunnels.CreateTunnel(ctx, agentA, TunnelRequest{
		LabID: labID, LinkID: link.LinkID, NodeName: link.NodeA, Iface: link.IfaceA,
		LocalIP: link.IPA, RemoteIP: link.IPB,
	})
	if err != nil {
		return fmt.Errorf("attaching local side on %s: %w", link.HostA, err)
	}

	if _, err := o.tunnels.CreateTunnel(ctx, agentB, TunnelRequest{
		LabID: labID, LinkID: link.LinkID, NodeName: link.NodeB, Iface: link.IfaceB,
		LocalIP: link.IPB, RemoteIP: link.IPA, VNI: vni,
	}); err != nil {
		return fmt.Errorf("attaching remote side on %s: %w", link.HostB, err)
	}
	return nil
}

// Destroy implements spec §4.13's on-"lab down" sequence: cleanup overlays
// on every host first, then destroy in parallel. Partial failures are
// reported but never block marking the lab stopped.
func (o *Orchestrator) Destroy(ctx context.Context, lab model.Lab, topo *spec.Topology, hostOf map[string]string) []error {
	subs, crossHostLinks, err := spec.SplitByHost(topo, hostOf)
	if err != nil {
		return []error{fmt.Errorf("splitting topology by host: %w", err)}
	}

	var errs []error
	var errMu sync.Mutex
	recordErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		errs = append(errs, err)
	}

	agents := make(map[string]model.Agent, len(subs))
	for host := range subs {
		if agent, ok := o.hosts.ResolveHost(host); ok {
			agents[host] = agent
		}
	}

	for _, link := range crossHostLinks {
		for _, host := range []string{link.HostA, link.HostB} {
			agent, ok := agents[host]
			if !ok {
				continue
			}
			if err := o.tunnels.DestroyTunnel(ctx, agent, lab.ID, link.LinkID); err != nil {
				recordErr(fmt.Errorf("destroying tunnel %s on %s: %w", link.LinkID, host, err))
			}
		}
	}

	var wg sync.WaitGroup
	for host, agent := range agents {
		wg.Add(1)
		go func(host string, agent model.Agent) {
			defer wg.Done()
			if err := o.deployer.DestroyOnAgent(ctx, agent, lab.ID); err != nil {
				recordErr(fmt.Errorf("destroying on host %s: %w", host, err))
			}
		}(host, agent)
	}
	wg.Wait()

	lab.State = model.LabStopped
	lab.StateUpdated = time.Now()
	if len(errs) > 0 {
		lab.StateError = errs[0].Error()
	} else {
		lab.StateError = ""
	}
	if err := o.persistLab(lab); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func (o *Orchestrator) persistLab(lab model.Lab) error {
	if err := o.labs.PutLab(lab); err != nil {
		return fmt.Errorf("persisting lab %s state: %w", lab.ID, err)
	}
	return nil
}

func sortedKeys(m map[string]*spec.Topology) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
