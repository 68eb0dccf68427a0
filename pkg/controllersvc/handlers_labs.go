package controllersvc

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/selector"
	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/util"
)

func (c *Controller) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := c.store.ListLabs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, labs)
}

func (c *Controller) handleGetLab(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["lab_id"]
	lab, ok, err := c.store.GetLab(labID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, util.NewValidationError("unknown lab: "+labID))
		return
	}
	writeJSON(w, http.StatusOK, lab)
}

// handleDeployLab implements the admin "lab up" trigger (spec §4.13): loads
// the lab's topology, resolves a host for every node, and hands both to the
// Multi-host Orchestrator.
func (c *Controller) handleDeployLab(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["lab_id"]
	lab, ok, err := c.store.GetLab(labID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, util.NewValidationError("unknown lab: "+labID))
		return
	}

	topo, err := spec.Load(lab.WorkspacePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	hostOf, err := c.resolveHosts(topo, lab)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	lab.State = model.LabStarting
	lab.StateUpdated = time.Now()
	_ = c.store.PutLab(lab)

	result, err := c.orchestrator.Deploy(r.Context(), lab, topo, hostOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	updated, _, _ := c.store.GetLab(labID)
	resp := deployLabResponse{Lab: updated}
	if result != nil {
		resp.Warnings = result.OverlayWarnings
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDestroyLab implements the admin "lab down" trigger. hostOf is
// rebuilt from the lab's last-known placements - the Orchestrator only
// needs it to know which agents to contact, not to make new scheduling
// decisions (the lab is already up).
func (c *Controller) handleDestroyLab(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["lab_id"]
	lab, ok, err := c.store.GetLab(labID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, util.NewValidationError("unknown lab: "+labID))
		return
	}

	topo, err := spec.Load(lab.WorkspacePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	placements, err := c.store.ListNodePlacementsByLab(labID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	hostOf := make(map[string]string, len(placements))
	for _, p := range placements {
		hostOf[p.NodeName] = p.HostID
	}
	for name := range topo.Nodes {
		if _, ok := hostOf[name]; !ok {
			hostOf[name] = lab.AgentID
		}
	}

	lab.State = model.LabStopping
	lab.StateUpdated = time.Now()
	_ = c.store.PutLab(lab)

	errs := c.orchestrator.Destroy(r.Context(), lab, topo, hostOf)
	_ = c.store.DeleteNodePlacementsByLab(labID)

	updated, _, _ := c.store.GetLab(labID)
	resp := destroyLabResponse{Lab: updated}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveHosts builds the node->agent assignment the Orchestrator needs:
// an explicit per-node host pins that node to a named agent; everything
// else goes through the Agent Selector (pkg/selector), preferring the
// agent that already hosts the most of this lab's nodes.
func (c *Controller) resolveHosts(topo *spec.Topology, lab model.Lab) (map[string]string, error) {
	agents, err := c.store.ListAgents()
	if err != nil {
		return nil, err
	}
	placements, err := c.store.ListNodePlacementsByLab(lab.ID)
	if err != nil {
		return nil, err
	}
	preferred := selector.PreferredAgentForLab(lab, placements)

	hostOf := make(map[string]string, len(topo.Nodes))
	var fallbackAgent string
	for name, node := range topo.Nodes {
		if node.Host != "" {
			hostOf[name] = node.Host
			continue
		}
		if fallbackAgent == "" {
			agentID, ok := selector.Select(agents, c.store, selector.Request{PreferAgentID: preferred}, time.Now())
			if !ok {
				return nil, util.NewDependencyError("lab "+lab.ID, "agent", "no fresh capable agent available")
			}
			fallbackAgent = agentID
		}
		hostOf[name] = fallbackAgent
	}

	for name, host := range hostOf {
		_ = c.store.PutNodePlacement(model.NodePlacement{LabID: lab.ID, NodeName: name, HostID: host})
	}
	return hostOf, nil
}
