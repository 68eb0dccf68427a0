package controllersvc

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/util"
)

// handleRegister implements spec §6.2's POST /agents/register: an agent
// announces itself at startup and on every re-registration after a missed
// heartbeat. Registering twice is idempotent - it just overwrites the
// stored record.
func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, util.NewValidationError("agent_id is required"))
		return
	}

	agent := model.Agent{
		ID:            req.AgentID,
		Name:          req.Name,
		Address:       req.Address,
		Status:        model.AgentOnline,
		LastHeartbeat: now(),
		Capabilities:  req.Capabilities,
		Version:       req.Version,
		StartedAt:     now(),
		IsLocal:       req.IsLocal,
	}
	if existing, ok, err := c.store.GetAgent(req.AgentID); err == nil && ok {
		agent.StartedAt = existing.StartedAt
	}
	if err := c.store.PutAgent(agent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	util.WithField("agent_id", req.AgentID).Info("agent registered")
	writeJSON(w, http.StatusOK, registerResponse{Registered: true})
}

// handleAgentHeartbeat implements §6.2's POST /agents/{id}/heartbeat: bumps
// last_heartbeat so the Agent Selector (pkg/selector) keeps considering this
// agent "fresh" (spec §4.12 step 1).
func (c *Controller) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	agent, ok, err := c.store.GetAgent(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, util.NewValidationError("unknown agent: "+id))
		return
	}

	agent.LastHeartbeat = now()
	agent.Status = model.AgentOnline
	if err := c.store.PutAgent(agent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Acknowledged: true})
}

var now = time.Now
