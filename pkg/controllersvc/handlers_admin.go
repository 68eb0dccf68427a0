package controllersvc

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/util"
)

func (c *Controller) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := c.store.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (c *Controller) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, ok, err := c.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, util.NewValidationError("unknown job: "+jobID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleLocksStatus and handleLockRelease are ovlabctl's lock-admin surface
// (spec §6.1 "GET /locks/status, POST /locks/{lab_id}/release | Admin"),
// driving the controller's own lock.Manager rather than proxying through an
// agent - the deploy lock lives in the shared Redis both sides talk to.
func (c *Controller) handleLocksStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := c.locks.AllStatuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries := make([]lockStatusEntry, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, toLockStatusEntry(s))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (c *Controller) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["lab_id"]
	if err := c.locks.ForceRelease(r.Context(), labID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lockReleaseResponse{Released: true})
}

func toLockStatusEntry(s lock.Status) lockStatusEntry {
	return lockStatusEntry{
		LabID:   s.LabID,
		Held:    s.Held,
		Owner:   s.Owner,
		AgeSecs: s.AgeSecs,
		TTLSecs: s.TTL.Seconds(),
		Stuck:   s.Stuck,
	}
}

// handleListDeadLetters is ovlabctl's dead-letter inspection surface; not a
// named §6.1 route, but necessary for an operator to ever see what the
// in-memory dead-letter queue (spec §4.10) is holding.
func (c *Controller) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	c.deadLetterMu.Lock()
	defer c.deadLetterMu.Unlock()

	entries := make([]deadLetterEntryResponse, 0, len(c.deadLetters))
	t := now()
	for jobID, e := range c.deadLetters {
		if t.After(e.ExpiresAt) {
			delete(c.deadLetters, jobID)
			continue
		}
		entries = append(entries, deadLetterEntryResponse{
			JobID:        jobID,
			AgentID:      e.Payload.AgentID,
			ErrorMessage: e.Payload.ErrorMessage,
			ExpiresInSec: int64(e.ExpiresAt.Sub(t).Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}
