package controllersvc

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/util"
)

// handleJobCallback implements §6.2's POST /callbacks/job/{job_id}: the
// terminal delivery of an async job's result, sent by the Callback Client
// on the agent side (pkg/callback.Client.Deliver).
func (c *Controller) handleJobCallback(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	var payload callback.Payload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, ok, err := c.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		job = model.Job{ID: jobID, AgentID: payload.AgentID, CreatedAt: payload.StartedAt}
	}

	completedAt := payload.CompletedAt
	job.AgentID = payload.AgentID
	job.CompletedAt = &completedAt
	job.Log = payload.Stdout
	if payload.Status == "completed" {
		job.Status = model.JobCompleted
	} else {
		job.Status = model.JobFailed
		if payload.ErrorMessage != "" {
			job.Log = job.Log + "\n" + payload.ErrorMessage
		}
	}

	if err := c.store.PutJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	util.WithFields(map[string]interface{}{"job_id": jobID, "status": payload.Status}).Info("job callback received")
	writeJSON(w, http.StatusOK, heartbeatResponse{Acknowledged: true})
}

// handleJobHeartbeat implements §6.2's POST /callbacks/job/{job_id}/heartbeat:
// advisory progress pings for long-running jobs (spec §4.10 "Heartbeats for
// long jobs"). Failures to process one are logged, never surfaced as an
// error to the agent - the heartbeat is advisory, not authoritative.
func (c *Controller) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	var req jobHeartbeatRequest
	_ = decodeBody(r, &req)

	if job, ok, err := c.store.GetJob(jobID); err == nil && ok {
		job.Status = model.JobRunning
		_ = c.store.PutJob(job)
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Acknowledged: true})
}

// handleDeadLetter implements §6.2's POST /callbacks/dead-letter/{job_id}:
// the Callback Client's one best-effort notification after exhausting every
// retry attempt (spec §4.10). Recorded in-memory with a TTL, mirroring
// pkg/callback.Client's own dead-letter bookkeeping.
func (c *Controller) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	var payload callback.Payload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c.deadLetterMu.Lock()
	c.deadLetters[jobID] = deadLetterEntry{Payload: payload, ExpiresAt: now().Add(c.deadLetterTTL)}
	c.deadLetterMu.Unlock()

	if job, ok, err := c.store.GetJob(jobID); err == nil && ok {
		job.Status = model.JobFailed
		job.Log = payload.ErrorMessage
		_ = c.store.PutJob(job)
	}

	util.WithField("job_id", jobID).Warn("job callback dead-lettered: " + payload.ErrorMessage)
	writeJSON(w, http.StatusOK, heartbeatResponse{Acknowledged: true})
}
