package agentrt

import (
	"context"
	"errors"
	"net/http"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/util"
)

// jobWork is the body of a single deploy/destroy/node-action job: it runs
// under the lab's deploy lock and reports what it produced.
type jobWork func(ctx context.Context) (stdout, stderr string, err error)

// runJob implements the sync-vs-async split of spec §4.9/§4.14: with no
// callback_url the request blocks until the job (and its lock acquisition)
// completes and the JobResult is the HTTP response; with one, the HTTP
// response is an immediate 202 and the job runs in the background, reporting
// its result to callback_url via the Callback Client instead.
func (a *Agent) runJob(w http.ResponseWriter, r *http.Request, jobID, labID, callbackURL string, work jobWork) {
	if callbackURL == "" {
		a.runJobSync(r.Context(), w, jobID, labID, work)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResult{JobID: jobID, Status: "accepted"})
	go a.runJobAsync(context.Background(), jobID, labID, callbackURL, work)
}

func (a *Agent) runJobSync(ctx context.Context, w http.ResponseWriter, jobID, labID string, work jobWork) {
	if err := a.locks.Acquire(ctx, labID, a.lockTTL, a.lockAcquireTimeout); err != nil {
		var contention *util.LockContentionError
		if errors.As(err, &contention) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() {
		if err := a.locks.Release(context.Background(), labID); err != nil {
			util.WithField("lab_id", labID).Warn("releasing deploy lock: " + err.Error())
		}
	}()

	stdout, stderr, err := work(ctx)
	result := JobResult{
		JobID:       jobID,
		Status:      "completed",
		Stdout:      stdout,
		Stderr:      stderr,
		CompletedAt: now(),
	}
	if err != nil {
		result.Status = "failed"
		result.ExitCode = 1
		result.ErrorMessage = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *Agent) runJobAsync(ctx context.Context, jobID, labID, callbackURL string, work jobWork) {
	startedAt := now()
	hb, err := a.locks.AcquireWithHeartbeat(ctx, labID, a.lockTTL, a.lockAcquireTimeout, a.lockExtendInterval)
	if err != nil {
		a.deliver(ctx, callbackURL, callback.Payload{
			JobID: jobID, AgentID: a.id, Status: "failed",
			ErrorMessage: err.Error(), StartedAt: startedAt, CompletedAt: now(),
		})
		return
	}
	defer func() {
		if err := hb.Stop(context.Background()); err != nil {
			util.WithField("lab_id", labID).Warn("releasing deploy lock: " + err.Error())
		}
	}()

	stdout, stderr, workErr := work(ctx)
	payload := callback.Payload{
		JobID:       jobID,
		AgentID:     a.id,
		Status:      "completed",
		Stdout:      stdout,
		Stderr:      stderr,
		StartedAt:   startedAt,
		CompletedAt: now(),
	}
	if workErr != nil {
		payload.Status = "failed"
		payload.ErrorMessage = workErr.Error()
	}
	a.deliver(ctx, callbackURL, payload)
}

func (a *Agent) deliver(ctx context.Context, url string, payload callback.Payload) {
	if err := a.cb.Deliver(ctx, url, payload); err != nil {
		util.WithField("job_id", payload.JobID).Warn("delivering callback: " + err.Error())
	}
}
