package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ovlab/ovlab/pkg/util"
)

// RegistrationLoop blocks until ctx is cancelled, registering with the
// controller at startup, sweeping this agent's own stale locks, then
// heartbeating every interval (spec §4.9 registration/heartbeat loop). A
// failed heartbeat marks the agent unregistered locally and the next tick
// re-registers instead of continuing to heartbeat a registration the
// controller may have expired.
func (a *Agent) RegistrationLoop(ctx context.Context, interval time.Duration) {
	if err := a.register(ctx); err != nil {
		util.WithField("controller", a.controllerURL).Warn("agent registration failed: " + err.Error())
	} else {
		a.setRegistered(true)
	}

	if err := a.SweepOrphanLocks(ctx); err != nil {
		util.Logger.Warn("sweeping orphaned deploy locks: " + err.Error())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	if !a.isRegistered() {
		if err := a.register(ctx); err != nil {
			util.WithField("controller", a.controllerURL).Warn("re-registration failed: " + err.Error())
			return
		}
		a.setRegistered(true)
	}

	if err := a.heartbeat(ctx); err != nil {
		util.WithField("agent_id", a.id).Warn("heartbeat failed, will re-register: " + err.Error())
		a.setRegistered(false)
	}
}

func (a *Agent) setRegistered(v bool) {
	a.mu.Lock()
	a.registered = v
	a.mu.Unlock()
}

func (a *Agent) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *Agent) register(ctx context.Context) error {
	return a.postJSON(ctx, a.controllerURL+"/agents/register", a.info())
}

func (a *Agent) heartbeat(ctx context.Context) error {
	return a.postJSON(ctx, fmt.Sprintf("%s/agents/%s/heartbeat", a.controllerURL, a.id), map[string]interface{}{
		"agent_id":  a.id,
		"timestamp": now(),
	})
}

func (a *Agent) postJSON(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.registrationToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.registrationToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// SweepOrphanLocks releases every deploy lock this agent holds from a
// previous process instance (spec §4.9's startup orphan-lock sweep): a
// crashed agent leaves its locks held until TTL expiry otherwise, blocking
// the lab it was working on until then.
func (a *Agent) SweepOrphanLocks(ctx context.Context) error {
	statuses, err := a.locks.AllStatuses(ctx)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		if !s.Held || s.Owner != a.id {
			continue
		}
		if err := a.locks.ForceRelease(ctx, s.LabID); err != nil {
			util.WithField("lab_id", s.LabID).Warn("releasing orphaned lock: " + err.Error())
			continue
		}
		util.WithField("lab_id", s.LabID).Info("released orphaned deploy lock from previous process")
	}
	return nil
}
