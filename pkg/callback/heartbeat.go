package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ovlab/ovlab/pkg/util"
)

// HeartbeatPayload is POSTed to <callback_url>/heartbeat every interval
// while a HeartbeatSender is running.
type HeartbeatPayload struct {
	JobID     string    `json:"job_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatSender runs a background ticker that POSTs to a job's
// "/heartbeat" callback sibling until Stop is called. It is advisory:
// delivery failures are logged and otherwise ignored.
type HeartbeatSender struct {
	http HTTPDoer

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartHeartbeat begins sending heartbeats for jobID/agentID to
// <callbackURL>/heartbeat every interval. The returned sender's Stop method
// must be called once the job scope exits, typically via defer.
func (c *Client) StartHeartbeat(ctx context.Context, callbackURL, jobID, agentID string, interval time.Duration) *HeartbeatSender {
	hctx, cancel := context.WithCancel(ctx)
	h := &HeartbeatSender{http: c.http, cancel: cancel, done: make(chan struct{})}

	go h.run(hctx, callbackURL+"/heartbeat", jobID, agentID, interval)
	return h
}

func (h *HeartbeatSender) run(ctx context.Context, url, jobID, agentID string, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx, url, jobID, agentID)
		}
	}
}

func (h *HeartbeatSender) send(ctx context.Context, url, jobID, agentID string) {
	body, err := json.Marshal(HeartbeatPayload{JobID: jobID, AgentID: agentID, Timestamp: time.Now()})
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		util.WithField("job_id", jobID).Warn("heartbeat delivery failed: " + err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.WithFields(map[string]interface{}{"job_id": jobID, "status": resp.StatusCode}).
			Warn("heartbeat rejected by callback endpoint")
	}
}

// Stop cancels the background ticker and waits for it to exit. Safe to call
// more than once.
func (h *HeartbeatSender) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
}
