package controllersvc

import "github.com/ovlab/ovlab/pkg/model"

// registerRequest is POST /agents/register's body (spec §6.4 AgentInfo).
type registerRequest struct {
	AgentID      string                  `json:"agent_id"`
	Name         string                  `json:"name"`
	Address      string                  `json:"address"`
	Capabilities model.AgentCapabilities `json:"capabilities"`
	Version      string                  `json:"version"`
	IsLocal      bool                    `json:"is_local"`
}

type registerResponse struct {
	Registered bool `json:"registered"`
}

// heartbeatRequest is POST /agents/{id}/heartbeat's body.
type heartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

type heartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type jobHeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

type deployLabRequest struct {
	CallbackMode bool `json:"callback_mode,omitempty"`
}

type deployLabResponse struct {
	Lab      model.Lab                    `json:"lab"`
	Warnings []string                      `json:"overlay_warnings,omitempty"`
}

type destroyLabResponse struct {
	Lab    model.Lab `json:"lab"`
	Errors []string  `json:"errors,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type lockReleaseResponse struct {
	Released bool `json:"released"`
}

// lockStatusEntry is the JSON projection of lock.Status for /locks/status.
type lockStatusEntry struct {
	LabID   string  `json:"lab_id"`
	Held    bool    `json:"held"`
	Owner   string  `json:"owner,omitempty"`
	AgeSecs int64   `json:"age_seconds"`
	TTLSecs float64 `json:"ttl_seconds"`
	Stuck   bool    `json:"is_stuck"`
}

// deadLetterEntryResponse is one entry of GET /dead-letters.
type deadLetterEntryResponse struct {
	JobID        string `json:"job_id"`
	AgentID      string `json:"agent_id"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExpiresInSec int64  `json:"expires_in_seconds"`
}
