package agentrt

import "time"

// DeployRequest is POST /jobs/deploy's body (spec §6.4).
type DeployRequest struct {
	JobID        string `json:"job_id"`
	LabID        string `json:"lab_id"`
	TopologyYAML string `json:"topology_yaml"`
	Provider     string `json:"provider"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// DestroyRequest is POST /jobs/destroy's body.
type DestroyRequest struct {
	JobID       string `json:"job_id"`
	LabID       string `json:"lab_id"`
	Provider    string `json:"provider"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// NodeActionRequest is POST /jobs/node-action's body.
type NodeActionRequest struct {
	JobID       string `json:"job_id"`
	LabID       string `json:"lab_id"`
	NodeName    string `json:"node_name"`
	DisplayName string `json:"display_name,omitempty"`
	Action      string `json:"action"` // start | stop
	CallbackURL string `json:"callback_url,omitempty"`
}

// JobResult is returned by the sync path of every /jobs/* endpoint.
type JobResult struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// acceptedResult is returned by the async (callback) path immediately.
type acceptedResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// LabsStatusRequest is POST /labs/status's body.
type LabsStatusRequest struct {
	LabID string `json:"lab_id"`
}

// discoverLabsResponse is GET /discover-labs's body.
type discoverLabsResponse struct {
	Labs map[string][]string `json:"labs"`
}

// CleanupOrphansRequest is POST /cleanup-orphans's body.
type CleanupOrphansRequest struct {
	ValidLabIDs []string `json:"valid_lab_ids"`
}

type cleanupOrphansResponse struct {
	Removed []string `json:"removed"`
}

// CreateTunnelRequest is POST /overlay/tunnel's body (spec §6.4).
type CreateTunnelRequest struct {
	LabID     string `json:"lab_id"`
	LinkID    string `json:"link_id"`
	LocalIP   string `json:"local_ip"`
	RemoteIP  string `json:"remote_ip"`
	VNI       int    `json:"vni,omitempty"`
}

type tunnelInfo struct {
	VNI           int    `json:"vni"`
	InterfaceName string `json:"interface_name"`
	LocalIP       string `json:"local_ip"`
	RemoteIP      string `json:"remote_ip"`
	LabID         string `json:"lab_id"`
	LinkID        string `json:"link_id"`
}

// CreateTunnelResponse is POST /overlay/tunnel's response.
type CreateTunnelResponse struct {
	Success bool        `json:"success"`
	Tunnel  *tunnelInfo `json:"tunnel,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AttachContainerRequest is POST /overlay/attach's body.
type AttachContainerRequest struct {
	LabID         string `json:"lab_id"`
	LinkID        string `json:"link_id"`
	ContainerName string `json:"container_name"`
	InterfaceName string `json:"interface_name"`
	IPAddress     string `json:"ip_address,omitempty"`
}

// AttachContainerResponse is POST /overlay/attach's response.
type AttachContainerResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OverlayCleanupRequest is POST /overlay/cleanup's body.
type OverlayCleanupRequest struct {
	LabID  string `json:"lab_id"`
	LinkID string `json:"link_id"`
}

type overlayStatusEntry struct {
	LinkID        string `json:"link_id"`
	VNI           int    `json:"vni"`
	VxlanIface    string `json:"vxlan_iface"`
	BridgeName    string `json:"bridge_name"`
	ContainerName string `json:"container_name,omitempty"`
}

type overlayStatusResponse struct {
	Tunnels []overlayStatusEntry `json:"tunnels"`
}

// LinkRequest is POST /links's body and one entry of GET /links's response.
type LinkRequest struct {
	LabID            string `json:"lab_id"`
	SourceNode       string `json:"source_node"`
	SourceInterface  string `json:"source_interface"`
	TargetNode       string `json:"target_node"`
	TargetInterface  string `json:"target_interface"`
}

type linkResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AgentInfo mirrors spec §6.4's AgentInfo, returned by GET /info and sent in
// the registration body (heartbeats carry only agent_id and timestamp).
type AgentInfo struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	StartedAt    time.Time    `json:"started_at"`
	IsLocal      bool         `json:"is_local"`
}

// Capabilities is AgentInfo's nested capabilities object.
type Capabilities struct {
	Providers        []string `json:"providers"`
	MaxConcurrentJob int      `json:"max_concurrent_jobs"`
	Features         []string `json:"features"`
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
