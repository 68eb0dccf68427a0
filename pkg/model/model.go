// Package model defines the durable entities owned by the controller: labs,
// agents, nodes, links, placements, jobs and permissions. These are the
// records persisted in pkg/store and exchanged over the controller's HTTP
// surface; JSON field names here are normative and mirror the agent/
// controller wire contract.
package model

import "time"

// LabState is the lifecycle state of a Lab.
type LabState string

const (
	LabStopped  LabState = "stopped"
	LabStarting LabState = "starting"
	LabRunning  LabState = "running"
	LabStopping LabState = "stopping"
	LabError    LabState = "error"
	LabUnknown  LabState = "unknown"
)

// Lab is a deployable topology instance owned by a user.
type Lab struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	WorkspacePath string    `json:"workspace_path"`
	AgentID       string    `json:"agent_id,omitempty"`
	State         LabState  `json:"state"`
	StateUpdated  time.Time `json:"state_updated_at"`
	StateError    string    `json:"state_error,omitempty"`
}

// AgentStatus is the liveness status of a Host/Agent record.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentDegraded AgentStatus = "degraded"
	AgentOffline  AgentStatus = "offline"
)

// AgentCapabilities describes what a Host/Agent can run and how much of it.
type AgentCapabilities struct {
	Providers        []string `json:"providers"`
	MaxConcurrentJob int      `json:"max_concurrent_jobs"`
	Features         []string `json:"features"`
}

// Agent is one host in the fleet, running the agent process.
type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Status         AgentStatus       `json:"status"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Capabilities   AgentCapabilities `json:"capabilities_json"`
	Version        string            `json:"version"`
	StartedAt      time.Time         `json:"started_at"`
	IsLocal        bool              `json:"is_local"`
}

// Node is one device in a topology, realised as a container (or VM).
type Node struct {
	ID              string                 `json:"id"`
	LabID           string                 `json:"lab_id"`
	ContainerName   string                 `json:"container_name"`
	DisplayName     string                 `json:"display_name"`
	Kind            string                 `json:"kind"`
	Image           string                 `json:"image"`
	HostID          string                 `json:"host_id,omitempty"`
	ConnectionType  string                 `json:"connection_type,omitempty"`
	ParentInterface string                 `json:"parent_interface,omitempty"`
	VLANID          int                    `json:"vlan_id,omitempty"`
	BridgeName      string                 `json:"bridge_name,omitempty"`
	Config          map[string]interface{} `json:"config_json,omitempty"`
}

// Link is a point-to-point L2 connection between two node interfaces.
type Link struct {
	ID               string                 `json:"id"`
	LabID            string                 `json:"lab_id"`
	LinkName         string                 `json:"link_name"`
	SourceNodeID     string                 `json:"source_node_id"`
	SourceInterface  string                 `json:"source_interface"`
	TargetNodeID     string                 `json:"target_node_id"`
	TargetInterface  string                 `json:"target_interface"`
	MTU              int                    `json:"mtu,omitempty"`
	Bandwidth        int                    `json:"bandwidth,omitempty"`
	Config           map[string]interface{} `json:"config_json,omitempty"`
}

// NodePlacement is a runtime placement override used for node-level affinity.
type NodePlacement struct {
	LabID    string `json:"lab_id"`
	NodeName string `json:"node_name"`
	HostID   string `json:"host_id"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobAccepted  JobStatus = "accepted"
)

// Job is one deploy/destroy/node-action request dispatched to an agent.
type Job struct {
	ID          string     `json:"id"`
	LabID       string     `json:"lab_id"`
	AgentID     string     `json:"agent_id"`
	Action      string     `json:"action"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Log         string     `json:"log,omitempty"`
}

// Permission grants a user a role on a lab.
type Permission struct {
	LabID  string `json:"lab_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// LinkName canonicalizes a link's endpoint pair into a deterministic,
// order-independent name.
func LinkName(nodeA, ifaceA, nodeB, ifaceB string) string {
	a := nodeA + ":" + ifaceA
	b := nodeB + ":" + ifaceB
	if a > b {
		a, b = b, a
	}
	return a + "--" + b
}
