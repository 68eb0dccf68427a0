// Package config resolves the agent/controller configuration surface from
// the environment, resolving every setting as env > default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven option recognised by the agent and
// controller processes. Every field has a default; nothing is required.
type Config struct {
	// Identity
	AgentID            string
	AgentName          string
	AgentHost          string
	AgentPort          int
	ControllerURL      string
	RegistrationToken  string
	IsLocal            bool

	// Providers
	EnableDocker    bool
	EnableLibvirt   bool
	LibvirtURI      string
	Qcow2StorePath  string

	// Networking
	EnableVXLAN         bool
	EnableOVS           bool
	EnableOVSPlugin     bool
	OVSBridgeName       string
	OVSVLANStart        int
	OVSVLANEnd          int
	VXLANVNIBase        int
	VXLANVNIMax         int
	PluginVXLANVNIBase  int
	PluginVXLANVNIMax   int
	PluginVXLANDstPort  int
	MgmtNetworkSubnetBase string
	MgmtNetworkEnableNAT  bool

	// Timeouts
	DeployTimeout        time.Duration
	DestroyTimeout       time.Duration
	LockAcquireTimeout   time.Duration
	LockTTL              time.Duration
	LockExtendInterval   time.Duration
	HeartbeatInterval    time.Duration
	RegistrationTimeout  time.Duration
	HeartbeatTimeout     time.Duration
	ContainerStopTimeout time.Duration

	// Locks/Redis
	RedisURL           string
	LockStuckThreshold float64

	// Capacity
	MaxConcurrentJobs int

	// Workspace
	WorkspacePath string

	// TTL cleanup
	LabTTLEnabled      bool
	LabTTLSeconds      int
	LabTTLCheckInterval time.Duration

	// Logging
	LogFormat string
	LogLevel  string
}

// Load builds a Config from the process environment, applying the
// authoritative defaults named in the configuration surface.
func Load() *Config {
	c := &Config{
		AgentID:           envOr("OVLAB_AGENT_ID", defaultAgentID()),
		AgentName:         envOr("OVLAB_AGENT_NAME", defaultAgentID()),
		AgentHost:         envOr("OVLAB_AGENT_HOST", "0.0.0.0"),
		AgentPort:         envInt("OVLAB_AGENT_PORT", 8585),
		ControllerURL:     envOr("OVLAB_CONTROLLER_URL", "http://localhost:8080"),
		RegistrationToken: envOr("OVLAB_REGISTRATION_TOKEN", ""),
		IsLocal:           envBool("OVLAB_IS_LOCAL", false),

		EnableDocker:   envBool("OVLAB_ENABLE_DOCKER", true),
		EnableLibvirt:  envBool("OVLAB_ENABLE_LIBVIRT", false),
		LibvirtURI:     envOr("OVLAB_LIBVIRT_URI", "qemu:///system"),
		Qcow2StorePath: envOr("OVLAB_QCOW2_STORE_PATH", "/var/lib/ovlab/images"),

		EnableVXLAN:           envBool("OVLAB_ENABLE_VXLAN", true),
		EnableOVS:             envBool("OVLAB_ENABLE_OVS", true),
		EnableOVSPlugin:       envBool("OVLAB_ENABLE_OVS_PLUGIN", true),
		OVSBridgeName:         envOr("OVLAB_OVS_BRIDGE_NAME", "ovs"),
		OVSVLANStart:          envInt("OVLAB_OVS_VLAN_START", 100),
		OVSVLANEnd:            envInt("OVLAB_OVS_VLAN_END", 4000),
		VXLANVNIBase:          envInt("OVLAB_VXLAN_VNI_BASE", 100000),
		VXLANVNIMax:           envInt("OVLAB_VXLAN_VNI_MAX", 199999),
		PluginVXLANVNIBase:    envInt("OVLAB_PLUGIN_VXLAN_VNI_BASE", 200000),
		PluginVXLANVNIMax:     envInt("OVLAB_PLUGIN_VXLAN_VNI_MAX", 299999),
		PluginVXLANDstPort:    envInt("OVLAB_PLUGIN_VXLAN_DST_PORT", 4789),
		MgmtNetworkSubnetBase: envOr("OVLAB_MGMT_NETWORK_SUBNET_BASE", "172.20.0.0/16"),
		MgmtNetworkEnableNAT:  envBool("OVLAB_MGMT_NETWORK_ENABLE_NAT", true),

		DeployTimeout:        envDuration("OVLAB_DEPLOY_TIMEOUT", 900*time.Second),
		DestroyTimeout:       envDuration("OVLAB_DESTROY_TIMEOUT", 300*time.Second),
		LockAcquireTimeout:   envDuration("OVLAB_LOCK_ACQUIRE_TIMEOUT", 30*time.Second),
		LockTTL:              envDuration("OVLAB_LOCK_TTL", 120*time.Second),
		LockExtendInterval:   envDuration("OVLAB_LOCK_EXTEND_INTERVAL", 30*time.Second),
		HeartbeatInterval:    envDuration("OVLAB_HEARTBEAT_INTERVAL", 15*time.Second),
		RegistrationTimeout:  envDuration("OVLAB_REGISTRATION_TIMEOUT", 10*time.Second),
		HeartbeatTimeout:     envDuration("OVLAB_HEARTBEAT_TIMEOUT", 5*time.Second),
		ContainerStopTimeout: envDuration("OVLAB_CONTAINER_STOP_TIMEOUT", 30*time.Second),

		RedisURL:           envOr("OVLAB_REDIS_URL", "redis://localhost:6379/0"),
		LockStuckThreshold: envFloat("OVLAB_LOCK_STUCK_THRESHOLD", 0.9),

		MaxConcurrentJobs: envInt("OVLAB_MAX_CONCURRENT_JOBS", 4),

		WorkspacePath: envOr("OVLAB_WORKSPACE_PATH", "/var/lib/ovlab"),

		LabTTLEnabled:       envBool("OVLAB_LAB_TTL_ENABLED", false),
		LabTTLSeconds:       envInt("OVLAB_LAB_TTL_SECONDS", 86400),
		LabTTLCheckInterval: envDuration("OVLAB_LAB_TTL_CHECK_INTERVAL", 5*time.Minute),

		LogFormat: envOr("OVLAB_LOG_FORMAT", "text"),
		LogLevel:  envOr("OVLAB_LOG_LEVEL", "info"),
	}
	return c
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent-local"
	}
	return "agent-" + strings.ToLower(host)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}
	// allow bare integer seconds for the "30" style values named in §6.5
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// AgentAddress is the host:port this agent should register with the
// controller as its reachable address.
func (c *Config) AgentAddress() string {
	return fmt.Sprintf("%s:%d", c.AgentHost, c.AgentPort)
}
