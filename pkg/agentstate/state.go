// Package agentstate is the Plugin State Store (spec §4.5): the agent's
// on-disk view of lab bridges, Docker networks, endpoints, and management
// networks. Writes go through temp-file + atomic rename so the file is
// never observed partially written (spec §3.3); reads reconcile against
// live OVS state on startup.
package agentstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LabBridge is the agent's view of one lab's OVS bridge.
type LabBridge struct {
	LabID         string         `json:"lab_id"`
	BridgeName    string         `json:"bridge_name"`
	NextVLAN      int            `json:"next_vlan"`
	NetworkIDs    map[string]bool `json:"network_ids"`
	LastActivity  int64          `json:"last_activity"`
	VxlanTunnels  map[int]string `json:"vxlan_tunnels"`  // vni -> port_name
	ExternalPorts map[string]int `json:"external_ports"` // iface -> vlan
}

// Network is one Docker network the plugin manages, one per interface slot.
type Network struct {
	NetworkID     string `json:"network_id"`
	LabID         string `json:"lab_id"`
	InterfaceName string `json:"interface_name"`
	BridgeName    string `json:"bridge_name"`
}

// Endpoint is one container NIC: a veth pair plus its OVS port and VLAN tag.
type Endpoint struct {
	EndpointID    string `json:"endpoint_id"`
	NetworkID     string `json:"network_id"`
	InterfaceName string `json:"interface_name"`
	HostVeth      string `json:"host_veth"`
	ContVeth      string `json:"cont_veth"`
	VLANTag       int    `json:"vlan_tag"`
	ContainerName string `json:"container_name,omitempty"`
}

// ManagementNetwork is the per-lab eth0/NAT network.
type ManagementNetwork struct {
	LabID       string `json:"lab_id"`
	NetworkID   string `json:"network_id"`
	NetworkName string `json:"network_name"`
	Subnet      string `json:"subnet"`
	Gateway     string `json:"gateway"`
}

// VxlanTunnel is a cross-host VXLAN tunnel created by the Overlay Manager.
type VxlanTunnel struct {
	VNI           int    `json:"vni"`
	LocalIP       string `json:"local_ip"`
	RemoteIP      string `json:"remote_ip"`
	InterfaceName string `json:"interface_name"`
	LabID         string `json:"lab_id"`
	LinkID        string `json:"link_id"`
}

// OverlayBridge is the helper Linux bridge backing a VXLAN tunnel's local
// attachment point.
type OverlayBridge struct {
	Name      string   `json:"name"`
	VNI       int      `json:"vni"`
	LabID     string   `json:"lab_id"`
	LinkID    string   `json:"link_id"`
	VethPairs []string `json:"veth_pairs"`
}

// State is the full serialised plugin state file.
type State struct {
	LabBridges          map[string]*LabBridge         `json:"lab_bridges"`
	Networks            map[string]*Network           `json:"networks"`
	Endpoints           map[string]*Endpoint          `json:"endpoints"`
	ManagementNetworks   map[string]*ManagementNetwork `json:"management_networks"`
	NextMgmtSubnetIndex int                           `json:"next_mgmt_subnet_index"`

	VxlanTunnels   map[string]*VxlanTunnel   `json:"vxlan_tunnels,omitempty"`
	OverlayBridges map[string]*OverlayBridge `json:"overlay_bridges,omitempty"`
}

func newState() *State {
	return &State{
		LabBridges:         make(map[string]*LabBridge),
		Networks:           make(map[string]*Network),
		Endpoints:          make(map[string]*Endpoint),
		ManagementNetworks: make(map[string]*ManagementNetwork),
		VxlanTunnels:       make(map[string]*VxlanTunnel),
		OverlayBridges:     make(map[string]*OverlayBridge),
	}
}

// Store owns the plugin state file at path, serialising every read/write
// behind mu — the in-process lock around {lab_bridges, networks, endpoints}
// named in spec §5's "local races" section.
type Store struct {
	mu    sync.Mutex
	path  string
	state *State
}

// Open loads the state file at path. If the file is absent, Open returns a
// fresh, empty Store — callers fall back to OVS discovery (pkg/agentstate
// does not itself drive discovery; see Reconcile). If the file is corrupt,
// Open logs nothing itself (callers should) and also starts fresh, per
// spec §4.5's read path.
func Open(path string) (*Store, bool, error) {
	s := &Store{path: path, state: newState()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, false, nil
		}
		return nil, false, fmt.Errorf("reading plugin state file: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		// corrupt file: start fresh rather than fail agent startup.
		return s, false, nil
	}
	if loaded.LabBridges == nil {
		loaded.LabBridges = make(map[string]*LabBridge)
	}
	if loaded.Networks == nil {
		loaded.Networks = make(map[string]*Network)
	}
	if loaded.Endpoints == nil {
		loaded.Endpoints = make(map[string]*Endpoint)
	}
	if loaded.ManagementNetworks == nil {
		loaded.ManagementNetworks = make(map[string]*ManagementNetwork)
	}
	if loaded.VxlanTunnels == nil {
		loaded.VxlanTunnels = make(map[string]*VxlanTunnel)
	}
	if loaded.OverlayBridges == nil {
		loaded.OverlayBridges = make(map[string]*OverlayBridge)
	}
	s.state = &loaded
	return s, true, nil
}

// save serialises state to a temp file in the same directory, then
// atomically renames it over path. Callers must hold mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling plugin state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming temp state file: %w", err)
	}
	return nil
}

// Mutate runs fn with the state lock held and persists the result
// afterward — the mark_dirty_and_save() pattern named in spec §4.5. If fn
// returns an error, the state is not saved and the error is returned as-is.
func (s *Store) Mutate(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.state); err != nil {
		return err
	}
	return s.save()
}

// View runs fn with the state lock held for reads, without persisting.
func (s *Store) View(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Snapshot returns a deep-enough copy of the current state for diagnostics.
// Mutating the returned State does not affect the Store.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.state)
	var copy State
	_ = json.Unmarshal(data, &copy)
	return &copy
}
