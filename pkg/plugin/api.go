package plugin

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ovlab/ovlab/pkg/util"
)

// The request/response shapes below mirror Docker's documented remote
// network-driver wire contract. They are hand-rolled rather than imported
// from libnetwork: only the JSON field names are normative, and Docker
// itself ignores any field it doesn't recognise.

type activateResponse struct {
	Implements []string
}

type getCapabilitiesResponse struct {
	Scope             string
	ConnectivityScope string
}

type errorResponse struct {
	Err string `json:",omitempty"`
}

type createNetworkRequest struct {
	NetworkID string
	Options   map[string]interface{} `json:"Options"`
}

type deleteNetworkRequest struct {
	NetworkID string
}

type createEndpointRequest struct {
	NetworkID  string
	EndpointID string
	Interface  *endpointInterface
}

type endpointInterface struct {
	Address     string `json:",omitempty"`
	AddressIPv6 string `json:",omitempty"`
	MacAddress  string `json:",omitempty"`
}

type createEndpointResponse struct {
	Interface *endpointInterface `json:",omitempty"`
}

type deleteEndpointRequest struct {
	EndpointID string
}

type endpointOperInfoRequest struct {
	NetworkID  string
	EndpointID string
}

type endpointOperInfoResponse struct {
	Value map[string]interface{}
}

type joinRequest struct {
	NetworkID  string
	EndpointID string
	SandboxKey string
}

type interfaceName struct {
	SrcName   string
	DstPrefix string
}

type joinResponse struct {
	InterfaceName interfaceName
	Gateway       string `json:",omitempty"`
}

type leaveRequest struct {
	NetworkID  string
	EndpointID string
}

type allocateNetworkRequest struct {
	NetworkID string
	Options   map[string]interface{}
}

type allocateNetworkResponse struct {
	Options map[string]interface{}
}

type freeNetworkRequest struct {
	NetworkID string
}

// Non-Docker-driven request/response shapes for the plugin's own operations
// (spec §4.4, "Additional plugin operations").

type createVxlanTunnelRequest struct {
	LabID    string `json:"lab_id"`
	LinkID   string `json:"link_id"`
	LocalIP  string `json:"local_ip"`
	RemoteIP string `json:"remote_ip"`
	VNI      int    `json:"vni"`
	VLANTag  int    `json:"vlan_tag"`
}

type hotConnectRequest struct {
	LabID   string `json:"lab_id"`
	NodeA   string `json:"node_a"`
	IfaceA  string `json:"iface_a"`
	NodeB   string `json:"node_b"`
	IfaceB  string `json:"iface_b"`
}

type createManagementNetworkRequest struct {
	LabID string `json:"lab_id"`
}

type createManagementNetworkResponse struct {
	NetworkName string `json:"network_name"`
	Subnet      string `json:"subnet"`
	Gateway     string `json:"gateway"`
}

type attachExternalRequest struct {
	LabID string `json:"lab_id"`
	Iface string `json:"iface"`
	VLAN  int    `json:"vlan,omitempty"`
}

type connectToExternalRequest struct {
	Container     string `json:"container"`
	IfaceIn       string `json:"iface_in"`
	ExternalIface string `json:"external_iface"`
}

func sendResponse(resp interface{}, w http.ResponseWriter) {
	rb, err := json.Marshal(resp)
	if err != nil {
		util.WithField("error", err).Error("marshalling plugin response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.docker.plugins.v1.1+json")
	w.Write(rb)
}

func writeError(w http.ResponseWriter, msg string) {
	sendResponse(errorResponse{Err: msg}, w)
}

func getBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// handler adapts a (*Plugin, http.ResponseWriter, *http.Request) function
// into an http.HandlerFunc, the same indirection the reference Docker
// network-driver implementation uses to thread plugin state through route
// handlers without closures per route.
func handler(p *Plugin, fn func(*Plugin, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(p, w, r)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := getBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
