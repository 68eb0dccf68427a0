package plugin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/ovlab/ovlab/pkg/agentstate"
	"github.com/ovlab/ovlab/pkg/ovs"
	"github.com/ovlab/ovlab/pkg/util"
)

func handlerActivate(p *Plugin, w http.ResponseWriter, r *http.Request) {
	_, _ = getBody(r)
	sendResponse(activateResponse{Implements: []string{"NetworkDriver"}}, w)
}

func handlerGetCapabilities(p *Plugin, w http.ResponseWriter, r *http.Request) {
	_, _ = getBody(r)
	sendResponse(getCapabilitiesResponse{Scope: "local", ConnectivityScope: "local"}, w)
}

// handlerCreateNetwork ensures the lab's OVS bridge exists, then records a
// Network entry and adds network_id to the bridge's tracked set.
func handlerCreateNetwork(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	labID, _ := req.Options["lab_id"].(string)
	ifaceName, _ := req.Options["interface_name"].(string)
	if labID == "" {
		writeError(w, "CreateNetwork: missing lab_id option")
		return
	}

	ctx := r.Context()
	bridge := ovs.BridgeName(labID)
	if err := p.fabric.EnsureBridge(ctx, bridge); err != nil {
		writeError(w, err.Error())
		return
	}

	err := p.store.Mutate(func(s *agentstate.State) error {
		lb, ok := s.LabBridges[labID]
		if !ok {
			lb = &agentstate.LabBridge{
				LabID:         labID,
				BridgeName:    bridge,
				NetworkIDs:    make(map[string]bool),
				VxlanTunnels:  make(map[int]string),
				ExternalPorts: make(map[string]int),
			}
			s.LabBridges[labID] = lb
		}
		lb.NetworkIDs[req.NetworkID] = true
		lb.LastActivity = time.Now().Unix()

		s.Networks[req.NetworkID] = &agentstate.Network{
			NetworkID:     req.NetworkID,
			LabID:         labID,
			InterfaceName: ifaceName,
			BridgeName:    bridge,
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	util.WithFields(map[string]interface{}{"lab_id": labID, "network_id": req.NetworkID}).Info("created network")
	sendResponse(struct{}{}, w)
}

// handlerDeleteNetwork drops the Network record, removes it from the lab
// bridge's set, and deletes the bridge if it no longer backs any network.
func handlerDeleteNetwork(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req deleteNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()
	var bridge string
	var shouldMaybeDelete bool

	err := p.store.Mutate(func(s *agentstate.State) error {
		net, ok := s.Networks[req.NetworkID]
		if !ok {
			return nil
		}
		delete(s.Networks, req.NetworkID)

		if lb, ok := s.LabBridges[net.LabID]; ok {
			delete(lb.NetworkIDs, req.NetworkID)
			bridge = lb.BridgeName
			if len(lb.NetworkIDs) == 0 {
				shouldMaybeDelete = true
				delete(s.LabBridges, net.LabID)
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	if shouldMaybeDelete && bridge != "" {
		if err := p.fabric.MaybeDeleteBridge(ctx, bridge); err != nil {
			util.WithField("bridge", bridge).Warn("maybe_delete_bridge failed: " + err.Error())
		}
	}

	sendResponse(struct{}{}, w)
}

// handlerCreateEndpoint generates a veth pair, allocates a VLAN tag from the
// lab's allocator, attaches host_veth to the bridge, and records the
// Endpoint. It never moves cont_veth into a namespace: that is Join's job,
// deferred to Docker itself.
func handlerCreateEndpoint(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()

	var labID, bridge, ifaceName string
	p.store.View(func(s *agentstate.State) {
		if net, ok := s.Networks[req.NetworkID]; ok {
			labID = net.LabID
			bridge = net.BridgeName
			ifaceName = net.InterfaceName
		}
	})
	if labID == "" {
		writeError(w, fmt.Sprintf("CreateEndpoint: unknown network %s", req.NetworkID))
		return
	}

	allocator, err := p.vlanAllocator(labID)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	tag, err := allocator.Allocate(req.EndpointID)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	hostVeth, contVeth, err := vethNames(req.EndpointID)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	if err := p.veth.Create(hostVeth, contVeth); err != nil {
		allocator.Release(req.EndpointID)
		writeError(w, err.Error())
		return
	}
	if err := p.fabric.AddPort(ctx, bridge, hostVeth, hostVeth, tag); err != nil {
		_ = p.veth.Delete(hostVeth)
		allocator.Release(req.EndpointID)
		writeError(w, err.Error())
		return
	}

	err = p.store.Mutate(func(s *agentstate.State) error {
		s.Endpoints[req.EndpointID] = &agentstate.Endpoint{
			EndpointID:    req.EndpointID,
			NetworkID:     req.NetworkID,
			InterfaceName: ifaceName,
			HostVeth:      hostVeth,
			ContVeth:      contVeth,
			VLANTag:       tag,
		}
		if lb, ok := s.LabBridges[labID]; ok {
			lb.LastActivity = time.Now().Unix()
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	util.WithFields(map[string]interface{}{
		"lab_id": labID, "endpoint_id": req.EndpointID, "vlan_tag": tag,
	}).Info("created endpoint: isolated until a link operation unifies its tag")

	sendResponse(createEndpointResponse{}, w)
}

// handlerDeleteEndpoint removes the OVS port and destroys the veth pair.
func handlerDeleteEndpoint(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req deleteEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()
	var bridge, hostVeth, labID string

	err := p.store.Mutate(func(s *agentstate.State) error {
		ep, ok := s.Endpoints[req.EndpointID]
		if !ok {
			return nil
		}
		hostVeth = ep.HostVeth
		if net, ok := s.Networks[ep.NetworkID]; ok {
			bridge = net.BridgeName
			labID = net.LabID
		}
		delete(s.Endpoints, req.EndpointID)
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	if hostVeth != "" && bridge != "" {
		if err := p.fabric.DelPort(ctx, bridge, hostVeth); err != nil {
			util.WithField("host_veth", hostVeth).Warn("DelPort during DeleteEndpoint failed: " + err.Error())
		}
	}
	if labID != "" {
		if allocator, err := p.vlanAllocator(labID); err == nil {
			allocator.Release(req.EndpointID)
		}
	}

	sendResponse(struct{}{}, w)
}

// handlerJoin returns the SrcName/DstPrefix instruction Docker uses to move
// cont_veth into the container's network namespace and rename it. The
// plugin does not perform that move itself.
func handlerJoin(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	var contVeth, ifaceName string
	p.store.View(func(s *agentstate.State) {
		if ep, ok := s.Endpoints[req.EndpointID]; ok {
			contVeth = ep.ContVeth
			ifaceName = ep.InterfaceName
		}
	})
	if contVeth == "" {
		writeError(w, fmt.Sprintf("Join: unknown endpoint %s", req.EndpointID))
		return
	}

	sendResponse(joinResponse{
		InterfaceName: interfaceName{
			SrcName:   contVeth,
			DstPrefix: stripTrailingDigits(ifaceName),
		},
	}, w)
}

func handlerLeave(p *Plugin, w http.ResponseWriter, r *http.Request) {
	_, _ = getBody(r)
	sendResponse(struct{}{}, w)
}

func handlerEndpointOperInfo(p *Plugin, w http.ResponseWriter, r *http.Request) {
	_, _ = getBody(r)
	sendResponse(endpointOperInfoResponse{Value: map[string]interface{}{}}, w)
}

func handlerAllocateNetwork(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req allocateNetworkRequest
	_ = decodeBody(r, &req)
	sendResponse(allocateNetworkResponse{Options: map[string]interface{}{}}, w)
}

func handlerFreeNetwork(p *Plugin, w http.ResponseWriter, r *http.Request) {
	_, _ = getBody(r)
	sendResponse(struct{}{}, w)
}

// vethNames generates a fresh (host_veth, cont_veth) pair, each <=15 chars
// (the Linux IFNAMSIZ limit minus the null terminator), derived from a
// random suffix rather than endpointID so repeated CreateEndpoint calls
// never collide with a leftover interface of the same name.
func vethNames(endpointID string) (host, cont string, err error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", "", fmt.Errorf("generating veth suffix: %w", err)
	}
	s := hex.EncodeToString(suffix)
	return "vh" + s, "vc" + s, nil
}

func stripTrailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == 0 {
		return s
	}
	return s[:i]
}
