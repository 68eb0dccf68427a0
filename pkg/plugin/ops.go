package plugin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ovlab/ovlab/pkg/agentstate"
	"github.com/ovlab/ovlab/pkg/ovs"
	"github.com/ovlab/ovlab/pkg/util"
)

// handlerCreateVxlanTunnel builds a VXLAN interface pinned to remote_ip and
// attaches it to the lab bridge at vlan_tag. Idempotent on (lab_id, vni):
// calling twice for the same tunnel just retags the existing port.
func handlerCreateVxlanTunnel(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req createVxlanTunnelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}
	if req.LabID == "" || req.RemoteIP == "" {
		writeError(w, "create_vxlan_tunnel: lab_id and remote_ip are required")
		return
	}

	ctx := r.Context()
	bridge := ovs.BridgeName(req.LabID)
	portName := fmt.Sprintf("vx-%d", req.VNI)

	var alreadyPresent bool
	p.store.View(func(s *agentstate.State) {
		if lb, ok := s.LabBridges[req.LabID]; ok {
			_, alreadyPresent = lb.VxlanTunnels[req.VNI]
		}
	})

	if alreadyPresent {
		if err := p.fabric.SetPortTag(ctx, portName, req.VLANTag); err != nil {
			writeError(w, err.Error())
			return
		}
	} else {
		if err := p.fabric.EnsureBridge(ctx, bridge); err != nil {
			writeError(w, err.Error())
			return
		}
		if err := p.fabric.AddVxlanPort(ctx, bridge, portName, req.VNI, req.LocalIP, req.RemoteIP, p.dstPort, req.VLANTag); err != nil {
			writeError(w, err.Error())
			return
		}
	}

	err := p.store.Mutate(func(s *agentstate.State) error {
		lb, ok := s.LabBridges[req.LabID]
		if !ok {
			lb = &agentstate.LabBridge{
				LabID:         req.LabID,
				BridgeName:    bridge,
				NetworkIDs:    make(map[string]bool),
				VxlanTunnels:  make(map[int]string),
				ExternalPorts: make(map[string]int),
			}
			s.LabBridges[req.LabID] = lb
		}
		if lb.VxlanTunnels == nil {
			lb.VxlanTunnels = make(map[int]string)
		}
		lb.VxlanTunnels[req.VNI] = portName
		lb.LastActivity = time.Now().Unix()

		s.VxlanTunnels[req.LinkID] = &agentstate.VxlanTunnel{
			VNI:           req.VNI,
			LocalIP:       req.LocalIP,
			RemoteIP:      req.RemoteIP,
			InterfaceName: portName,
			LabID:         req.LabID,
			LinkID:        req.LinkID,
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(struct{ InterfaceName string }{InterfaceName: portName}, w)
}

// resolveEndpoint finds the Endpoint whose (lab, node, iface) names it, the
// resolve-port-by-endpoint step named in spec §4.7. Endpoints don't carry
// node names directly; the lookup goes through InterfaceName plus a
// ContainerName equal to node, set by a prior SetEndpointContainerName call.
func resolveEndpoint(s *agentstate.State, labID, node, iface string) (string, *agentstate.Endpoint, bool) {
	for id, ep := range s.Endpoints {
		if ep.InterfaceName != iface || ep.ContainerName != node {
			continue
		}
		if net, ok := s.Networks[ep.NetworkID]; ok && net.LabID == labID {
			return id, ep, true
		}
	}
	return "", nil, false
}

// handlerHotConnect reads A's VLAN tag and retags B to match, making the two
// previously-isolated endpoints members of the same broadcast domain.
func handlerHotConnect(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req hotConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()
	var epA, epB *agentstate.Endpoint
	var epBID string
	p.store.View(func(s *agentstate.State) {
		_, epA, _ = resolveEndpoint(s, req.LabID, req.NodeA, req.IfaceA)
		epBID, epB, _ = resolveEndpoint(s, req.LabID, req.NodeB, req.IfaceB)
	})
	if epA == nil || epB == nil {
		writeError(w, "hot_connect: could not resolve both endpoints")
		return
	}

	if err := p.fabric.SetPortTag(ctx, epB.HostVeth, epA.VLANTag); err != nil {
		writeError(w, err.Error())
		return
	}

	err := p.store.Mutate(func(s *agentstate.State) error {
		if ep, ok := s.Endpoints[epBID]; ok {
			ep.VLANTag = epA.VLANTag
		}
		if lb, ok := s.LabBridges[req.LabID]; ok {
			lb.LastActivity = time.Now().Unix()
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	util.WithFields(map[string]interface{}{
		"lab_id": req.LabID, "node_a": req.NodeA, "node_b": req.NodeB, "vlan_tag": epA.VLANTag,
	}).Info("hot connected two endpoints")
	sendResponse(struct{}{}, w)
}

// handlerHotDisconnect allocates B a fresh VLAN tag, returning it to
// isolation. A is left untouched.
func handlerHotDisconnect(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req hotConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()
	var epBID string
	var epB *agentstate.Endpoint
	p.store.View(func(s *agentstate.State) {
		epBID, epB, _ = resolveEndpoint(s, req.LabID, req.NodeB, req.IfaceB)
	})
	if epB == nil {
		writeError(w, "hot_disconnect: could not resolve endpoint B")
		return
	}

	allocator, err := p.vlanAllocator(req.LabID)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	allocator.Release(epBID)
	newTag, err := allocator.Allocate(epBID)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	if err := p.fabric.SetPortTag(ctx, epB.HostVeth, newTag); err != nil {
		writeError(w, err.Error())
		return
	}

	err = p.store.Mutate(func(s *agentstate.State) error {
		if ep, ok := s.Endpoints[epBID]; ok {
			ep.VLANTag = newTag
		}
		if lb, ok := s.LabBridges[req.LabID]; ok {
			lb.LastActivity = time.Now().Unix()
		}
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(struct{}{}, w)
}

// handlerCreateManagementNetwork carves the lab's eth0/management subnet out
// of the configured pool and provisions the backing Docker bridge network
// with IP masquerade set from the plugin's mgmtEnableNAT option, per spec
// §4.4.
func handlerCreateManagementNetwork(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req createManagementNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}
	if req.LabID == "" {
		writeError(w, "create_management_network: lab_id is required")
		return
	}

	var existing *agentstate.ManagementNetwork
	p.store.View(func(s *agentstate.State) {
		existing = s.ManagementNetworks[req.LabID]
	})
	if existing != nil {
		sendResponse(createManagementNetworkResponse{
			NetworkName: existing.NetworkName,
			Subnet:      existing.Subnet,
			Gateway:     existing.Gateway,
		}, w)
		return
	}

	var subnet, gateway string
	var index int
	p.store.View(func(s *agentstate.State) { index = s.NextMgmtSubnetIndex })
	subnet, gwErr := carveMgmtSubnet(p.mgmtSubnetBase, index)
	if gwErr != nil {
		writeError(w, gwErr.Error())
		return
	}
	gateway, err := firstUsableIP(subnet)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	name := "ovlab-mgmt-" + req.LabID
	var networkID string
	if p.netProv != nil {
		networkID, err = p.netProv.CreateBridgeNetwork(r.Context(), name, subnet, gateway, p.mgmtEnableNAT)
		if err != nil {
			writeError(w, err.Error())
			return
		}
	}

	err = p.store.Mutate(func(s *agentstate.State) error {
		s.ManagementNetworks[req.LabID] = &agentstate.ManagementNetwork{
			LabID:       req.LabID,
			NetworkID:   networkID,
			NetworkName: name,
			Subnet:      subnet,
			Gateway:     gateway,
		}
		s.NextMgmtSubnetIndex++
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(createManagementNetworkResponse{NetworkName: name, Subnet: subnet, Gateway: gateway}, w)
}

// handlerAttachExternal adds a physical host interface to a lab bridge,
// either as an access port (vlan given) or trunked (vlan omitted).
func handlerAttachExternal(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req attachExternalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}
	if req.LabID == "" || req.Iface == "" {
		writeError(w, "attach_external: lab_id and iface are required")
		return
	}

	ctx := r.Context()
	bridge := ovs.BridgeName(req.LabID)
	if err := p.fabric.AttachExternal(ctx, bridge, req.Iface, req.VLAN); err != nil {
		writeError(w, err.Error())
		return
	}

	err := p.store.Mutate(func(s *agentstate.State) error {
		lb, ok := s.LabBridges[req.LabID]
		if !ok {
			lb = &agentstate.LabBridge{
				LabID: req.LabID, BridgeName: bridge,
				NetworkIDs: make(map[string]bool), VxlanTunnels: make(map[int]string),
				ExternalPorts: make(map[string]int),
			}
			s.LabBridges[req.LabID] = lb
		}
		if lb.ExternalPorts == nil {
			lb.ExternalPorts = make(map[string]int)
		}
		lb.ExternalPorts[req.Iface] = req.VLAN
		lb.LastActivity = time.Now().Unix()
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(struct{}{}, w)
}

// handlerConnectToExternal moves a container NIC onto the same VLAN tag as
// an already-attached external interface.
func handlerConnectToExternal(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req connectToExternalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	ctx := r.Context()
	var tag int
	var hostVeth string
	var found bool
	var labID string

	p.store.View(func(s *agentstate.State) {
		for id, lb := range s.LabBridges {
			if t, ok := lb.ExternalPorts[req.ExternalIface]; ok {
				tag = t
				labID = id
				found = true
				break
			}
		}
		if found {
			_, ep, ok := resolveEndpoint(s, labID, req.Container, req.IfaceIn)
			if ok {
				hostVeth = ep.HostVeth
			}
		}
	})
	if !found || hostVeth == "" {
		writeError(w, "connect_to_external: could not resolve external iface or container endpoint")
		return
	}

	if err := p.fabric.SetPortTag(ctx, hostVeth, tag); err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(struct{}{}, w)
}

// handlerSetEndpointContainerName records the container name Docker only
// reveals at Join time, resolving the Open Question of endpoint<->container
// association: CreateEndpoint doesn't know the container, so callers invoke
// this separately once it's known.
func handlerSetEndpointContainerName(p *Plugin, w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndpointID    string `json:"endpoint_id"`
		ContainerName string `json:"container_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err.Error())
		return
	}

	err := p.store.Mutate(func(s *agentstate.State) error {
		ep, ok := s.Endpoints[req.EndpointID]
		if !ok {
			return fmt.Errorf("unknown endpoint %s", req.EndpointID)
		}
		ep.ContainerName = req.ContainerName
		return nil
	})
	if err != nil {
		writeError(w, err.Error())
		return
	}

	sendResponse(struct{}{}, w)
}
