package controllersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/orchestrator"
)

// agentTunnelRequester implements orchestrator.TunnelRequester by driving a
// remote agent's overlay endpoints. One logical CreateTunnel call from the
// orchestrator's point of view is two agent HTTP calls: /overlay/tunnel
// allocates (or adopts, on the second side) the VNI, then /overlay/attach
// wires the container's interface to it (spec §4.13 step 6).
type agentTunnelRequester struct {
	http *http.Client
}

type createTunnelRequest struct {
	LabID    string `json:"lab_id"`
	LinkID   string `json:"link_id"`
	LocalIP  string `json:"local_ip"`
	RemoteIP string `json:"remote_ip"`
	VNI      int    `json:"vni,omitempty"`
}

type tunnelInfo struct {
	VNI int `json:"vni"`
}

type createTunnelResponse struct {
	Success bool        `json:"success"`
	Tunnel  *tunnelInfo `json:"tunnel,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type attachContainerRequest struct {
	LabID         string `json:"lab_id"`
	LinkID        string `json:"link_id"`
	ContainerName string `json:"container_name"`
	InterfaceName string `json:"interface_name"`
	IPAddress     string `json:"ip_address,omitempty"`
}

type attachContainerResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type overlayCleanupRequest struct {
	LabID  string `json:"lab_id"`
	LinkID string `json:"link_id"`
}

func (t *agentTunnelRequester) CreateTunnel(ctx context.Context, agent model.Agent, req orchestrator.TunnelRequest) (int, error) {
	var tunnelResp createTunnelResponse
	if err := t.postJSON(ctx, agent.Address+"/overlay/tunnel", createTunnelRequest{
		LabID: req.LabID, LinkID: req.LinkID,
		LocalIP: req.LocalIP, RemoteIP: req.RemoteIP, VNI: req.VNI,
	}, &tunnelResp); err != nil {
		return 0, err
	}
	if !tunnelResp.Success || tunnelResp.Tunnel == nil {
		return 0, fmt.Errorf("agent %s: %s", agent.ID, tunnelResp.Error)
	}

	var attachResp attachContainerResponse
	if err := t.postJSON(ctx, agent.Address+"/overlay/attach", attachContainerRequest{
		LabID: req.LabID, LinkID: req.LinkID,
		ContainerName: req.NodeName, InterfaceName: req.Iface, IPAddress: req.LocalIP,
	}, &attachResp); err != nil {
		return 0, err
	}
	if !attachResp.Success {
		return 0, fmt.Errorf("agent %s: %s", agent.ID, attachResp.Error)
	}
	return tunnelResp.Tunnel.VNI, nil
}

func (t *agentTunnelRequester) DestroyTunnel(ctx context.Context, agent model.Agent, labID, linkID string) error {
	var ack map[string]interface{}
	return t.postJSON(ctx, agent.Address+"/overlay/cleanup", overlayCleanupRequest{LabID: labID, LinkID: linkID}, &ack)
}

func (t *agentTunnelRequester) postJSON(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
