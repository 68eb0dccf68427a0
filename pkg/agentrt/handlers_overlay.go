package agentrt

import (
	"net/http"

	"github.com/ovlab/ovlab/pkg/overlay"
)

// overlayTunnel tracks one cross-host link's VXLAN state on this agent,
// from VNI allocation through container attachment. Unlike lab/node state,
// this can't be reconstructed from Docker labels after a restart — the
// vxlan/bridge/veth interfaces it names are host-local kernel objects with
// no durable record elsewhere, so a restart does lose in-flight tunnels.
type overlayTunnel struct {
	labID, linkID       string
	vni                 int
	localIP, remoteIP   string
	containerName       string
	ifaceName           string
	attachment          *overlay.Attachment
}

func (a *Agent) handleOverlayTunnel(w http.ResponseWriter, r *http.Request) {
	var req CreateTunnelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vni := req.VNI
	if vni == 0 {
		allocated, err := a.vniPool.Allocate(req.LinkID)
		if err != nil {
			writeJSON(w, http.StatusOK, CreateTunnelResponse{Success: false, Error: err.Error()})
			return
		}
		vni = allocated
	}

	t := &overlayTunnel{
		labID:    req.LabID,
		linkID:   req.LinkID,
		vni:      vni,
		localIP:  req.LocalIP,
		remoteIP: req.RemoteIP,
	}
	a.overlayMu.Lock()
	a.tunnels[req.LinkID] = t
	a.overlayMu.Unlock()

	writeJSON(w, http.StatusOK, CreateTunnelResponse{
		Success: true,
		Tunnel: &tunnelInfo{
			VNI: vni, LocalIP: req.LocalIP, RemoteIP: req.RemoteIP,
			LabID: req.LabID, LinkID: req.LinkID,
		},
	})
}

func (a *Agent) handleOverlayAttach(w http.ResponseWriter, r *http.Request) {
	var req AttachContainerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.overlayMu.Lock()
	t, ok := a.tunnels[req.LinkID]
	a.overlayMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, AttachContainerResponse{Success: false, Error: "no tunnel pending for link " + req.LinkID})
		return
	}

	att, err := a.overlay.AttachLocal(req.LinkID, req.ContainerName, req.InterfaceName, t.localIP, t.remoteIP, t.vni)
	if err != nil {
		writeJSON(w, http.StatusOK, AttachContainerResponse{Success: false, Error: err.Error()})
		return
	}

	a.overlayMu.Lock()
	t.containerName = req.ContainerName
	t.ifaceName = req.InterfaceName
	t.attachment = att
	a.overlayMu.Unlock()

	writeJSON(w, http.StatusOK, AttachContainerResponse{Success: true})
}

func (a *Agent) handleOverlayCleanup(w http.ResponseWriter, r *http.Request) {
	var req OverlayCleanupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.overlayMu.Lock()
	t, ok := a.tunnels[req.LinkID]
	if ok {
		delete(a.tunnels, req.LinkID)
	}
	a.overlayMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"cleaned": true})
		return
	}

	if t.attachment != nil {
		if err := overlay.Cleanup(t.attachment); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	a.vniPool.Release(req.LinkID)
	writeJSON(w, http.StatusOK, map[string]bool{"cleaned": true})
}

func (a *Agent) handleOverlayStatus(w http.ResponseWriter, r *http.Request) {
	a.overlayMu.Lock()
	defer a.overlayMu.Unlock()

	entries := make([]overlayStatusEntry, 0, len(a.tunnels))
	for _, t := range a.tunnels {
		entry := overlayStatusEntry{LinkID: t.linkID, VNI: t.vni, ContainerName: t.containerName}
		if t.attachment != nil {
			entry.VxlanIface = t.attachment.VxlanIface
			entry.BridgeName = t.attachment.BridgeName
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, overlayStatusResponse{Tunnels: entries})
}
