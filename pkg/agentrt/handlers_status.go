package agentrt

import (
	"net/http"
)

func (a *Agent) handleLabsStatus(w http.ResponseWriter, r *http.Request) {
	var req LabsStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	statuses, err := a.provider.LabStatus(r.Context(), req.LabID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *Agent) handleDiscoverLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := a.provider.DiscoverLabs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, discoverLabsResponse{Labs: labs})
}

func (a *Agent) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	var req CleanupOrphansRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	valid := make(map[string]bool, len(req.ValidLabIDs))
	for _, id := range req.ValidLabIDs {
		valid[id] = true
	}
	removed, err := a.provider.CleanupOrphans(r.Context(), valid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupOrphansResponse{Removed: removed})
}
