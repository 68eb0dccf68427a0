package agentrt

import (
	"net/http"

	"github.com/gorilla/mux"
)

// linkState is one /links entry tracked in memory. Like overlay tunnels,
// link state is host-local VLAN/port wiring with no Docker-label
// equivalent, so it doesn't survive an agent restart.
type linkState struct {
	id      string
	req     LinkRequest
	epA     string
	epB     string
}

func linkID(labID, epA, epB string) string {
	return labID + ":" + epA + "--" + epB
}

func (a *Agent) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	epA := req.SourceNode + ":" + req.SourceInterface
	epB := req.TargetNode + ":" + req.TargetInterface
	id := linkID(req.LabID, epA, epB)

	if err := a.links.Connect(r.Context(), req.LabID, epA, epB); err != nil {
		writeJSON(w, http.StatusOK, linkResponse{ID: id, Status: "failed", Error: err.Error()})
		return
	}

	a.linkMu.Lock()
	a.linkRegistry[id] = &linkState{id: id, req: req, epA: epA, epB: epB}
	a.linkMu.Unlock()

	writeJSON(w, http.StatusOK, linkResponse{ID: id, Status: "connected"})
}

func (a *Agent) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a.linkMu.Lock()
	ls, ok := a.linkRegistry[id]
	if ok {
		delete(a.linkRegistry, id)
	}
	a.linkMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errLinkNotFound(id))
		return
	}

	if err := a.links.Disconnect(r.Context(), ls.req.LabID, ls.epA, ls.epB); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{ID: id, Status: "disconnected"})
}

func (a *Agent) handleListLinks(w http.ResponseWriter, r *http.Request) {
	labID := r.URL.Query().Get("lab_id")

	a.linkMu.Lock()
	defer a.linkMu.Unlock()

	out := make([]LinkRequest, 0, len(a.linkRegistry))
	for _, ls := range a.linkRegistry {
		if labID != "" && ls.req.LabID != labID {
			continue
		}
		out = append(out, ls.req)
	}
	writeJSON(w, http.StatusOK, out)
}

type linkNotFoundError struct{ id string }

func (e linkNotFoundError) Error() string { return "link not found: " + e.id }

func errLinkNotFound(id string) error { return linkNotFoundError{id: id} }
