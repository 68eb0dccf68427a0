package agentrt

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/lock"
)

func (a *Agent) handleLocksStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.locks.AllStatuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries := make([]lockStatusEntry, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, toLockStatusEntry(s))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *Agent) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["lab_id"]
	if err := a.locks.ForceRelease(r.Context(), labID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lockReleaseResponse{Released: true})
}

func toLockStatusEntry(s lock.Status) lockStatusEntry {
	return lockStatusEntry{
		LabID:   s.LabID,
		Held:    s.Held,
		Owner:   s.Owner,
		AgeSecs: s.AgeSecs,
		TTLSecs: s.TTL.Seconds(),
		Stuck:   s.Stuck,
	}
}
