package agentstate

import (
	"path/filepath"
	"testing"
)

func TestOpen_MissingFileStartsFresh(t *testing.T) {
	store, existed, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if existed {
		t.Error("existed = true for a missing file, want false")
	}
	snap := store.Snapshot()
	if len(snap.LabBridges) != 0 {
		t.Errorf("fresh store has %d lab bridges, want 0", len(snap.LabBridges))
	}
}

func TestOpen_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := writeFile(path, "{not valid json"); err != nil {
		t.Fatalf("writeFile() error = %v", err)
	}
	store, existed, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if existed {
		t.Error("existed = true for a corrupt file, want false")
	}
	if store == nil {
		t.Fatal("Open() returned nil store for corrupt file")
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	err = store.Mutate(func(s *State) error {
		s.LabBridges["lab1"] = &LabBridge{
			LabID:      "lab1",
			BridgeName: "ovs-lab1",
			NextVLAN:   100,
			NetworkIDs: map[string]bool{"net1": true},
		}
		s.Endpoints["ep1"] = &Endpoint{
			EndpointID: "ep1",
			NetworkID:  "net1",
			HostVeth:   "vh-abc123",
			ContVeth:   "vc-abc123",
			VLANTag:    100,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	reopened, existed, err := Open(path)
	if err != nil {
		t.Fatalf("Open() (reopen) error = %v", err)
	}
	if !existed {
		t.Fatal("existed = false after a successful save, want true")
	}

	snap := reopened.Snapshot()
	if len(snap.LabBridges) != 1 {
		t.Fatalf("len(LabBridges) = %d, want 1", len(snap.LabBridges))
	}
	if snap.LabBridges["lab1"].BridgeName != "ovs-lab1" {
		t.Errorf("BridgeName = %q, want %q", snap.LabBridges["lab1"].BridgeName, "ovs-lab1")
	}
	if snap.Endpoints["ep1"].VLANTag != 100 {
		t.Errorf("VLANTag = %d, want 100", snap.Endpoints["ep1"].VLANTag)
	}
}

func TestMutate_ErrorDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	wantErr := errSentinel
	err = store.Mutate(func(s *State) error {
		s.LabBridges["lab1"] = &LabBridge{LabID: "lab1"}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Mutate() error = %v, want %v", err, wantErr)
	}

	reopened, existed, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if existed {
		t.Error("existed = true, want false: failed Mutate should not have written the file")
	}
	snap := reopened.Snapshot()
	if len(snap.LabBridges) != 0 {
		t.Errorf("len(LabBridges) = %d, want 0 after a failed Mutate", len(snap.LabBridges))
	}
}
