package agentrt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ovlab/ovlab/pkg/agentstate"
)

func TestSweepExpiredLabs_DestroysOnlyStaleLabs(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()

	store, _, err := agentstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("agentstate.Open() error = %v", err)
	}

	now := time.Now().Unix()
	err = store.Mutate(func(s *agentstate.State) error {
		s.LabBridges["lab-stale"] = &agentstate.LabBridge{
			LabID: "lab-stale", BridgeName: "ovsbr-lab-stale",
			NetworkIDs: map[string]bool{}, LastActivity: now - 3600,
		}
		s.LabBridges["lab-fresh"] = &agentstate.LabBridge{
			LabID: "lab-fresh", BridgeName: "ovsbr-lab-fresh",
			NetworkIDs: map[string]bool{}, LastActivity: now,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding lab bridges: %v", err)
	}

	a.sweepExpiredLabs(ctx, store, time.Minute)

	if prov.destroyCalls != 1 {
		t.Fatalf("expected exactly one destroy call, got %d", prov.destroyCalls)
	}

	store.View(func(s *agentstate.State) {
		if _, ok := s.LabBridges["lab-stale"]; ok {
			t.Fatalf("expected lab-stale bridge entry to be removed after TTL destroy")
		}
		if _, ok := s.LabBridges["lab-fresh"]; !ok {
			t.Fatalf("expected lab-fresh bridge entry to survive the sweep")
		}
	})
}

func TestSweepExpiredLabs_LeavesLabsWithNoActivityRecorded(t *testing.T) {
	prov := newFakeProvider()
	a, _ := newTestAgent(t, prov)
	ctx := context.Background()

	store, _, err := agentstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("agentstate.Open() error = %v", err)
	}
	err = store.Mutate(func(s *agentstate.State) error {
		s.LabBridges["lab-untouched"] = &agentstate.LabBridge{
			LabID: "lab-untouched", BridgeName: "ovsbr-lab-untouched", NetworkIDs: map[string]bool{},
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding lab bridges: %v", err)
	}

	a.sweepExpiredLabs(ctx, store, time.Minute)

	if prov.destroyCalls != 0 {
		t.Fatalf("expected no destroy calls for a lab with zero-value LastActivity, got %d", prov.destroyCalls)
	}
}
