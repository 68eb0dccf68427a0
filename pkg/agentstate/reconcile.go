package agentstate

import (
	"context"
	"strings"

	"github.com/ovlab/ovlab/pkg/util"
)

// Fabric is the subset of pkg/ovs.Fabric that Reconcile needs; satisfied by
// *ovs.Fabric in production and by a fake in tests.
type Fabric interface {
	BridgeExists(ctx context.Context, bridge string) (bool, error)
	EnsureBridge(ctx context.Context, bridge string) error
	ListPorts(ctx context.Context, bridge string) ([]string, error)
	DelPort(ctx context.Context, bridge, port string) error
}

// Reconcile runs the three-step reconciliation described in spec §4.5 after
// a successful state load: recreate or drop bridges missing from live OVS,
// drop endpoints whose veth no longer exists, and remove orphaned "vh"
// ports left by a crash between add_port and mark_dirty_and_save.
func Reconcile(ctx context.Context, fabric Fabric, store *Store) error {
	var driftErrs []error

	err := store.Mutate(func(s *State) error {
		for labID, bridge := range s.LabBridges {
			exists, err := fabric.BridgeExists(ctx, bridge.BridgeName)
			if err != nil {
				driftErrs = append(driftErrs, err)
				continue
			}

			if !exists {
				if len(bridge.NetworkIDs) > 0 {
					if err := fabric.EnsureBridge(ctx, bridge.BridgeName); err != nil {
						driftErrs = append(driftErrs, err)
					}
					util.WithField("lab_id", labID).Warn("recreated missing OVS bridge during reconcile")
					continue
				}
				delete(s.LabBridges, labID)
				util.WithField("lab_id", labID).Info("dropped bridge from state: no networks reference it")
				continue
			}

			livePorts, err := fabric.ListPorts(ctx, bridge.BridgeName)
			if err != nil {
				driftErrs = append(driftErrs, err)
				continue
			}
			live := make(map[string]bool, len(livePorts))
			for _, p := range livePorts {
				live[p] = true
			}

			for epID, ep := range s.Endpoints {
				net, ok := s.Networks[ep.NetworkID]
				if !ok || net.LabID != labID {
					continue
				}
				if !live[ep.HostVeth] {
					delete(s.Endpoints, epID)
					util.WithFields(map[string]interface{}{
						"lab_id":      labID,
						"endpoint_id": epID,
						"host_veth":   ep.HostVeth,
					}).Info("dropped endpoint from state: veth no longer exists")
				}
			}

			tracked := make(map[string]bool)
			for _, ep := range s.Endpoints {
				tracked[ep.HostVeth] = true
			}
			for _, port := range livePorts {
				if strings.HasPrefix(port, "vh") && !tracked[port] {
					if err := fabric.DelPort(ctx, bridge.BridgeName, port); err != nil {
						driftErrs = append(driftErrs, err)
						continue
					}
					util.WithFields(map[string]interface{}{
						"lab_id": labID,
						"port":   port,
					}).Warn("removed orphaned OVS port during reconcile")
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(driftErrs) > 0 {
		return util.NewReconciliationDriftError("plugin_state", "startup", "clean", driftErrs[0].Error())
	}
	return nil
}
