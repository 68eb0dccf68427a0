package agentrt

import (
	"context"
	"time"

	"github.com/ovlab/ovlab/pkg/agentstate"
	"github.com/ovlab/ovlab/pkg/util"
)

// LabTTLLoop blocks until ctx is cancelled, destroying any lab whose plugin
// state has recorded no activity for longer than ttl (spec §3.4's lab
// lifecycle sweep). Mirrors RegistrationLoop's ticker shape. Labs the
// network driver has never touched carry no LabBridge entry and are left
// alone: TTL only reclaims labs the plugin has actually seen activity for.
func (a *Agent) LabTTLLoop(ctx context.Context, store *agentstate.Store, checkInterval, ttl time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepExpiredLabs(ctx, store, ttl)
		}
	}
}

func (a *Agent) sweepExpiredLabs(ctx context.Context, store *agentstate.Store, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl).Unix()
	var expired []string
	store.View(func(s *agentstate.State) {
		for labID, lb := range s.LabBridges {
			if lb.LastActivity > 0 && lb.LastActivity < cutoff {
				expired = append(expired, labID)
			}
		}
	})

	for _, labID := range expired {
		if _, _, err := a.runDestroy(ctx, labID); err != nil {
			util.WithField("lab_id", labID).Warn("lab TTL destroy failed: " + err.Error())
			continue
		}
		_ = store.Mutate(func(s *agentstate.State) error {
			delete(s.LabBridges, labID)
			return nil
		})
		util.WithField("lab_id", labID).Info("destroyed lab after exceeding TTL")
	}
}
