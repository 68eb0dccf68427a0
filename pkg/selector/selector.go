// Package selector is the Agent Selector (spec §4.12): picks a healthy
// agent for a job by filtering on freshness, exclusion, capability and
// capacity, then preferring affinity before falling back to least-loaded.
package selector

import (
	"sort"
	"time"

	"github.com/ovlab/ovlab/pkg/model"
)

// freshWindow is how recently an agent must have heartbeat to be considered
// fresh, per spec §4.12 step 1.
const freshWindow = 60 * time.Second

// ActiveJobCounter reports how many queued/running jobs an agent currently
// has, used for capacity filtering and least-loaded ranking.
type ActiveJobCounter interface {
	ActiveJobs(agentID string) int
}

// Request describes one job's placement requirements.
type Request struct {
	RequiredProvider string
	ExcludeAgents    []string
	PreferAgentID    string
}

// Select filters agents then ranks survivors, returning the chosen agent's
// ID. now is injectable for deterministic tests.
func Select(agents []model.Agent, counts ActiveJobCounter, req Request, now time.Time) (string, bool) {
	excluded := make(map[string]bool, len(req.ExcludeAgents))
	for _, id := range req.ExcludeAgents {
		excluded[id] = true
	}

	var candidates []model.Agent
	for _, a := range agents {
		if a.Status != model.AgentOnline {
			continue
		}
		if now.Sub(a.LastHeartbeat) > freshWindow {
			continue
		}
		if excluded[a.ID] {
			continue
		}
		if req.RequiredProvider != "" && !hasProvider(a, req.RequiredProvider) {
			continue
		}
		if a.Capabilities.MaxConcurrentJob > 0 && counts.ActiveJobs(a.ID) >= a.Capabilities.MaxConcurrentJob {
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		return "", false
	}

	if req.PreferAgentID != "" {
		for _, a := range candidates {
			if a.ID == req.PreferAgentID {
				return a.ID, true
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return loadRatio(candidates[i], counts) < loadRatio(candidates[j], counts)
	})
	return candidates[0].ID, true
}

func hasProvider(a model.Agent, provider string) bool {
	for _, p := range a.Capabilities.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func loadRatio(a model.Agent, counts ActiveJobCounter) float64 {
	if a.Capabilities.MaxConcurrentJob <= 0 {
		return float64(counts.ActiveJobs(a.ID))
	}
	return float64(counts.ActiveJobs(a.ID)) / float64(a.Capabilities.MaxConcurrentJob)
}

// PreferredAgentForLab implements spec §4.12's lab-specific affinity rule:
// the agent hosting the most of the lab's current NodePlacement records,
// falling back to the lab's last-known agent_id if there are no placements
// (or on a tie, any majority holder is acceptable).
func PreferredAgentForLab(lab model.Lab, placements []model.NodePlacement) string {
	if len(placements) == 0 {
		return lab.AgentID
	}

	counts := make(map[string]int, len(placements))
	for _, p := range placements {
		counts[p.HostID]++
	}

	best, bestCount := "", 0
	for hostID, n := range counts {
		if n > bestCount {
			best, bestCount = hostID, n
		}
	}
	if best == "" {
		return lab.AgentID
	}
	return best
}
