package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// NodeStatus is one container's observed runtime state, returned by
// LabStatus (spec §6.1 POST /labs/status).
type NodeStatus struct {
	NodeName      string `json:"node_name"`
	ContainerName string `json:"container_name"`
	ContainerID   string `json:"container_id"`
	State         string `json:"state"`
	Health        string `json:"health,omitempty"`
}

// DiscoverLabs lists every container carrying the lab-id label and groups
// their node names by lab_id (spec §6.1 GET /discover-labs), so the agent
// can report what's actually running regardless of what the controller
// thinks it asked for.
func (p *DockerProvider) DiscoverLabs(ctx context.Context) (map[string][]string, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: LabelFilter(labLabel, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("listing lab containers: %w", err)
	}

	labs := make(map[string][]string)
	for _, c := range containers {
		labID := c.Labels[labLabel]
		node := c.Labels[nodeNameLabel]
		if labID == "" || node == "" {
			continue
		}
		labs[labID] = append(labs[labID], node)
	}
	for labID := range labs {
		sort.Strings(labs[labID])
	}
	return labs, nil
}

// LabStatus reports the current Docker state of every container labelled
// with labID.
func (p *DockerProvider) LabStatus(ctx context.Context, labID string) ([]NodeStatus, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: LabelFilter(labLabel, labID),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers for lab %s: %w", labID, err)
	}

	statuses := make([]NodeStatus, 0, len(containers))
	for _, c := range containers {
		name := c.Labels[nodeNameLabel]
		containerName := ""
		if len(c.Names) > 0 {
			containerName = c.Names[0]
		}
		statuses = append(statuses, NodeStatus{
			NodeName:      name,
			ContainerName: containerName,
			ContainerID:   c.ID,
			State:         c.State,
		})
	}
	return statuses, nil
}

// ResolveNodes rebuilds the NodeHandle list for labID directly from Docker
// labels, so destroy/node-action can operate correctly even after an agent
// restart wiped any in-memory deploy bookkeeping.
func (p *DockerProvider) ResolveNodes(ctx context.Context, labID string) ([]NodeHandle, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: LabelFilter(labLabel, labID),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers for lab %s: %w", labID, err)
	}

	handles := make([]NodeHandle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, NodeHandle{
			NodeName:      c.Labels[nodeNameLabel],
			ContainerID:   c.ID,
			ContainerName: name,
			Kind:          c.Labels[kindLabel],
		})
	}
	return handles, nil
}

// CleanupStale removes any container labelled for labID left over from a
// prior, incomplete deploy attempt (an agent crash between create and
// start), so CreateNode never fails on Docker's "name already in use".
// Called once per lab before creating any of its nodes. Running containers
// are left alone; only exited/dead/still-created ones are swept.
func (p *DockerProvider) CleanupStale(ctx context.Context, labID string) error {
	f := LabelFilter(labLabel, labID)
	for _, status := range []string{"exited", "dead", "created"} {
		f.Add("status", status)
	}
	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("listing stale containers for lab %s: %w", labID, err)
	}
	for _, c := range containers {
		if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("removing stale container %s: %w", c.ID, err)
		}
	}
	return nil
}

// CleanupOrphans removes every lab-labelled container whose lab_id is not
// in validLabIDs, along with that lab's interface networks and volumes
// (spec §6.1 POST /cleanup-orphans). Returns the container names removed.
func (p *DockerProvider) CleanupOrphans(ctx context.Context, validLabIDs map[string]bool) ([]string, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: LabelFilter(labLabel, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("listing lab containers: %w", err)
	}

	orphanLabs := make(map[string]bool)
	var removed []string
	for _, c := range containers {
		labID := c.Labels[labLabel]
		if labID == "" || validLabIDs[labID] {
			continue
		}
		orphanLabs[labID] = true
		if err := p.client.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
			return removed, fmt.Errorf("stopping orphan container %s: %w", c.ID, err)
		}
		if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return removed, fmt.Errorf("removing orphan container %s: %w", c.ID, err)
		}
		if len(c.Names) > 0 {
			removed = append(removed, c.Names[0])
		}
	}

	for labID := range orphanLabs {
		if err := p.removeLabNetworks(ctx, labID); err != nil {
			return removed, err
		}
		if err := p.sweepLabVolumes(ctx, labID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
