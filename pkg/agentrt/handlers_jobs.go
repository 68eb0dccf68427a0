package agentrt

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ovlab/ovlab/pkg/provider"
	"github.com/ovlab/ovlab/pkg/spec"
	"github.com/ovlab/ovlab/pkg/util"
)

func (a *Agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.runJob(w, r, req.JobID, req.LabID, req.CallbackURL, func(ctx context.Context) (string, string, error) {
		return a.runDeploy(ctx, req.LabID, req.TopologyYAML)
	})
}

func (a *Agent) runDeploy(ctx context.Context, labID, topologyYAML string) (stdout, stderr string, err error) {
	topo, err := spec.Parse([]byte(topologyYAML))
	if err != nil {
		return "", "", fmt.Errorf("parsing topology: %w", err)
	}

	required := spec.RequiredImages(topo)
	images := make([]string, 0, len(required))
	for _, img := range required {
		images = append(images, img)
	}
	missing, err := a.provider.ValidateImages(ctx, images)
	if err != nil {
		return "", "", fmt.Errorf("validating images: %w", err)
	}
	if len(missing) > 0 {
		missingSet := make(map[string]bool, len(missing))
		for _, img := range missing {
			missingSet[img] = true
		}
		var pairs []util.MissingImage
		for node, img := range required {
			if missingSet[img] {
				pairs = append(pairs, util.MissingImage{NodeName: node, Image: img})
			}
		}
		return "", "", util.NewMissingImagesError(pairs)
	}

	if err := a.provider.CleanupStale(ctx, labID); err != nil {
		return "", "", fmt.Errorf("cleaning up stale containers: %w", err)
	}

	ifaceNets, err := a.provider.EnsureInterfaceNetworks(ctx, labID, topo)
	if err != nil {
		return "", "", fmt.Errorf("provisioning interface networks: %w", err)
	}

	var created []string
	var handles []provider.NodeHandle
	for nodeName, node := range topo.Nodes {
		containerID, err := a.provider.CreateNode(ctx, labID, nodeName, node, ifaceNets)
		if err != nil {
			return strings.Join(created, "\n"), "", fmt.Errorf("creating node %s: %w", nodeName, err)
		}
		created = append(created, fmt.Sprintf("created %s (%s)", nodeName, containerID))
		handles = append(handles, provider.NodeHandle{
			NodeName:      nodeName,
			ContainerID:   containerID,
			ContainerName: containerName(labID, nodeName),
			Kind:          node.Kind,
		})
	}

	a.provider.StartNodes(ctx, handles)

	return strings.Join(created, "\n"), "", nil
}

func (a *Agent) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.runJob(w, r, req.JobID, req.LabID, req.CallbackURL, func(ctx context.Context) (string, string, error) {
		return a.runDestroy(ctx, req.LabID)
	})
}

func (a *Agent) runDestroy(ctx context.Context, labID string) (stdout, stderr string, err error) {
	handles, err := a.provider.ResolveNodes(ctx, labID)
	if err != nil {
		return "", "", fmt.Errorf("resolving nodes for lab %s: %w", labID, err)
	}
	errs := a.provider.DestroyLab(ctx, labID, handles)
	if len(errs) == 0 {
		return fmt.Sprintf("destroyed %d nodes", len(handles)), "", nil
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return "", strings.Join(msgs, "\n"), fmt.Errorf("destroy completed with %d error(s)", len(errs))
}

func (a *Agent) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	var req NodeActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.runJob(w, r, req.JobID, req.LabID, req.CallbackURL, func(ctx context.Context) (string, string, error) {
		return a.runNodeAction(ctx, req.LabID, req.NodeName, req.Action)
	})
}

func (a *Agent) runNodeAction(ctx context.Context, labID, nodeName, action string) (stdout, stderr string, err error) {
	handles, err := a.provider.ResolveNodes(ctx, labID)
	if err != nil {
		return "", "", fmt.Errorf("resolving nodes for lab %s: %w", labID, err)
	}
	var containerID string
	for _, h := range handles {
		if h.NodeName == nodeName {
			containerID = h.ContainerID
			break
		}
	}
	if containerID == "" {
		return "", "", fmt.Errorf("node %s not found in lab %s", nodeName, labID)
	}

	switch action {
	case "start":
		if err := a.provider.StartNode(ctx, containerID); err != nil {
			return "", "", err
		}
	case "stop":
		if err := a.provider.StopNode(ctx, containerID); err != nil {
			return "", "", err
		}
	default:
		return "", "", fmt.Errorf("unknown node action %q", action)
	}
	return fmt.Sprintf("%s %s", action, nodeName), "", nil
}
