package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ovlab/ovlab/pkg/util"
)

// Load reads and validates a topology YAML file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	return Parse(data)
}

// Parse validates and unmarshals topology YAML bytes.
func Parse(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parsing topology YAML: %w", err)
	}
	if err := Validate(&topo); err != nil {
		return nil, err
	}
	for name, node := range topo.Nodes {
		if node.DisplayName == "" {
			node.DisplayName = name
			topo.Nodes[name] = node
		}
	}
	return &topo, nil
}

// Validate checks a topology for the structural requirements SPEC_FULL.md's
// ConfigError class exists to reject (§7): missing fields, dangling link
// endpoints, and unresolvable images.
func Validate(topo *Topology) error {
	v := &util.ValidationBuilder{}
	v.Add(topo.Name != "", "topology name is required")
	v.Add(len(topo.Nodes) > 0, "topology must declare at least one node")

	for name, node := range topo.Nodes {
		image := node.Image
		if image == "" {
			image = topo.Defaults.Image
		}
		v.Add(image != "", fmt.Sprintf("node %q has no image and no default image is set", name))
	}

	for i, link := range topo.Links {
		v.Add(len(link.Endpoints) == 2, fmt.Sprintf("link %d must have exactly 2 endpoints, got %d", i, len(link.Endpoints)))
		for _, ep := range link.Endpoints {
			node, iface, ok := SplitEndpoint(ep)
			if !ok {
				v.AddErrorf("link %d: endpoint %q must be of the form node:iface", i, ep)
				continue
			}
			if _, exists := topo.Nodes[node]; !exists {
				v.AddErrorf("link %d: endpoint %q references unknown node %q", i, ep, node)
			}
			v.Add(iface != "", fmt.Sprintf("link %d: endpoint %q has an empty interface name", i, ep))
		}
	}

	return v.Build()
}

// RequiredImages returns the distinct (node, image) pairs the topology
// needs, used by the Container Provider's pre-deploy image validation (§4.6).
func RequiredImages(topo *Topology) map[string]string {
	result := make(map[string]string, len(topo.Nodes))
	for name, node := range topo.Nodes {
		image := node.Image
		if image == "" {
			image = topo.Defaults.Image
		}
		result[name] = image
	}
	return result
}
