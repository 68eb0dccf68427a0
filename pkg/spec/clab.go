package spec

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ClabTopology mirrors the containerlab topology YAML structure, used to
// render a sub-topology for delivery to an agent in a DeployRequest (§6.4).
type ClabTopology struct {
	Name     string       `yaml:"name"`
	Topology ClabTopoSpec `yaml:"topology"`
}

// ClabTopoSpec contains the nodes and links sections.
type ClabTopoSpec struct {
	Nodes map[string]*ClabNode `yaml:"nodes"`
	Links []ClabLink           `yaml:"links"`
}

// ClabNode defines a single containerlab-format node.
type ClabNode struct {
	Kind  string            `yaml:"kind"`
	Image string            `yaml:"image"`
	Cmd   string            `yaml:"cmd,omitempty"`
	Binds []string          `yaml:"binds,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
}

// ClabLink defines a containerlab-format link.
type ClabLink struct {
	Endpoints []string `yaml:"endpoints"`
}

// RenderContainerlab converts a topology into containerlab-format YAML
// bytes, the wire format DeployRequest.topology_yaml carries to agents.
func RenderContainerlab(topo *Topology) ([]byte, error) {
	clab := ClabTopology{
		Name: topo.Name,
		Topology: ClabTopoSpec{
			Nodes: make(map[string]*ClabNode, len(topo.Nodes)),
		},
	}

	names := make([]string, 0, len(topo.Nodes))
	for name := range topo.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := topo.Nodes[name]
		image := node.Image
		if image == "" {
			image = topo.Defaults.Image
		}
		kind := node.Kind
		if kind == "" {
			kind = topo.Defaults.Kind
		}
		if kind == "" {
			kind = "linux"
		}
		clab.Topology.Nodes[name] = &ClabNode{
			Kind:  kind,
			Image: image,
			Cmd:   node.Cmd,
			Binds: node.Binds,
			Env:   node.Env,
		}
	}

	for _, link := range topo.Links {
		if len(link.Endpoints) != 2 {
			continue
		}
		clab.Topology.Links = append(clab.Topology.Links, ClabLink{
			Endpoints: []string{link.Endpoints[0], link.Endpoints[1]},
		})
	}

	data, err := yaml.Marshal(&clab)
	if err != nil {
		return nil, fmt.Errorf("marshalling containerlab topology: %w", err)
	}
	return data, nil
}

// ParseContainerlab reverses RenderContainerlab, used by an agent receiving
// a DeployRequest.topology_yaml to recover the node/link structure it needs
// to hand the Container Provider.
func ParseContainerlab(data []byte) (*ClabTopology, error) {
	var clab ClabTopology
	if err := yaml.Unmarshal(data, &clab); err != nil {
		return nil, fmt.Errorf("parsing containerlab topology: %w", err)
	}
	return &clab, nil
}
