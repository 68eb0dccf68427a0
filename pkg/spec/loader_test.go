package spec

import "testing"

const sampleTopology = `
name: two-node
defaults:
  image: alpine:3
nodes:
  r1:
    kind: linux
  r2:
    kind: linux
links:
  - endpoints: ["r1:eth1", "r2:eth1"]
`

func TestParse(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if topo.Name != "two-node" {
		t.Errorf("Name = %q, want %q", topo.Name, "two-node")
	}
	if len(topo.Nodes) != 2 {
		t.Errorf("len(Nodes) = %d, want 2", len(topo.Nodes))
	}
	if topo.Nodes["r1"].DisplayName != "r1" {
		t.Errorf("DisplayName defaulted to %q, want %q", topo.Nodes["r1"].DisplayName, "r1")
	}
}

func TestParse_MissingImage(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
nodes:
  r1:
    kind: linux
`))
	if err == nil {
		t.Fatal("expected validation error for missing image, got nil")
	}
}

func TestParse_DanglingLinkEndpoint(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
defaults:
  image: alpine:3
nodes:
  r1:
    kind: linux
links:
  - endpoints: ["r1:eth1", "ghost:eth1"]
`))
	if err == nil {
		t.Fatal("expected validation error for dangling link endpoint, got nil")
	}
}

func TestRequiredImages(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	images := RequiredImages(topo)
	if images["r1"] != "alpine:3" {
		t.Errorf("images[r1] = %q, want %q", images["r1"], "alpine:3")
	}
}

func TestSplitByHost(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	subs, crossHost, err := SplitByHost(topo, map[string]string{"r1": "hostA", "r2": "hostB"})
	if err != nil {
		t.Fatalf("SplitByHost() error = %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if len(subs["hostA"].Nodes) != 1 || len(subs["hostA"].Links) != 0 {
		t.Errorf("hostA sub-topology should have 1 node and no local links, got %d nodes %d links",
			len(subs["hostA"].Nodes), len(subs["hostA"].Links))
	}
	if len(crossHost) != 1 {
		t.Fatalf("len(crossHost) = %d, want 1", len(crossHost))
	}
	if crossHost[0].HostA != "hostA" || crossHost[0].HostB != "hostB" {
		t.Errorf("crossHost[0] hosts = (%s, %s), want (hostA, hostB)", crossHost[0].HostA, crossHost[0].HostB)
	}
}

func TestRenderContainerlab(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	data, err := RenderContainerlab(topo)
	if err != nil {
		t.Fatalf("RenderContainerlab() error = %v", err)
	}
	clab, err := ParseContainerlab(data)
	if err != nil {
		t.Fatalf("ParseContainerlab() error = %v", err)
	}
	if clab.Name != "two-node" {
		t.Errorf("clab.Name = %q, want %q", clab.Name, "two-node")
	}
	if len(clab.Topology.Nodes) != 2 {
		t.Errorf("len(clab.Topology.Nodes) = %d, want 2", len(clab.Topology.Nodes))
	}
	if len(clab.Topology.Links) != 1 {
		t.Errorf("len(clab.Topology.Links) = %d, want 1", len(clab.Topology.Links))
	}
}
