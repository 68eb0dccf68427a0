package spec

import "fmt"

// CrossHostLink describes a link whose two endpoints were placed on
// different hosts; the Multi-host Orchestrator (pkg/orchestrator) hands
// these to the Overlay Manager after both sides deploy successfully.
type CrossHostLink struct {
	LinkID  string
	NodeA   string
	IfaceA  string
	HostA   string
	IPA     string
	NodeB   string
	IfaceB  string
	HostB   string
	IPB     string
}

// SplitByHost partitions a topology into one sub-topology per host given a
// node -> host assignment, plus the list of links whose endpoints landed on
// different hosts. Each sub-topology contains only the nodes assigned to
// that host and only the links fully contained within it; cross-host link
// endpoints are not included in either side's sub-topology, matching the
// orchestrator's "local side only" rendering rule (spec §4.13 step 4).
func SplitByHost(topo *Topology, hostOf map[string]string) (map[string]*Topology, []CrossHostLink, error) {
	subs := make(map[string]*Topology)
	ensureSub := func(host string) *Topology {
		if sub, ok := subs[host]; ok {
			return sub
		}
		sub := &Topology{
			Name:     fmt.Sprintf("%s-%s", topo.Name, host),
			Defaults: topo.Defaults,
			Nodes:    make(map[string]NodeDef),
		}
		subs[host] = sub
		return sub
	}

	for name, node := range topo.Nodes {
		host, ok := hostOf[name]
		if !ok {
			return nil, nil, fmt.Errorf("node %q has no host assignment", name)
		}
		ensureSub(host).Nodes[name] = node
	}

	var crossHost []CrossHostLink
	for _, link := range topo.Links {
		if len(link.Endpoints) != 2 {
			continue
		}
		nodeA, ifaceA, _ := SplitEndpoint(link.Endpoints[0])
		nodeB, ifaceB, _ := SplitEndpoint(link.Endpoints[1])
		hostA, hostB := hostOf[nodeA], hostOf[nodeB]

		if hostA == hostB {
			ensureSub(hostA).Links = append(ensureSub(hostA).Links, link)
			continue
		}

		ipA, ipB := "", ""
		if link.Config != nil {
			if v, ok := link.Config["ip_a"].(string); ok {
				ipA = v
			}
			if v, ok := link.Config["ip_b"].(string); ok {
				ipB = v
			}
		}
		crossHost = append(crossHost, CrossHostLink{
			LinkID: fmt.Sprintf("%s:%s--%s:%s", nodeA, ifaceA, nodeB, ifaceB),
			NodeA:  nodeA, IfaceA: ifaceA, HostA: hostA, IPA: ipA,
			NodeB: nodeB, IfaceB: ifaceB, HostB: hostB, IPB: ipB,
		})
	}

	return subs, crossHost, nil
}
