package linkmgr

import (
	"context"
	"testing"

	"github.com/ovlab/ovlab/pkg/vlan"
)

type fakeFabric struct {
	tags    map[string]int
	bridges map[string]string // port -> bridge
}

func (f *fakeFabric) PortTag(ctx context.Context, port string) (int, error) {
	return f.tags[port], nil
}

func (f *fakeFabric) PortToBridge(ctx context.Context, port string) (string, error) {
	return f.bridges[port], nil
}

func (f *fakeFabric) SetPortTag(ctx context.Context, port string, tag int) error {
	f.tags[port] = tag
	return nil
}

type fakeResolver struct {
	ports map[string]string // "node:iface" -> host veth
}

func (r *fakeResolver) HostVeth(ctx context.Context, node, iface string) (string, error) {
	port, ok := r.ports[node+":"+iface]
	if !ok {
		return "", errNotFound
	}
	return port, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "no such interface" }

func TestConnect_RetagsBToA(t *testing.T) {
	fabric := &fakeFabric{
		tags:    map[string]int{"vh-a": 150},
		bridges: map[string]string{"vh-a": "ovs-lab1", "vh-b": "ovs-lab1"},
	}
	resolver := &fakeResolver{ports: map[string]string{"r1:eth1": "vh-a", "r2:eth1": "vh-b"}}
	allocator, _ := vlan.NewAllocator(100, 200)

	m := New(fabric, resolver, func(labID string) (*vlan.Allocator, error) { return allocator, nil })

	if err := m.Connect(context.Background(), "lab1", "r1:eth1", "r2:eth1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if fabric.tags["vh-b"] != 150 {
		t.Errorf("vh-b tag = %d, want 150", fabric.tags["vh-b"])
	}
}

func TestConnect_CrossBridgeFails(t *testing.T) {
	fabric := &fakeFabric{
		tags:    map[string]int{"vh-a": 150},
		bridges: map[string]string{"vh-a": "ovs-lab1", "vh-b": "ovs-lab2"},
	}
	resolver := &fakeResolver{ports: map[string]string{"r1:eth1": "vh-a", "r2:eth1": "vh-b"}}
	allocator, _ := vlan.NewAllocator(100, 200)
	m := New(fabric, resolver, func(labID string) (*vlan.Allocator, error) { return allocator, nil })

	err := m.Connect(context.Background(), "lab1", "r1:eth1", "r2:eth1")
	if err == nil {
		t.Fatal("Connect() across bridges succeeded, want CrossBridgeLinkError")
	}
}

func TestDisconnect_AllocatesFreshTagForB(t *testing.T) {
	fabric := &fakeFabric{
		tags:    map[string]int{"vh-a": 150, "vh-b": 150},
		bridges: map[string]string{"vh-a": "ovs-lab1", "vh-b": "ovs-lab1"},
	}
	resolver := &fakeResolver{ports: map[string]string{"r1:eth1": "vh-a", "r2:eth1": "vh-b"}}
	allocator, _ := vlan.NewAllocator(100, 200)
	m := New(fabric, resolver, func(labID string) (*vlan.Allocator, error) { return allocator, nil })

	if err := m.Disconnect(context.Background(), "lab1", "r1:eth1", "r2:eth1"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if fabric.tags["vh-b"] == 150 {
		t.Error("vh-b tag unchanged after Disconnect, want a fresh tag")
	}
	if fabric.tags["vh-a"] != 150 {
		t.Error("vh-a tag changed by Disconnect, want untouched")
	}
}

func TestSplitEndpoint(t *testing.T) {
	node, iface, err := SplitEndpoint("r1:eth1")
	if err != nil || node != "r1" || iface != "eth1" {
		t.Errorf("SplitEndpoint() = %q, %q, %v", node, iface, err)
	}
	if _, _, err := SplitEndpoint("bad-format"); err == nil {
		t.Error("SplitEndpoint() accepted a string with no colon")
	}
}
