// Package plugin is the Docker Network Plugin (spec §4.4): a Docker remote
// network-driver server that provisions veth/OVS interfaces before a
// container's init process starts, rather than after. It serves the
// driver contract over a Unix socket and also exposes a handful of
// operations Docker itself never calls (VXLAN tunnels, hot connect/
// disconnect, management networks, external attachment).
package plugin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/agentstate"
	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/vlan"
)

// Fabric is the subset of pkg/ovs.Fabric the plugin drives; satisfied by
// *ovs.Fabric in production and by a fake in tests.
type Fabric interface {
	EnsureBridge(ctx context.Context, bridge string) error
	MaybeDeleteBridge(ctx context.Context, bridge string) error
	AddPort(ctx context.Context, bridge, portName, vethHost string, tag int) error
	SetPortTag(ctx context.Context, port string, tag int) error
	AddVxlanPort(ctx context.Context, bridge, portName string, vni int, localIP, remoteIP string, dstPort, tag int) error
	DelPort(ctx context.Context, bridge, port string) error
	AttachExternal(ctx context.Context, bridge, iface string, tag int) error
	PortTag(ctx context.Context, port string) (int, error)
	PortToBridge(ctx context.Context, port string) (string, error)
}

// VethFactory creates and destroys veth pairs on the host. Abstracted so
// tests can run without root or a live network namespace.
type VethFactory interface {
	Create(hostName, contName string) error
	Delete(hostName string) error
}

// VNIAllocator is the subset of pkg/vni.Allocator the plugin needs for its
// own VXLAN ports, kept narrow so callers can swap in a fake.
type VNIAllocator interface {
	Allocate(key string) (int, error)
	Release(key string)
}

// NetworkProvisioner creates the Docker bridge network backing a lab's
// management interface. Kept separate from Fabric because it drives the
// Docker Engine API rather than OVS.
type NetworkProvisioner interface {
	CreateBridgeNetwork(ctx context.Context, name, subnet, gateway string, enableNAT bool) (networkID string, err error)
}

// Options configures a Plugin at construction time.
type Options struct {
	Name    string
	Store   *agentstate.Store
	Fabric  Fabric
	Veth    VethFactory
	VNIPool VNIAllocator
	Net     NetworkProvisioner

	VLANStart, VLANEnd int
	VxlanDstPort       int

	MgmtSubnetBase string
	MgmtEnableNAT  bool
}

// Plugin implements the Docker network-driver HTTP contract plus the
// non-Docker-driven operations of spec §4.4. One Plugin instance serves one
// agent; every lab's VLAN allocator is created lazily on first use.
type Plugin struct {
	Name string

	store   *agentstate.Store
	fabric  Fabric
	veth    VethFactory
	vniPool VNIAllocator
	netProv NetworkProvisioner

	vlanStart, vlanEnd int
	dstPort            int

	mgmtSubnetBase string
	mgmtEnableNAT  bool

	mu         sync.Mutex
	vlanAllocs map[string]*vlan.Allocator // lab_id -> allocator

	router *mux.Router
}

// New constructs a Plugin from opts.
func New(opts Options) *Plugin {
	p := &Plugin{
		Name:           opts.Name,
		store:          opts.Store,
		fabric:         opts.Fabric,
		veth:           opts.Veth,
		vniPool:        opts.VNIPool,
		netProv:        opts.Net,
		vlanStart:      opts.VLANStart,
		vlanEnd:        opts.VLANEnd,
		dstPort:        opts.VxlanDstPort,
		mgmtSubnetBase: opts.MgmtSubnetBase,
		mgmtEnableNAT:  opts.MgmtEnableNAT,
		vlanAllocs:     make(map[string]*vlan.Allocator),
	}
	p.router = p.newRouter()
	return p
}

// Router returns the plugin's HTTP handler for use in tests or an
// alternative listener.
func (p *Plugin) Router() http.Handler {
	return p.router
}

func (p *Plugin) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/Plugin.Activate", handler(p, handlerActivate))
	r.HandleFunc("/NetworkDriver.GetCapabilities", handler(p, handlerGetCapabilities))
	r.HandleFunc("/NetworkDriver.CreateNetwork", handler(p, handlerCreateNetwork))
	r.HandleFunc("/NetworkDriver.DeleteNetwork", handler(p, handlerDeleteNetwork))
	r.HandleFunc("/NetworkDriver.CreateEndpoint", handler(p, handlerCreateEndpoint))
	r.HandleFunc("/NetworkDriver.DeleteEndpoint", handler(p, handlerDeleteEndpoint))
	r.HandleFunc("/NetworkDriver.Join", handler(p, handlerJoin))
	r.HandleFunc("/NetworkDriver.Leave", handler(p, handlerLeave))
	r.HandleFunc("/NetworkDriver.EndpointOperInfo", handler(p, handlerEndpointOperInfo))
	r.HandleFunc("/NetworkDriver.AllocateNetwork", handler(p, handlerAllocateNetwork))
	r.HandleFunc("/NetworkDriver.FreeNetwork", handler(p, handlerFreeNetwork))

	r.HandleFunc("/ovlab/CreateVxlanTunnel", handler(p, handlerCreateVxlanTunnel))
	r.HandleFunc("/ovlab/HotConnect", handler(p, handlerHotConnect))
	r.HandleFunc("/ovlab/HotDisconnect", handler(p, handlerHotDisconnect))
	r.HandleFunc("/ovlab/CreateManagementNetwork", handler(p, handlerCreateManagementNetwork))
	r.HandleFunc("/ovlab/AttachExternal", handler(p, handlerAttachExternal))
	r.HandleFunc("/ovlab/ConnectToExternal", handler(p, handlerConnectToExternal))
	r.HandleFunc("/ovlab/SetEndpointContainerName", handler(p, handlerSetEndpointContainerName))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := getBody(req)
		writeError(w, fmt.Sprintf("unhandled plugin request %s %s", req.URL.Path, string(body)))
	})
	return r
}

// VLANAllocator exposes vlanAllocator for callers outside the package that
// need to share this plugin's per-lab VLAN space, e.g. pkg/linkmgr's hot
// connect/disconnect retagging the same bridge ports this plugin created.
func (p *Plugin) VLANAllocator(labID string) (*vlan.Allocator, error) {
	return p.vlanAllocator(labID)
}

// vlanAllocator returns (creating if necessary) the VLAN allocator for a
// lab's bridge. Every endpoint on a lab shares one allocator, per spec §4.1.
func (p *Plugin) vlanAllocator(labID string) (*vlan.Allocator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.vlanAllocs[labID]; ok {
		return a, nil
	}
	a, err := vlan.NewAllocator(p.vlanStart, p.vlanEnd)
	if err != nil {
		return nil, err
	}
	p.vlanAllocs[labID] = a
	return a, nil
}

// Serve listens on a Unix socket at socketPath (mode 0755) and writes the
// companion spec file Docker discovers plugins through, per spec §6.3. It
// blocks until ctx is cancelled.
func (p *Plugin) Serve(ctx context.Context, socketPath, specPath string) error {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale plugin socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating plugin socket directory: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on plugin socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0755); err != nil {
		listener.Close()
		return fmt.Errorf("chmod plugin socket: %w", err)
	}

	if specPath != "" {
		if err := os.MkdirAll(filepath.Dir(specPath), 0755); err != nil {
			listener.Close()
			return fmt.Errorf("creating plugin spec directory: %w", err)
		}
		content := fmt.Sprintf("unix://%s\n", socketPath)
		if err := os.WriteFile(specPath, []byte(content), 0644); err != nil {
			listener.Close()
			return fmt.Errorf("writing plugin spec file: %w", err)
		}
	}

	srv := &http.Server{Handler: p.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		util.WithField("socket", socketPath).Info("plugin shutting down")
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
