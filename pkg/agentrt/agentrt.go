// Package agentrt is the Agent Runtime (spec §4.9): the HTTP server exposing
// the controller-facing job/status/overlay/link/console/lock contract,
// built around the same progress-reporting and parallel-work idioms as the
// original lab orchestrator, wrapped in a gorilla/mux server the way
// pkg/plugin wraps the Docker network-driver contract.
package agentrt

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/linkmgr"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/overlay"
	"github.com/ovlab/ovlab/pkg/provider"
	"github.com/ovlab/ovlab/pkg/util"
	"github.com/ovlab/ovlab/pkg/vni"
)

// Options configures an Agent at construction time.
type Options struct {
	AgentID   string
	Name      string
	Address   string // base URL (http://host:port) this agent is reachable at, sent on registration
	Version   string
	IsLocal   bool

	ControllerURL     string
	RegistrationToken string

	Capabilities Capabilities

	Provider provider.Provider
	Links    *linkmgr.Manager
	Overlay  *overlay.Manager
	VNIPool  *vni.Allocator
	Locks    *lock.Manager
	Callback *callback.Client

	LockTTL            time.Duration
	LockAcquireTimeout time.Duration
	LockExtendInterval time.Duration

	HTTPClient *http.Client // used for registration/heartbeat POSTs to the controller
}

// Agent serves the agent contract over HTTP. It deliberately keeps no
// durable lab bookkeeping of its own: deploy state lives in Docker labels
// (pkg/provider.ResolveNodes/DiscoverLabs), so a restarted agent recovers
// without needing to reconstruct anything from disk.
type Agent struct {
	id, name, address, version string
	isLocal                    bool
	startedAt                  time.Time
	capabilities               Capabilities

	controllerURL     string
	registrationToken string
	httpClient        *http.Client

	provider provider.Provider
	links    *linkmgr.Manager
	overlay  *overlay.Manager
	vniPool  *vni.Allocator
	locks    *lock.Manager
	cb       *callback.Client

	lockTTL            time.Duration
	lockAcquireTimeout time.Duration
	lockExtendInterval time.Duration

	mu         sync.Mutex
	registered bool

	overlayMu sync.Mutex
	tunnels   map[string]*overlayTunnel

	linkMu       sync.Mutex
	linkRegistry map[string]*linkState

	router *mux.Router
}

// New constructs an Agent from opts.
func New(opts Options) *Agent {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	a := &Agent{
		id:                 opts.AgentID,
		name:               opts.Name,
		address:            opts.Address,
		version:            opts.Version,
		isLocal:            opts.IsLocal,
		startedAt:          now(),
		capabilities:       opts.Capabilities,
		controllerURL:      opts.ControllerURL,
		registrationToken:  opts.RegistrationToken,
		httpClient:         httpClient,
		provider:           opts.Provider,
		links:              opts.Links,
		overlay:            opts.Overlay,
		vniPool:            opts.VNIPool,
		locks:              opts.Locks,
		cb:                 opts.Callback,
		lockTTL:            opts.LockTTL,
		lockAcquireTimeout: opts.LockAcquireTimeout,
		lockExtendInterval: opts.LockExtendInterval,
		tunnels:            make(map[string]*overlayTunnel),
		linkRegistry:       make(map[string]*linkState),
	}
	a.router = a.newRouter()
	return a
}

var now = time.Now

// Router returns the agent's HTTP handler, for use in tests or an
// alternative listener.
func (a *Agent) Router() http.Handler {
	return a.router
}

func (a *Agent) newRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/jobs/deploy", a.handleDeploy).Methods(http.MethodPost)
	r.HandleFunc("/jobs/destroy", a.handleDestroy).Methods(http.MethodPost)
	r.HandleFunc("/jobs/node-action", a.handleNodeAction).Methods(http.MethodPost)

	r.HandleFunc("/labs/status", a.handleLabsStatus).Methods(http.MethodPost)
	r.HandleFunc("/discover-labs", a.handleDiscoverLabs).Methods(http.MethodGet)
	r.HandleFunc("/cleanup-orphans", a.handleCleanupOrphans).Methods(http.MethodPost)

	r.HandleFunc("/overlay/tunnel", a.handleOverlayTunnel).Methods(http.MethodPost)
	r.HandleFunc("/overlay/attach", a.handleOverlayAttach).Methods(http.MethodPost)
	r.HandleFunc("/overlay/cleanup", a.handleOverlayCleanup).Methods(http.MethodPost)
	r.HandleFunc("/overlay/status", a.handleOverlayStatus).Methods(http.MethodGet)

	r.HandleFunc("/links", a.handleCreateLink).Methods(http.MethodPost)
	r.HandleFunc("/links/{id}", a.handleDeleteLink).Methods(http.MethodDelete)
	r.HandleFunc("/links", a.handleListLinks).Methods(http.MethodGet)

	r.HandleFunc("/console/{lab_id}/{node}", a.handleConsole)

	r.HandleFunc("/locks/status", a.handleLocksStatus).Methods(http.MethodGet)
	r.HandleFunc("/locks/{lab_id}/release", a.handleLockRelease).Methods(http.MethodPost)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/info", a.handleInfo).Methods(http.MethodGet)

	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (a *Agent) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.info())
}

func (a *Agent) info() AgentInfo {
	return AgentInfo{
		AgentID:      a.id,
		Name:         a.name,
		Address:      a.address,
		Capabilities: a.capabilities,
		Version:      a.version,
		StartedAt:    a.startedAt,
		IsLocal:      a.isLocal,
	}
}

// Serve listens on addr and blocks until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: a.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		util.WithField("address", addr).Info("agent runtime shutting down")
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// containerName derives the Docker container name CreateNode used, so
// handlers can address a node without re-resolving it through
// ResolveNodes/DiscoverLabs.
func containerName(labID, nodeName string) string {
	return labID + "-" + nodeName
}
