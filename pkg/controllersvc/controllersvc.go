// Package controllersvc is the controller process's HTTP surface: the
// agent->controller contract of spec §6.2 (registration, heartbeat, job
// callbacks) plus the admin-facing slice of §6.1 needed to drive the
// Multi-host Orchestrator (lab deploy/destroy triggers, lab/agent/job
// status, lock administration). The full end-user REST API - auth,
// sessions, topology editors - is a separate concern this package doesn't
// implement; its clients are ovlabctl and the agents (registration,
// heartbeats, job callbacks).
package controllersvc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ovlab/ovlab/pkg/callback"
	"github.com/ovlab/ovlab/pkg/lock"
	"github.com/ovlab/ovlab/pkg/orchestrator"
	"github.com/ovlab/ovlab/pkg/store"
	"github.com/ovlab/ovlab/pkg/util"
)

// Options configures a Controller at construction time.
type Options struct {
	Store        *store.Store
	Locks        *lock.Manager
	Orchestrator *orchestrator.Orchestrator

	HTTPClient    *http.Client
	DeployTimeout time.Duration

	DeadLetterTTL time.Duration

	// JobRetention is how long a terminal (completed/failed) Job record is
	// kept before pruneJobsLoop deletes it. Defaults to 24h.
	JobRetention time.Duration
	// JobPruneInterval is how often pruneJobsLoop sweeps. Defaults to 1h.
	JobPruneInterval time.Duration
}

// Controller serves the controller process's HTTP API.
type Controller struct {
	store        *store.Store
	locks        *lock.Manager
	orchestrator *orchestrator.Orchestrator

	httpClient    *http.Client
	deployTimeout time.Duration

	deadLetterMu  sync.Mutex
	deadLetterTTL time.Duration
	deadLetters   map[string]deadLetterEntry

	jobRetention     time.Duration
	jobPruneInterval time.Duration

	router *mux.Router
}

const (
	defaultJobRetention     = 24 * time.Hour
	defaultJobPruneInterval = time.Hour
)

// deadLetterEntry is a retained, undeliverable job callback, recorded when
// an agent exhausts every retry attempt (spec §4.10).
type deadLetterEntry struct {
	Payload   callback.Payload
	ExpiresAt time.Time
}

// New constructs a Controller and builds its router.
func New(opts Options) *Controller {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	deadLetterTTL := opts.DeadLetterTTL
	if deadLetterTTL == 0 {
		deadLetterTTL = callback.DeadLetterTTL
	}
	jobRetention := opts.JobRetention
	if jobRetention == 0 {
		jobRetention = defaultJobRetention
	}
	jobPruneInterval := opts.JobPruneInterval
	if jobPruneInterval == 0 {
		jobPruneInterval = defaultJobPruneInterval
	}

	c := &Controller{
		store:            opts.Store,
		locks:            opts.Locks,
		orchestrator:     opts.Orchestrator,
		httpClient:       httpClient,
		deployTimeout:    opts.DeployTimeout,
		deadLetterTTL:    deadLetterTTL,
		deadLetters:      make(map[string]deadLetterEntry),
		jobRetention:     jobRetention,
		jobPruneInterval: jobPruneInterval,
	}
	c.router = c.newRouter()
	return c
}

// Router exposes the controller's HTTP handler, e.g. for httptest.
func (c *Controller) Router() http.Handler {
	return c.router
}

func (c *Controller) newRouter() *mux.Router {
	r := mux.NewRouter()

	// §6.2 agent -> controller.
	r.HandleFunc("/agents/register", c.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/heartbeat", c.handleAgentHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/job/{job_id}", c.handleJobCallback).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/job/{job_id}/heartbeat", c.handleJobHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/dead-letter/{job_id}", c.handleDeadLetter).Methods(http.MethodPost)

	// admin-facing subset of §6.1.
	r.HandleFunc("/labs", c.handleListLabs).Methods(http.MethodGet)
	r.HandleFunc("/labs/{lab_id}", c.handleGetLab).Methods(http.MethodGet)
	r.HandleFunc("/labs/{lab_id}/deploy", c.handleDeployLab).Methods(http.MethodPost)
	r.HandleFunc("/labs/{lab_id}/destroy", c.handleDestroyLab).Methods(http.MethodPost)
	r.HandleFunc("/agents", c.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{job_id}", c.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/locks/status", c.handleLocksStatus).Methods(http.MethodGet)
	r.HandleFunc("/locks/{lab_id}/release", c.handleLockRelease).Methods(http.MethodPost)
	r.HandleFunc("/dead-letters", c.handleListDeadLetters).Methods(http.MethodGet)

	r.HandleFunc("/health", c.handleHealth).Methods(http.MethodGet)
	return r
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Serve blocks serving addr until ctx is cancelled, mirroring the agent
// runtime's listen/serve/shutdown shape.
func (c *Controller) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: c.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	go c.pruneJobsLoop(ctx)

	select {
	case <-ctx.Done():
		util.WithField("address", addr).Info("controller shutting down")
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// pruneJobsLoop periodically deletes terminal Job records older than
// jobRetention, mirroring the agent runtime's heartbeat-ticker shape (spec
// §3.4's job retention sweep).
func (c *Controller) pruneJobsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.jobPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.PruneJobs(c.jobRetention)
			if err != nil {
				util.Logger.Warn("pruning terminal jobs: " + err.Error())
				continue
			}
			if n > 0 {
				util.WithField("count", n).Info("pruned terminal job records")
			}
		}
	}
}
