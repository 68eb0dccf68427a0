package controllersvc

import (
	"net/http"
	"time"

	"github.com/ovlab/ovlab/pkg/orchestrator"
	"github.com/ovlab/ovlab/pkg/store"
)

// NewOrchestrator wires an orchestrator.Orchestrator against a live agent
// fleet: host resolution and lab persistence go through st, and
// DeployToAgent/DestroyOnAgent/CreateTunnel/DestroyTunnel go out over HTTP
// to each agent's pkg/agentrt surface. A nil httpClient defaults to
// http.DefaultClient.
func NewOrchestrator(st *store.Store, httpClient *http.Client, deployTimeout time.Duration) *orchestrator.Orchestrator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return orchestrator.New(
		&storeHostResolver{store: st},
		&agentDeployer{http: httpClient, timeout: deployTimeout},
		&agentTunnelRequester{http: httpClient},
		st,
	)
}
