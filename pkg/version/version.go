package version

import "fmt"

// Version, GitCommit and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/ovlab/ovlab/pkg/version.Version=v1.0.0 \
//	  -X github.com/ovlab/ovlab/pkg/version.GitCommit=abc1234 \
//	  -X github.com/ovlab/ovlab/pkg/version.BuildDate=2026-07-31T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line human-readable version string, used by
// ovlabctl version and the Info field agents/controllers report at
// registration time.
func Info() string {
	return fmt.Sprintf("ovlab %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
