package provider

import "time"

// ReadinessKind selects how the provider decides a node finished booting.
type ReadinessKind string

const (
	ReadinessNone       ReadinessKind = "none"
	ReadinessLogPattern ReadinessKind = "log_pattern"
	ReadinessCLIProbe   ReadinessKind = "cli_probe"
)

// VendorConfig is a per-kind configuration record. Each supported node kind
// gets an entry in the registry below rather than a dedicated Go type:
// provider code is parameterised over VendorConfig, never subclassed per
// vendor.
type VendorConfig struct {
	Kind string

	DefaultImage string
	Entrypoint   []string
	Cmd          []string
	Env          map[string]string
	Privileged   bool
	Sysctls      map[string]string
	RestartOnFailure bool

	// NeedsFlashDir requests a per-node host directory mounted at FlashMount,
	// seeded with a minimal startup config and a zerotouch-config marker
	// (Arista cEOS boots from it instead of running zerotouch).
	NeedsFlashDir bool
	FlashMount    string

	// StartDelay staggers container starts of kinds that race on kernel
	// module load (cEOS's forwarding-agent init).
	StartDelay time.Duration

	Readiness        ReadinessKind
	ReadinessPattern  string        // log_pattern: regex matched against the log tail
	ReadinessCommand  []string      // cli_probe: command exec'd inside the container
	ReadinessTimeout  time.Duration

	// ExtractConfigOnStop requests a config save before the container is
	// stopped (cEOS: SSH in and run FastCli).
	ExtractConfigOnStop bool
}

// defaultKind is used for any node kind with no explicit registry entry:
// a plain Linux container with no readiness probe and no special host prep.
var defaultKind = VendorConfig{
	Kind:         "linux",
	DefaultImage: "alpine:latest",
	Readiness:    ReadinessNone,
}

// vendorRegistry is the static kind->config table. Kept as a package-level
// map rather than a switch so new kinds are additive (one literal, no new
// code path).
var vendorRegistry = map[string]VendorConfig{
	"linux": defaultKind,
	"ceos": {
		Kind:             "ceos",
		DefaultImage:     "ceos:latest",
		Entrypoint:       []string{"/sbin/init"},
		Env: map[string]string{
			"CEOS":                                "1",
			"EOS_PLATFORM":                        "ceoslab",
			"container":                            "docker",
			"ETBA":                                 "1",
			"SKIP_ZEROTOUCH_BARRIER_IN_SYSDBINIT":  "1",
			"INTFTYPE":                              "eth",
			"MAPETH0":                              "1",
			"MGMT_INTF":                             "eth0",
		},
		Privileged:          true,
		RestartOnFailure:    true,
		NeedsFlashDir:       true,
		FlashMount:          "/mnt/flash",
		StartDelay:          5 * time.Second,
		Readiness:           ReadinessCLIProbe,
		ReadinessCommand:    []string{"FastCli", "-p", "15", "-c", "show version"},
		ReadinessTimeout:    120 * time.Second,
		ExtractConfigOnStop: true,
	},
	"frr": {
		Kind:             "frr",
		DefaultImage:     "frrouting/frr:latest",
		Privileged:       true,
		Sysctls: map[string]string{
			"net.ipv4.ip_forward":          "1",
			"net.ipv6.conf.all.forwarding": "1",
		},
		Readiness:        ReadinessLogPattern,
		ReadinessPattern: `zebra.*(Zebra.*startup)`,
		ReadinessTimeout: 30 * time.Second,
	},
	"host": {
		Kind:         "host",
		DefaultImage: "alpine:latest",
		Readiness:    ReadinessNone,
	},
}

// LookupVendor returns the VendorConfig for kind, falling back to the plain
// Linux default for unrecognised kinds rather than failing the deploy —
// an unknown kind is still deployable as a bare container.
func LookupVendor(kind string) VendorConfig {
	if cfg, ok := vendorRegistry[kind]; ok {
		return cfg
	}
	return defaultKind
}
