// Package config loads the daemon's environment-driven configuration.
// Grounded on packages/client-proxy/internal/cfg/model.go and
// packages/api/internal/cfg/model.go: a single struct tagged with `env`
// and `envDefault`, parsed in one call to caarlos0/env.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the coherence daemon's full environment-driven surface:
// node identity, sizing knobs the spec leaves to the implementer, the
// replication daemon's default sampling parameters, the control
// surface's listen port, and the transport backend to dial.
type Config struct {
	LocalNode int32  `env:"NODE_ID,required"`
	DataDir   string `env:"DATA_DIR"                  envDefault:"/var/lib/pagecoherence"`

	ControlPort uint16 `env:"CONTROL_PORT" envDefault:"7070"`

	StationCapacity  int `env:"STATION_CAPACITY"  envDefault:"256"`
	StationThreshold int `env:"STATION_THRESHOLD" envDefault:"0"`

	ReplicaArenaPath string `env:"REPLICA_ARENA_PATH" envDefault:"/var/lib/pagecoherence/replica.arena"`
	ReplicaSlots     int    `env:"REPLICA_SLOTS"      envDefault:"4096"`

	RegionPath string `env:"REGION_PATH" envDefault:"/var/lib/pagecoherence/region.dat"`
	RegionSize int64  `env:"REGION_SIZE" envDefault:"1073741824"`

	PageShift uint `env:"PAGE_SHIFT" envDefault:"12"`

	// PeerNodes lists every participating node id, self included
	// (spec §1 treats the coherence fabric as a fixed, known set of
	// hosts rather than a dynamically discovered cluster), the same
	// comma-split []string handling the teacher's ServiceDiscoveryConfig
	// uses for DNSQuery.
	PeerNodes []string `env:"PEER_NODES,required"`

	SamplingInterval    time.Duration `env:"SAMPLING_INTERVAL"    envDefault:"100ms"`
	ReplicationInterval time.Duration `env:"REPLICATION_INTERVAL" envDefault:"5s"`
	HotPercentile       int           `env:"HOT_PAGE_PERCENTAGE"  envDefault:"10"`

	RedisURL string `env:"REDIS_URL,required"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{})
}
