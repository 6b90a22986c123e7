package hostmapper

import (
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// Resolver is a logging stand-in for pkg/replication.Resolver, the
// process-address-space lookup the replication daemon's sampler
// consumes but this module never implements (spec §4.10 step 1 names
// it out of scope alongside the rest of process/VMA bookkeeping).
// Without a real implementation there is nothing to resolve a sample
// against, so every call reports a miss; the daemon's sweep logic still
// runs and is exercised, it simply never finds a hot page to promote.
type Resolver struct {
	log *zap.Logger
}

// NewResolver builds a Resolver that logs and always misses.
func NewResolver(log *zap.Logger) *Resolver {
	return &Resolver{log: log}
}

// Resolve implements replication.Resolver.
func (r *Resolver) Resolve(pid int, va uint64) (pfn.PFN, bool) {
	r.log.Debug("hostmapper: resolve sample", zap.Int("pid", pid), zap.Uint64("va", va))
	return 0, false
}
