// Package hostmapper is a logging stand-in for the kernel page-table/TLB
// primitives pkg/mapping.Mapper declares as an out-of-scope consumed
// interface ("the page-table / TLB primitives used to unmap a page from
// every process mapping a given file offset" — spec §1 Non-goals). A
// real implementation requires host-specific syscalls (mprotect,
// process_vm_*, cache-maintenance instructions) this module never had a
// reason to carry; this package exists only so cmd/coherenced has
// something concrete to hand the engine, and every method logs the
// operation it would have performed.
package hostmapper

import (
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// Mapper logs every call instead of touching real page tables.
type Mapper struct {
	log *zap.Logger
}

// New builds a Mapper that logs through log.
func New(log *zap.Logger) *Mapper {
	return &Mapper{log: log}
}

// TestAndClearYoung always reports false: without real PTE access there
// is no young bit to observe, so every page ages out on its first LRU
// aging pass rather than being protected from eviction.
func (m *Mapper) TestAndClearYoung(p pfn.PFN) bool {
	m.log.Debug("hostmapper: test-and-clear young", zap.Uint64("pfn", uint64(p)))
	return false
}

// Unmap logs the intent to unmap p's mappings.
func (m *Mapper) Unmap(p pfn.PFN) {
	m.log.Debug("hostmapper: unmap", zap.Uint64("pfn", uint64(p)))
}

// CleanCacheLines logs the intent to flush cache lines covering p.
func (m *Mapper) CleanCacheLines(p pfn.PFN) {
	m.log.Debug("hostmapper: clean cache lines", zap.Uint64("pfn", uint64(p)))
}

// RedirectToReplica logs the intent to redirect original's mapping to
// replica.
func (m *Mapper) RedirectToReplica(original, replica pfn.PFN) {
	m.log.Debug("hostmapper: redirect to replica",
		zap.Uint64("original", uint64(original)), zap.Uint64("replica", uint64(replica)))
}

// RedirectToOriginal logs the intent to restore p's mapping to its
// original PFN.
func (m *Mapper) RedirectToOriginal(p pfn.PFN) {
	m.log.Debug("hostmapper: redirect to original", zap.Uint64("pfn", uint64(p)))
}
