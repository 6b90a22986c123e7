// Package mapping declares the page-table/TLB primitives the coherence
// core consumes but never implements itself (spec §1 "Out of scope": "the
// page-table / TLB primitives used to unmap a page from every process
// mapping a given file offset").
package mapping

import "github.com/cxlswmc/pagecoherence/pkg/pfn"

// Mapper is the external collaborator responsible for every operation that
// touches real page tables, TLBs, or CPU cache lines.
type Mapper interface {
	// TestAndClearYoung reports whether p's hardware "young"/accessed bit
	// was set across every PTE mapping it, clearing the bit as a side
	// effect (spec §4.8).
	TestAndClearYoung(p pfn.PFN) bool

	// Unmap removes every process mapping of p's file-index entry, so a
	// future access re-enters the fault path (spec §4.7/§4.8).
	Unmap(p pfn.PFN)

	// CleanCacheLines flushes host CPU cache lines covering p and clears
	// the PTE dirty bit for every mapping (spec §4.7 writeback_replica).
	CleanCacheLines(p pfn.PFN)

	// RedirectToReplica re-points the faulting VPN at replica instead of
	// original (spec §4.4 MAP_VPN_TO_PFN).
	RedirectToReplica(original, replica pfn.PFN)

	// RedirectToOriginal re-points the faulting VPN at original, used when
	// a replica is flushed and torn down.
	RedirectToOriginal(p pfn.PFN)
}
