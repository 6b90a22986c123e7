// Package page holds the per-page coherence metadata that lives on "the
// underlying page structure" (spec §3), independent of any in-flight fault
// handle. Pages are looked up by PFN through a sharded table, grounded on
// the same github.com/orcaman/concurrent-map/v2 shard design used by
// pkg/faulttable.
package page

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// TagKind is the two-bit discriminant of a page's tagged word (spec §3).
type TagKind uint8

const (
	// TagReplicaPtr: the tagged word is a pointer (here, an arena index)
	// to this page's replica.
	TagReplicaPtr TagKind = iota
	// TagAccessTracking: the tagged word carries an access counter, aging
	// epoch, and low flags.
	TagAccessTracking
	// TagReplicaMarker: this page IS a replica.
	TagReplicaMarker
	// TagReserved is unused by this implementation.
	TagReserved
)

// AccessTag is the payload of a TagAccessTracking tagged word.
type AccessTag struct {
	Counter  uint32
	LastAged uint16
	LowFlags uint8
}

// Page is the per-PFN coherence metadata record.
//
// modified ∧ shared without a replica is a legal, transient "stale-shared"
// state valid only mid-writeback; modified ∧ shared ∧ replicated is
// invalid and callers must never construct it (spec §3).
type Page struct {
	PFN pfn.PFN

	Shared     bool
	Modified   bool
	Coherence  bool
	Replicated bool

	Tag       TagKind
	Access    AccessTag
	ReplicaID int // arena index into pkg/replica, valid iff Replicated

	// OriginalPFN is set iff this Page itself describes a replica (Tag ==
	// TagReplicaMarker), the back-pointer to the original page.
	OriginalPFN pfn.PFN
	IsReplica   bool
}

// Valid reports whether the page's flag combination is one the decision
// table may legally observe.
func (p *Page) Valid() error {
	if p.Modified && p.Shared && p.Replicated {
		return fmt.Errorf("page: pfn %d: modified ∧ shared ∧ replicated is invalid", p.PFN)
	}

	return nil
}

// Table is the sharded PFN → *Page lookup.
type Table struct {
	m cmap.ConcurrentMap[string, *Page]
}

// NewTable builds an empty page table.
func NewTable() *Table {
	return &Table{m: cmap.New[*Page]()}
}

func key(p pfn.PFN) string {
	return fmt.Sprintf("%d", uint64(p))
}

// Lookup returns the page for pfn p, creating a fresh zero-value record on
// first reference (a page exists from the first time it is observed by the
// engine, per the "underlying page structure" framing of spec §3).
func (t *Table) Lookup(p pfn.PFN) *Page {
	page, _ := t.m.Upsert(key(p), nil, func(exists bool, valueInMap, _ *Page) *Page {
		if exists {
			return valueInMap
		}

		return &Page{PFN: p}
	})

	return page
}

// Peek returns the page for p without creating one, reporting whether it
// existed.
func (t *Table) Peek(p pfn.PFN) (*Page, bool) {
	return t.m.Get(key(p))
}

// Delete removes the metadata record for p entirely (used when a replica
// is torn down and the original reverts to an untouched state).
func (t *Table) Delete(p pfn.PFN) {
	t.m.Remove(key(p))
}

// Count returns the number of pages with metadata on record.
func (t *Table) Count() int {
	return t.m.Count()
}
