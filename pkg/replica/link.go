package replica

import (
	"sync"

	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// link is the arena-index table standing in for the tagged word's "pointer
// to replica" encoding (spec §3). Go has no raw pointer tagging, so the
// original↔replica relationship this repo needs is modeled as a plain
// bidirectional index table instead of stealing bits out of a pointer —
// see the design note in §9 of the expanded spec.
type link struct {
	mu            sync.RWMutex
	originalToRep map[pfn.PFN]int
	repToOriginal map[int]pfn.PFN
}

func newLink() *link {
	return &link{
		originalToRep: make(map[pfn.PFN]int),
		repToOriginal: make(map[int]pfn.PFN),
	}
}

func (l *link) set(original pfn.PFN, slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.originalToRep[original] = slot
	l.repToOriginal[slot] = original
}

func (l *link) replicaOf(original pfn.PFN) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.originalToRep[original]
	return slot, ok
}

func (l *link) originalOf(slot int) (pfn.PFN, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.repToOriginal[slot]
	return p, ok
}

func (l *link) clear(original pfn.PFN, slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.originalToRep, original)
	delete(l.repToOriginal, slot)
}
