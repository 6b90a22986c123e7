// Package lru implements the two-list active/inactive LRU and shrinker
// (C7). The "young bit" test-and-clear vocabulary is grounded on the
// teacher's pkg/block.Marker/Bitset pair (Mark(off)/IsMarked(off)); here
// the bit lives behind the external mapping.Mapper collaborator (real
// hardware PTEs) rather than an in-process bitset, but the shape of "test,
// optionally clear, branch on the result" is the same idiom.
package lru

import (
	"container/list"
	"sync"

	"github.com/cxlswmc/pagecoherence/pkg/mapping"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// InactiveThresholdMult is spec §4.8's INACTIVE_THRESHOLD_MULT: aging only
// runs when the inactive list holds fewer than this multiple of the
// requested reclaim count.
const InactiveThresholdMult = 2

// maxAgingPasses bounds the aging loop so a shrink call always terminates
// even if every page keeps testing referenced (spec §4.8 "Aging is
// bounded").
const maxAgingPasses = 4

// Flusher is the replica store's terminal operation, consulted by the
// shrinker to actually reclaim a page (spec §4.7 flush_replica).
type Flusher interface {
	Flush(original pfn.PFN) error
}

// List is the two-list active/inactive LRU (spec §4.8).
type List struct {
	mu       sync.Mutex
	active   *list.List // MRU at Front
	inactive *list.List

	index map[pfn.PFN]*list.Element

	mapper  mapping.Mapper
	flusher Flusher
}

type node struct {
	pfn pfn.PFN
}

// New builds an empty two-list LRU.
func New(mapper mapping.Mapper, flusher Flusher) *List {
	return &List{
		active:   list.New(),
		inactive: list.New(),
		index:    make(map[pfn.PFN]*list.Element),
		mapper:   mapper,
		flusher:  flusher,
	}
}

// InsertActive inserts p at the MRU of the active list (spec §4.7 step 5,
// create_replica inserting its new replica).
func (l *List) InsertActive(p pfn.PFN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[p]; exists {
		return
	}

	l.index[p] = l.active.PushFront(&node{pfn: p})
}

// Remove drops p from whichever list currently holds it.
func (l *List) Remove(p pfn.PFN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(p)
}

func (l *List) removeLocked(p pfn.PFN) {
	el, ok := l.index[p]
	if !ok {
		return
	}

	l.active.Remove(el)
	l.inactive.Remove(el)
	delete(l.index, p)
}

// Lengths reports the current size of each list, for tests and metrics.
func (l *List) Lengths() (active, inactive int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.active.Len(), l.inactive.Len()
}

// age moves non-referenced pages from the tail of active to the MRU of
// inactive, and keeps referenced pages at the active MRU, until either
// enough inactive pages accumulate or maxAgingPasses is exhausted (spec
// §4.8).
func (l *List) age(requested int) {
	for pass := 0; pass < maxAgingPasses; pass++ {
		l.mu.Lock()
		needed := requested*InactiveThresholdMult - l.inactive.Len()
		l.mu.Unlock()

		if needed <= 0 {
			return
		}

		if !l.ageOnePass() {
			return // no progress possible
		}
	}
}

// ageOnePass walks the active list tail-to-head once, returning whether it
// moved at least one page.
func (l *List) ageOnePass() bool {
	l.mu.Lock()
	tailElems := make([]*list.Element, 0, l.active.Len())
	for e := l.active.Back(); e != nil; e = e.Prev() {
		tailElems = append(tailElems, e)
	}
	l.mu.Unlock()

	moved := false

	for _, e := range tailElems {
		n := e.Value.(*node)

		if l.mapper.TestAndClearYoung(n.pfn) {
			l.mu.Lock()
			l.active.MoveToFront(e)
			l.mu.Unlock()
			continue
		}

		l.mu.Lock()
		l.active.Remove(e)
		l.index[n.pfn] = l.inactive.PushFront(n)
		l.mu.Unlock()

		moved = true
	}

	return moved
}

// Evict walks both lists once and removes every page for which shouldEvict
// returns true, returning the removed PFNs. Grounded on the replication
// daemon's periodic sweep (spec §4.10 step 1), which builds its eviction
// list by testing each page's access-counter MSB index against the current
// hotness threshold rather than by LRU position, so it walks the full
// lists instead of just the inactive tail the way Shrink does.
func (l *List) Evict(shouldEvict func(pfn.PFN) bool) []pfn.PFN {
	l.mu.Lock()
	candidates := make([]pfn.PFN, 0, len(l.index))
	for e := l.active.Front(); e != nil; e = e.Next() {
		candidates = append(candidates, e.Value.(*node).pfn)
	}
	for e := l.inactive.Front(); e != nil; e = e.Next() {
		candidates = append(candidates, e.Value.(*node).pfn)
	}
	l.mu.Unlock()

	var evicted []pfn.PFN

	for _, p := range candidates {
		if !shouldEvict(p) {
			continue
		}

		l.Remove(p)
		evicted = append(evicted, p)
	}

	return evicted
}

// FlushAll implements flush_replicas() (spec §6): unconditionally moves
// every active page to inactive (ignoring the young bit — this is a full
// flush, not a selective reclaim), then flushes every inactive page.
// Returns the number of pages flushed.
func (l *List) FlushAll() int {
	l.mu.Lock()
	for e := l.active.Back(); e != nil; e = l.active.Back() {
		n := e.Value.(*node)
		l.active.Remove(e)
		l.index[n.pfn] = l.inactive.PushFront(n)
	}
	l.mu.Unlock()

	freed := 0

	for {
		l.mu.Lock()
		tail := l.inactive.Back()
		l.mu.Unlock()

		if tail == nil {
			break
		}

		n := tail.Value.(*node)

		if err := l.flusher.Flush(n.pfn); err != nil {
			break
		}

		l.mu.Lock()
		l.inactive.Remove(tail)
		delete(l.index, n.pfn)
		l.mu.Unlock()

		freed++
	}

	return freed
}

// Shrink implements the shrinker callback (spec §4.8): reclaim up to
// requested pages, aging first if the inactive list is too small. Returns
// the number of pages actually freed.
func (l *List) Shrink(requested int) int {
	l.mu.Lock()
	inactiveLen := l.inactive.Len()
	l.mu.Unlock()

	if inactiveLen < requested*InactiveThresholdMult {
		l.age(requested)
	}

	freed := 0

	for freed < requested {
		l.mu.Lock()
		tail := l.inactive.Back()
		l.mu.Unlock()

		if tail == nil {
			break
		}

		n := tail.Value.(*node)

		if l.mapper.TestAndClearYoung(n.pfn) {
			l.mu.Lock()
			l.inactive.Remove(tail)
			l.index[n.pfn] = l.active.PushFront(n)
			l.mu.Unlock()
			continue
		}

		if err := l.flusher.Flush(n.pfn); err != nil {
			break
		}

		l.mu.Lock()
		l.inactive.Remove(tail)
		delete(l.index, n.pfn)
		l.mu.Unlock()

		freed++
	}

	return freed
}
