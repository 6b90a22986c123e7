package replica

import (
	"errors"
	"fmt"

	"github.com/cxlswmc/pagecoherence/pkg/cxlmem"
	"github.com/cxlswmc/pagecoherence/pkg/mapping"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// ErrExists is returned by Create when original already has a replica.
var ErrExists = errors.New("replica: already exists")

// ErrNoMem is returned by Create when the arena has no free slot even
// after the bounded shrink-and-retry loop (spec §4.7 step 2).
var ErrNoMem = errors.New("replica: allocator exhausted")

// ErrStaleShared is returned by Create when the original is in the
// modified∧shared transient at allocation time (spec §4.7 step 4).
var ErrStaleShared = errors.New("replica: original is stale-shared")

// Reclaimer is consulted between allocation attempts to free up arena
// slots (the LRU shrinker, C7), matching spec §4.7's "retry that triggers
// the shrinker between attempts, bounded retries".
type Reclaimer interface {
	Shrink(requested int) (freed int)
}

const maxAllocRetries = 3

// Store is the replica page store.
type Store struct {
	arena   *arena
	link    *link
	pages   *page.Table
	region  cxlmem.Region
	mapper  mapping.Mapper
	reclaim Reclaimer
}

// NewStore builds a replica store backed by an mmap arena file at path
// with room for `slots` order-0 replica pages.
func NewStore(path string, slots int, pages *page.Table, region cxlmem.Region, mapper mapping.Mapper, reclaim Reclaimer) (*Store, error) {
	a, err := newArena(path, slots)
	if err != nil {
		return nil, err
	}

	return &Store{
		arena:   a,
		link:    newLink(),
		pages:   pages,
		region:  region,
		mapper:  mapper,
		reclaim: reclaim,
	}, nil
}

// Close tears down the backing arena file.
func (s *Store) Close() error {
	return s.arena.close()
}

// InUse returns the current DRAM replica page count (spec §8 scenario 5).
func (s *Store) InUse() int {
	return s.arena.inUse()
}

// Create implements create_replica(original, order) (spec §4.7). order is
// accepted for interface symmetry with the spec but only order 0 is
// actually allocated, per spec §1's non-goal on larger-than-base pages.
func (s *Store) Create(original pfn.PFN, offset int64, order int) error {
	if _, ok := s.link.replicaOf(original); ok {
		return ErrExists
	}

	orig := s.pages.Lookup(original)
	if orig.Modified && orig.Shared {
		return ErrStaleShared
	}

	slot, err := s.allocWithRetry()
	if err != nil {
		return err
	}

	buf := make([]byte, PageSize)
	if err := s.region.ReadAt(buf, offset, order); err != nil {
		s.arena.release(slot)
		return fmt.Errorf("replica: copying CXL to DRAM: %w", err)
	}
	s.arena.writeAt(slot, buf)

	s.mapper.Unmap(original)

	s.link.set(original, slot)

	orig.Tag = page.TagReplicaPtr
	orig.ReplicaID = slot
	orig.Replicated = true

	rep := s.replicaPage(slot, original)
	rep.IsReplica = true
	rep.Tag = page.TagReplicaMarker
	rep.OriginalPFN = original
	rep.Access = orig.Access

	return nil
}

func (s *Store) allocWithRetry() (int, error) {
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		if slot, ok := s.arena.alloc(); ok {
			return slot, nil
		}

		if s.reclaim != nil {
			s.reclaim.Shrink(1)
		}
	}

	if slot, ok := s.arena.alloc(); ok {
		return slot, nil
	}

	return 0, ErrNoMem
}

// replicaPfn is a synthetic PFN namespace for replica pages, kept distinct
// from original PFNs in the shared page.Table by offsetting into the
// upper half of the PFN space. Replica slots are small in number relative
// to the full address width, so collisions with real original PFNs are
// not a practical concern for this simulation.
const replicaPfnBase = pfn.PFN(1) << 48

func (s *Store) replicaPage(slot int, original pfn.PFN) *page.Page {
	return s.pages.Lookup(replicaPfnBase + pfn.PFN(slot))
}

// Writeback implements writeback_replica(replica) (spec §4.7): copy
// replica → original, then clean CPU cache lines / PTE dirty bits for
// every mapping of the original.
func (s *Store) Writeback(original pfn.PFN, offset int64, order int) error {
	slot, ok := s.link.replicaOf(original)
	if !ok {
		return fmt.Errorf("replica: no replica for pfn %d", original)
	}

	buf := make([]byte, PageSize)
	s.arena.readAt(slot, buf)

	if err := s.region.WriteAt(buf, offset, order); err != nil {
		return fmt.Errorf("replica: copying DRAM to CXL: %w", err)
	}

	s.mapper.CleanCacheLines(original)

	return nil
}

// Flush implements flush_replica(replica) (spec §4.7): writeback,
// propagate metadata, clear tagged/coherence state, remove from the LRU
// (handled by the caller, C7), unmap, and free the DRAM page. Terminal.
func (s *Store) Flush(original pfn.PFN, offset int64, order int) error {
	slot, ok := s.link.replicaOf(original)
	if !ok {
		return fmt.Errorf("replica: no replica for pfn %d", original)
	}

	if err := s.Writeback(original, offset, order); err != nil {
		return err
	}

	orig := s.pages.Lookup(original)
	rep := s.replicaPage(slot, original)

	orig.Access = rep.Access
	orig.Replicated = false
	orig.ReplicaID = 0
	orig.Tag = 0

	s.pages.Delete(replicaPfnBase + pfn.PFN(slot))

	s.mapper.Unmap(replicaPfnBase + pfn.PFN(slot))
	s.mapper.RedirectToOriginal(original)

	s.link.clear(original, slot)
	s.arena.release(slot)

	return nil
}

// Fetch implements fetch_replica(original) (spec §4.7): refresh the
// replica from the original after a successful FETCH.
func (s *Store) Fetch(original pfn.PFN, offset int64, order int) error {
	slot, ok := s.link.replicaOf(original)
	if !ok {
		return fmt.Errorf("replica: no replica for pfn %d", original)
	}

	buf := make([]byte, PageSize)
	if err := s.region.ReadAt(buf, offset, order); err != nil {
		return fmt.Errorf("replica: copying CXL to DRAM: %w", err)
	}
	s.arena.writeAt(slot, buf)

	return nil
}

// Get implements get_replica(original) -> replica|null (spec §4.7):
// decodes the tagged word (here, the link table) to find original's
// replica PFN, if any.
func (s *Store) Get(original pfn.PFN) (pfn.PFN, bool) {
	slot, ok := s.link.replicaOf(original)
	if !ok {
		return 0, false
	}

	return replicaPfnBase + pfn.PFN(slot), true
}
