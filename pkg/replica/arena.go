// Package replica implements the replica page store (C6): DRAM copies of
// CXL pages, linked to their originals. Storage is grounded directly on
// the teacher's pkg/cache.MmapCache (open, truncate, mmap.Map(f,
// mmap.RDWR, 0), a single RWMutex guarding reads/writes, Unmap+Close on
// teardown), generalized from "one big mmapped file" to "a preallocated
// arena divided into fixed-size replica-page slots", since each replica
// here is a small, individually created/freed DRAM page rather than one
// monolithic cache region.
package replica

import (
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
)

// PageSize is the order-0 (base) page size this arena allocates; spec §3
// calls out order-0 as "the only fully implemented size".
const PageSize = 4096

// arena is the mmap-backed slab of DRAM replica pages.
type arena struct {
	mu    sync.Mutex
	file  *os.File
	mm    mmap.MMap
	free  *bitset.BitSet
	slots int
}

func newArena(path string, slots int) (*arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replica: opening arena file: %w", err)
	}

	size := int64(slots) * PageSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("replica: allocating arena: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("replica: mapping arena: %w", err)
	}

	return &arena{file: f, mm: mm, free: bitset.New(uint(slots)), slots: slots}, nil
}

// alloc reserves a free slot, returning its index.
func (a *arena) alloc() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.free.NextClear(0)
	if !ok || int(idx) >= a.slots {
		return 0, false
	}

	a.free.Set(idx)

	return int(idx), true
}

// release returns slot to the free pool.
func (a *arena) release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.free.Clear(uint(slot))
}

func (a *arena) bytes(slot int) []byte {
	off := slot * PageSize
	return a.mm[off : off+PageSize]
}

func (a *arena) readAt(slot int, dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return copy(dst, a.bytes(slot))
}

func (a *arena) writeAt(slot int, src []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return copy(a.bytes(slot), src)
}

func (a *arena) flush(slot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.mm.Flush()
}

func (a *arena) close() error {
	if err := a.mm.Unmap(); err != nil {
		a.file.Close()
		return err
	}

	return a.file.Close()
}

// inUse reports the number of currently allocated slots (DRAM page count,
// spec §8 scenario 5).
func (a *arena) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return int(a.free.Count())
}
