package cxlmem

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// FileRegion is a concrete Region backed by a single mmapped file,
// standing in for a DAX-mapped CXL HDM range when no real CXL device is
// present. Grounded on the same open/truncate/mmap.Map(f, mmap.RDWR, 0)
// sequence pkg/replica's arena uses for its DRAM replica slab
// (pkg/replica/arena.go, itself grounded on the teacher's
// pkg/cache.MmapCache) — here applied to the HDM-facing side of the
// coherence core instead of the replica-facing side.
type FileRegion struct {
	mu   sync.RWMutex
	file *os.File
	mm   mmap.MMap
}

// OpenFileRegion opens (creating if necessary) path and maps it, sizing
// the file to size bytes if it is smaller.
func OpenFileRegion(path string, size int64) (*FileRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cxlmem: opening region file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cxlmem: statting region file: %w", err)
	}

	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("cxlmem: sizing region file: %w", err)
		}
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cxlmem: mapping region file: %w", err)
	}

	return &FileRegion{file: f, mm: mm}, nil
}

// ReadAt implements Region.
func (r *FileRegion) ReadAt(dst []byte, off int64, order int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(dst)
	if off < 0 || off+int64(n) > int64(len(r.mm)) {
		return fmt.Errorf("cxlmem: read out of range: offset %d, len %d, region size %d", off, n, len(r.mm))
	}

	copy(dst, r.mm[off:off+int64(n)])

	return nil
}

// WriteAt implements Region.
func (r *FileRegion) WriteAt(src []byte, off int64, order int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(src)
	if off < 0 || off+int64(n) > int64(len(r.mm)) {
		return fmt.Errorf("cxlmem: write out of range: offset %d, len %d, region size %d", off, n, len(r.mm))
	}

	copy(r.mm[off:off+int64(n)], src)

	return nil
}

// Close unmaps and closes the backing file.
func (r *FileRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mm.Unmap(); err != nil {
		r.file.Close()
		return fmt.Errorf("cxlmem: unmapping region file: %w", err)
	}

	return r.file.Close()
}

var _ Region = (*FileRegion)(nil)
