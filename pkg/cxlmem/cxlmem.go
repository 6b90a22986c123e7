// Package cxlmem declares the consumed interface onto the CXL-backed
// shared memory region itself (spec §1 "Out of scope": the DAX filesystem
// that resolves file offsets to device offsets). The coherence core only
// ever copies bytes in and out of this region at a byte offset and order
// (page-size exponent); it never maps the device directly.
package cxlmem

// Region is the external collaborator standing in for the DAX-mapped CXL
// HDM range.
type Region interface {
	// ReadAt copies 1<<order pages (order 0 is the base page) starting at
	// byte offset off into dst.
	ReadAt(dst []byte, off int64, order int) error

	// WriteAt copies src into the region at byte offset off.
	WriteAt(src []byte, off int64, order int) error
}
