package cxlmem

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRegionReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.dat")

	r, err := OpenFileRegion(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	want := []byte("hello-cxl-hdm")
	require.NoError(t, r.WriteAt(want, 512, 0))

	got := make([]byte, len(want))
	require.NoError(t, r.ReadAt(got, 512, 0))
	assert.Equal(t, want, got)
}

func TestFileRegionReopenPreservesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.dat")

	r, err := OpenFileRegion(path, 4096)
	require.NoError(t, err)

	require.NoError(t, r.WriteAt([]byte("persisted"), 0, 0))
	require.NoError(t, r.Close())

	r2, err := OpenFileRegion(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close() })

	got := make([]byte, len("persisted"))
	require.NoError(t, r2.ReadAt(got, 0, 0))
	assert.Equal(t, "persisted", string(got))
}

func TestFileRegionGrowsUndersizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.dat")

	r, err := OpenFileRegion(path, 64)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	assert.NoError(t, r.WriteAt([]byte("x"), 32, 0))
}

func TestFileRegionRejectsOutOfRangeAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.dat")

	r, err := OpenFileRegion(path, 64)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	assert.Error(t, r.WriteAt([]byte("overflow"), 60, 0))
	assert.Error(t, r.ReadAt(make([]byte, 8), -1, 0))
}
