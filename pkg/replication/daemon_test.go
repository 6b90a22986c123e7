package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/lru"
	"github.com/cxlswmc/pagecoherence/pkg/mapping"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

type fakeResolver struct {
	table map[uint64]pfn.PFN
}

func (r *fakeResolver) Resolve(_ int, va uint64) (pfn.PFN, bool) {
	p, ok := r.table[va]
	return p, ok
}

type fakeMapper struct{}

func (fakeMapper) TestAndClearYoung(pfn.PFN) bool              { return false }
func (fakeMapper) Unmap(pfn.PFN)                               {}
func (fakeMapper) CleanCacheLines(pfn.PFN)                     {}
func (fakeMapper) RedirectToReplica(original, replica pfn.PFN) {}
func (fakeMapper) RedirectToOriginal(pfn.PFN)                  {}

var _ mapping.Mapper = fakeMapper{}

type fakeReplicator struct {
	created map[pfn.PFN]pfn.PFN
	flushed []pfn.PFN
	next    pfn.PFN
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{created: make(map[pfn.PFN]pfn.PFN), next: 1 << 48}
}

func (f *fakeReplicator) Create(original pfn.PFN, _ int64, _ int) error {
	f.next++
	f.created[original] = f.next
	return nil
}

func (f *fakeReplicator) Flush(original pfn.PFN, _ int64, _ int) error {
	f.flushed = append(f.flushed, original)
	delete(f.created, original)
	return nil
}

func (f *fakeReplicator) Get(original pfn.PFN) (pfn.PFN, bool) {
	p, ok := f.created[original]
	return p, ok
}

func newTestDaemon(t *testing.T, resolver Resolver, replicas Replicator) *Daemon {
	t.Helper()

	pages := page.NewTable()
	active := lru.New(fakeMapper{}, nil)
	space := pfn.Space{Base: 0, PageShift: 12}

	return New(resolver, space, pages, active, replicas, 0, time.Hour, 50, zap.NewNop())
}

func TestProcessSampleDropsUnresolved(t *testing.T) {
	d := newTestDaemon(t, &fakeResolver{table: map[uint64]pfn.PFN{}}, newFakeReplicator())

	d.processSample(Sample{PID: 1, VA: 0x1000})

	assert.Equal(t, uint64(0), d.hist.Total())
}

func TestProcessSampleUpdatesCounterAndHistogram(t *testing.T) {
	resolver := &fakeResolver{table: map[uint64]pfn.PFN{0x1000: 5}}
	d := newTestDaemon(t, resolver, newFakeReplicator())

	d.processSample(Sample{PID: 1, VA: 0x1000})

	pg, ok := d.pages.Peek(5)
	require.True(t, ok)
	assert.EqualValues(t, 1, pg.Access.Counter)
	assert.Equal(t, uint64(1), d.hist.Total())
}

func TestProcessSampleBelowCXLRangeIsDroppedBeforeMutation(t *testing.T) {
	resolver := &fakeResolver{table: map[uint64]pfn.PFN{0x1000: 3}}
	d := newTestDaemon(t, resolver, newFakeReplicator())
	d.space = pfn.Space{Base: 10, PageShift: 12}

	d.processSample(Sample{PID: 1, VA: 0x1000})

	_, ok := d.pages.Peek(3)
	assert.False(t, ok, "an out-of-range sample must never allocate page metadata")
	assert.Equal(t, uint64(0), d.hist.Total())
}

func TestSweepReplicatesCandidateAndInsertsActive(t *testing.T) {
	resolver := &fakeResolver{table: map[uint64]pfn.PFN{0x2000: 7}}
	repl := newFakeReplicator()
	d := newTestDaemon(t, resolver, repl)

	for i := 0; i < 4; i++ {
		d.processSample(Sample{PID: 1, VA: 0x2000})
	}

	d.sweep()

	_, ok := repl.Get(7)
	require.True(t, ok, "hot page should have been replicated during the sweep")

	activeLen, _ := d.active.Lengths()
	assert.Equal(t, 1, activeLen, "the new replica must be inserted into the active list")
}

func TestSweepEvictsColdReplicaBelowThreshold(t *testing.T) {
	resolver := &fakeResolver{table: map[uint64]pfn.PFN{}}
	repl := newFakeReplicator()
	d := newTestDaemon(t, resolver, repl)

	// Pre-populate a replica-backed original with a cold (zero) counter on
	// the replica's own page record, and insert the replica PFN into the
	// active list directly, modeling a page that was hot in a prior sweep
	// but has since gone cold.
	const original pfn.PFN = 9
	const replicaPFN pfn.PFN = 1<<48 + 1

	rep := d.pages.Lookup(replicaPFN)
	rep.IsReplica = true
	rep.OriginalPFN = original
	rep.Access.Counter = 0

	repl.created[original] = replicaPFN
	d.active.InsertActive(replicaPFN)

	d.hist.Observe(0, 0, true)
	d.hist.Recompute(0) // target 0 samples -> threshold lands above any zero counter

	d.sweep()

	assert.Contains(t, repl.flushed, original)
}

func TestSampleRespectsContextCancellation(t *testing.T) {
	d := newTestDaemon(t, &fakeResolver{table: map[uint64]pfn.PFN{}}, newFakeReplicator())

	// Fill the ring.
	for i := 0; i < sampleRing; i++ {
		require.NoError(t, d.Sample(context.Background(), Sample{PID: 1, VA: uint64(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Sample(ctx, Sample{PID: 1, VA: 99})
	assert.Error(t, err)
}
