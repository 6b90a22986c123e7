package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/replication"
	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/transport/transporttest"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// lazyTransport defers to whatever transport.Transport is assigned after
// construction, breaking the engine<->network wiring cycle: the network
// needs the engine's dispatcher to register a node, and the engine needs
// a transport.Transport to be built in the first place.
type lazyTransport struct {
	mu    sync.RWMutex
	inner transport.Transport
}

func (l *lazyTransport) setInner(t transport.Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner = t
}

func (l *lazyTransport) get() transport.Transport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inner
}

func (l *lazyTransport) NodeCount(ctx context.Context) (int, error) {
	return l.get().NodeCount(ctx)
}

func (l *lazyTransport) Unicast(ctx context.Context, msg wire.Message) error {
	return l.get().Unicast(ctx, msg)
}

func (l *lazyTransport) Broadcast(ctx context.Context, msg wire.Message) error {
	return l.get().Broadcast(ctx, msg)
}

func (l *lazyTransport) Done(msg wire.Message) {
	l.get().Done(msg)
}

var _ transport.Transport = (*lazyTransport)(nil)

// fakeRegion is an in-memory stand-in for the DAX-mapped CXL region.
type fakeRegion struct {
	mu   sync.Mutex
	data map[int64][]byte
}

func newFakeRegion() *fakeRegion {
	return &fakeRegion{data: make(map[int64][]byte)}
}

func (r *fakeRegion) ReadAt(dst []byte, off int64, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.data[off]; ok {
		copy(dst, buf)
	}

	return nil
}

func (r *fakeRegion) WriteAt(src []byte, off int64, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, len(src))
	copy(buf, src)
	r.data[off] = buf

	return nil
}

// fakeMapper is a no-op mapping.Mapper: the tests only assert on coherence
// metadata, never on real page-table state.
type fakeMapper struct{}

func (fakeMapper) TestAndClearYoung(pfn.PFN) bool              { return false }
func (fakeMapper) Unmap(pfn.PFN)                               {}
func (fakeMapper) CleanCacheLines(pfn.PFN)                     {}
func (fakeMapper) RedirectToReplica(original, replica pfn.PFN) {}
func (fakeMapper) RedirectToOriginal(pfn.PFN)                  {}

type fakeResolver struct{}

func (fakeResolver) Resolve(int, uint64) (pfn.PFN, bool) { return 0, false }

func buildEngine(t *testing.T, node int32) (*Engine, *lazyTransport) {
	t.Helper()

	lt := &lazyTransport{}

	e, err := New(Config{
		LocalNode:           node,
		Space:               pfn.Space{Base: 0, PageShift: 12},
		StationCapacity:     8,
		ReplicaArenaPath:    filepath.Join(t.TempDir(), "arena"),
		ReplicaSlots:        16,
		SamplingInterval:    time.Millisecond,
		ReplicationInterval: time.Hour,
		HotPercentile:       50,
		Transport:           lt,
		Mapper:              fakeMapper{},
		Region:              newFakeRegion(),
		Resolver:            fakeResolver{},
		Log:                 zap.NewNop(),
	})
	require.NoError(t, err)

	return e, lt
}

func buildTwoNodeEngines(t *testing.T) (*Engine, *Engine) {
	t.Helper()

	net := transporttest.NewNetwork()

	e1, lt1 := buildEngine(t, 1)
	e2, lt2 := buildEngine(t, 2)

	lt1.setInner(net.Register(1, e1.Dispatcher()))
	lt2.setInner(net.Register(2, e2.Dispatcher()))

	return e1, e2
}

func TestPageCoherenceFaultBypassesWhenDisabled(t *testing.T) {
	e, _ := buildEngine(t, 1)
	e.DisablePageCoherence()

	out, retry, err := e.PageCoherenceFault(context.Background(), 1, 0x1000, false, "data", 5)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, pfn.PFN(5), out)
	assert.Zero(t, e.Counters().FaultCount, "a disabled engine must not count faults")
}

func TestPageCoherenceFaultBypassesUnmanagedPFN(t *testing.T) {
	e, _ := buildEngine(t, 1)

	out, retry, err := e.PageCoherenceFault(context.Background(), 1, 0x1000, false, "index.superblock", 9)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, pfn.PFN(9), out)
}

func TestCleanReadFaultMarksPageShared(t *testing.T) {
	e1, e2 := buildTwoNodeEngines(t)
	defer e2.Close()
	defer e1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const p pfn.PFN = 10

	out, retry, err := e1.PageCoherenceFault(ctx, 1, 0, false, "data", p)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, p, out)

	pg, ok := e1.pages.Peek(p)
	require.True(t, ok)
	assert.True(t, pg.Shared)

	assert.EqualValues(t, 1, e1.Counters().FaultCount)
	assert.EqualValues(t, 1, e1.Counters().FaultReadCount)
}

func TestWriteFaultWithNoCopyAnywhereBecomesModified(t *testing.T) {
	e1, e2 := buildTwoNodeEngines(t)
	defer e2.Close()
	defer e1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const p pfn.PFN = 11

	_, retry, err := e1.PageCoherenceFault(ctx, 1, 0, true, "data", p)
	require.NoError(t, err)
	assert.False(t, retry)

	pg, ok := e1.pages.Peek(p)
	require.True(t, ok)
	assert.True(t, pg.Modified)
	assert.False(t, pg.Shared)

	assert.EqualValues(t, 1, e1.Counters().FaultWriteCount)
}

func TestWriteUpgradeFromSharedBecomesModifiedAndNotShared(t *testing.T) {
	e1, e2 := buildTwoNodeEngines(t)
	defer e2.Close()
	defer e1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const p pfn.PFN = 12

	pg := e1.pages.Lookup(p)
	pg.Shared = true

	_, retry, err := e1.PageCoherenceFault(ctx, 1, 0, true, "data", p)
	require.NoError(t, err)
	assert.False(t, retry)

	assert.True(t, pg.Modified)
	assert.False(t, pg.Shared)
}

func TestReplicatedCleanReadMapsToReplicaWithoutTransaction(t *testing.T) {
	e, _ := buildEngine(t, 1)
	defer e.Close()

	const original pfn.PFN = 20

	require.NoError(t, e.replica.Create(original, e.space.Offset(original), 0))

	replicaPFN, ok := e.replica.Get(original)
	require.True(t, ok)

	out, retry, err := e.PageCoherenceFault(context.Background(), 1, 0, false, "data", original)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, replicaPFN, out)

	assert.EqualValues(t, 1, e.Counters().ReplicaFoundCount)
}

func TestFlushReplicasFlushesActiveList(t *testing.T) {
	e, _ := buildEngine(t, 1)
	defer e.Close()

	const original pfn.PFN = 30

	require.NoError(t, e.replica.Create(original, e.space.Offset(original), 0))
	replicaPFN, ok := e.replica.Get(original)
	require.True(t, ok)
	e.lru.InsertActive(replicaPFN)

	require.NoError(t, e.FlushReplicas())

	_, stillReplicated := e.replica.Get(original)
	assert.False(t, stillReplicated)

	active, inactive := e.lru.Lengths()
	assert.Zero(t, active)
	assert.Zero(t, inactive)
}

func TestEnableDisablePageCoherenceToggle(t *testing.T) {
	e, _ := buildEngine(t, 1)
	defer e.Close()

	e.DisablePageCoherence()
	assert.False(t, e.enabled.get())

	e.EnablePageCoherence()
	assert.True(t, e.enabled.get())
}

func TestReplicationStartStopLifecycle(t *testing.T) {
	e, _ := buildEngine(t, 1)
	defer e.Close()

	e.ReplicationStart(time.Millisecond, 50)
	e.ReplicationStart(time.Millisecond, 50) // second call while running is a no-op

	time.Sleep(5 * time.Millisecond)

	e.ReplicationStop()
	e.ReplicationStop() // idempotent
}

var _ replication.Resolver = fakeResolver{}
