package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/coherence"
	"github.com/cxlswmc/pagecoherence/pkg/faulttable"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/waitstation"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

type fakeMapper struct{ unmapped []pfn.PFN }

func (m *fakeMapper) TestAndClearYoung(pfn.PFN) bool              { return false }
func (m *fakeMapper) Unmap(p pfn.PFN)                             { m.unmapped = append(m.unmapped, p) }
func (m *fakeMapper) CleanCacheLines(pfn.PFN)                     {}
func (m *fakeMapper) RedirectToReplica(original, replica pfn.PFN) {}
func (m *fakeMapper) RedirectToOriginal(pfn.PFN)                  {}

type fakeReplicator struct{ calls int }

func (f *fakeReplicator) Writeback(pfn.PFN, int64, int) error {
	f.calls++
	return nil
}

type capturingTransport struct {
	sent []wire.Message
}

func (c *capturingTransport) NodeCount(context.Context) (int, error) { return 1, nil }
func (c *capturingTransport) Unicast(_ context.Context, msg wire.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}
func (c *capturingTransport) Broadcast(_ context.Context, msg wire.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}
func (c *capturingTransport) Done(wire.Message) {}

func newTestHandler(t *testing.T) (*Handler, *page.Table, *capturingTransport, *fakeMapper, *fakeReplicator) {
	t.Helper()

	pages := page.NewTable()
	mapper := &fakeMapper{}
	repl := &fakeReplicator{}
	tr := &capturingTransport{}

	h := &Handler{
		LocalNode:  1,
		Handles:    faulttable.NewTable(),
		Pages:      pages,
		Space:      pfn.Space{Base: 0, PageShift: 12},
		Replicator: repl,
		Mapper:     mapper,
		Stations:   waitstation.NewPool(4, 0),
		Acked:      &coherence.AckCounter{},
		Transport:  tr,
		Log:        zap.NewNop(),
	}

	t.Cleanup(h.Stations.Close)

	return h, pages, tr, mapper, repl
}

func TestHandleRequestFetchWhileCleanRespondsAck(t *testing.T) {
	h, _, tr, _, repl := newTestHandler(t)

	offset := h.Space.Offset(50)

	h.HandleRequest(context.Background(), wire.Message{
		Header:  wire.Header{Type: wire.MsgFetch, FromNode: 2, ToNode: 1},
		Payload: wire.Payload{CXLOffset: offset},
	})

	require.Len(t, tr.sent, 1)
	assert.Equal(t, wire.MsgFetchAck, tr.sent[0].Type)
	assert.Equal(t, 0, repl.calls)
}

func TestHandleRequestInvalidateWhileModifiedWritesBackAndInvalidates(t *testing.T) {
	h, pages, tr, mapper, repl := newTestHandler(t)

	orig := pages.Lookup(10)
	orig.Modified = true

	offset := h.Space.Offset(10)

	h.HandleRequest(context.Background(), wire.Message{
		Header:  wire.Header{Type: wire.MsgInvalidate, FromNode: 2, ToNode: 1},
		Payload: wire.Payload{CXLOffset: offset},
	})

	assert.False(t, orig.Modified)
	assert.False(t, orig.Shared)
	assert.Equal(t, 1, repl.calls)
	assert.Contains(t, mapper.unmapped, pfn.PFN(10))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, wire.MsgInvalidateAck, tr.sent[0].Type)
}

func TestHandleRequestFetchWhileModifiedWritesBackAndSetsShared(t *testing.T) {
	h, pages, _, _, repl := newTestHandler(t)

	orig := pages.Lookup(11)
	orig.Modified = true

	offset := h.Space.Offset(11)

	h.HandleRequest(context.Background(), wire.Message{
		Header:  wire.Header{Type: wire.MsgFetch, FromNode: 2, ToNode: 1},
		Payload: wire.Payload{CXLOffset: offset},
	})

	assert.False(t, orig.Modified)
	assert.True(t, orig.Shared)
	assert.Equal(t, 1, repl.calls)
}

func TestHandleRequestWhileUninvolvedJustAcks(t *testing.T) {
	h, _, tr, _, repl := newTestHandler(t)

	offset := h.Space.Offset(12)

	h.HandleRequest(context.Background(), wire.Message{
		Header:  wire.Header{Type: wire.MsgInvalidate, FromNode: 2, ToNode: 1},
		Payload: wire.Payload{CXLOffset: offset},
	})

	require.Len(t, tr.sent, 1)
	assert.Equal(t, wire.MsgInvalidateAck, tr.sent[0].Type)
	assert.Equal(t, 0, repl.calls)
}

func TestHandleAckCompletesWaitingLease(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)

	lease, err := h.Stations.Acquire(1)
	require.NoError(t, err)

	h.HandleAck(context.Background(), wire.Message{Header: wire.Header{Type: wire.MsgFetchAck, WSID: lease.ID()}})

	status, err := lease.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, waitstation.StatusOK, status)

	// HandleAck only decrements pending; the issuer (pkg/coherence.Transactor)
	// is responsible for bumping acked_fault_count once the lease completes.
	assert.EqualValues(t, 0, h.Acked.Snapshot())
}

func TestHandleAckReportsNack(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)

	lease, err := h.Stations.Acquire(1)
	require.NoError(t, err)

	h.HandleAck(context.Background(), wire.Message{Header: wire.Header{Type: wire.MsgFetchNack, WSID: lease.ID()}})

	status, err := lease.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, waitstation.StatusNack, status)
	assert.EqualValues(t, 0, h.Acked.Snapshot())
}
