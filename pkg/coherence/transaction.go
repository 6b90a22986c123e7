// Package coherence issues synchronous and asynchronous coherence
// transactions (spec §4.5), tying together the wait-station pool (C1),
// the message codec (C2), the transport adapter (C3), and the replica
// store (C6) refresh step. Grounded on spec §4.5's numbered steps.
package coherence

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cxlswmc/pagecoherence/pkg/cohererr"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/waitstation"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// AckCounter is the host's monotonically non-decreasing count of
// completed ACKs, used as the priority-arbitration tiebreaker (spec §4.2,
// §4.6). Monotonic-non-decreasing-and-strictly-increasing-on-completion is
// what makes the arbitration scheme in spec §4.6 deadlock-free.
type AckCounter struct {
	n atomic.Int64
}

// Snapshot returns the counter's current value without mutating it.
func (c *AckCounter) Snapshot() int64 { return c.n.Load() }

// Increment advances the counter by one, called once per fully-completed
// transaction (spec §4.11 inbound ACK/NACK handling).
func (c *AckCounter) Increment() { c.n.Add(1) }

// Replicator refreshes a replica from its original after a successful
// FETCH (spec §4.5 step 4).
type Replicator interface {
	Fetch(original pfn.PFN, offset int64, order int) error
}

// AsyncSink receives completed async transactions for C8 to finalize.
type AsyncSink interface {
	Push(ctx context.Context, original pfn.PFN, nacked bool) error
}

// Transactor issues sync/async coherence transactions over a Transport,
// using a wait-station Pool to rendezvous on ACKs.
type Transactor struct {
	stations   *waitstation.Pool
	tr         transport.Transport
	localNode  int32
	acked      *AckCounter
	replicator Replicator
	asyncSink  AsyncSink
}

// NewTransactor builds a Transactor for localNode.
func NewTransactor(stations *waitstation.Pool, tr transport.Transport, localNode int32, acked *AckCounter, replicator Replicator, asyncSink AsyncSink) *Transactor {
	return &Transactor{
		stations:   stations,
		tr:         tr,
		localNode:  localNode,
		acked:      acked,
		replicator: replicator,
		asyncSink:  asyncSink,
	}
}

// IssueSync implements spec §4.5's synchronous transaction: acquire a
// station, broadcast, wait, optionally refresh the replica, release.
func (t *Transactor) IssueSync(ctx context.Context, typ wire.MsgType, p pfn.PFN, offset int64, order int32, replicatedNotShared bool) error {
	n, err := t.tr.NodeCount(ctx)
	if err != nil {
		return fmt.Errorf("coherence: node count: %w", err)
	}

	if n == 0 {
		return nil // no peers to coordinate with
	}

	lease, err := t.stations.Acquire(n)
	if err != nil {
		return fmt.Errorf("%w: %v", cohererr.ErrAgain, err)
	}
	defer t.stations.Release(lease)

	msg := wire.Message{
		Header: wire.Header{Type: typ, WSID: lease.ID(), FromNode: t.localNode},
		Payload: wire.Payload{
			CXLOffset:     offset,
			PageOrder:     order,
			AckedFaultCnt: t.acked.Snapshot(),
		},
	}

	if err := t.tr.Broadcast(ctx, msg); err != nil {
		return fmt.Errorf("coherence: broadcast: %w", err)
	}

	status, err := lease.Wait(ctx)
	if err != nil {
		return fmt.Errorf("coherence: wait: %w", err)
	}

	if status == waitstation.StatusNack {
		return cohererr.ErrAgain
	}

	t.acked.Increment()

	if replicatedNotShared && t.replicator != nil {
		if err := t.replicator.Fetch(p, offset, order); err != nil {
			return fmt.Errorf("coherence: replica refresh: %w", err)
		}
	}

	return nil
}

// ShouldForceSync reports whether in-flight transactions exceed the
// wait-station pool's soft threshold, per spec §4.4's "soft overload rule":
// any ISSUE_ASYNC_TRANSACTION is promoted to ISSUE_SYNC_TRANSACTION while
// this holds.
func (t *Transactor) ShouldForceSync() bool {
	return t.stations.OverThreshold()
}

// IssueAsync implements spec §4.5's asynchronous transaction: identical
// through the broadcast, then returns immediately. Completion is observed
// in the background and handed to C8 once all ACKs arrive.
func (t *Transactor) IssueAsync(ctx context.Context, typ wire.MsgType, p pfn.PFN, offset int64, order int32) error {
	n, err := t.tr.NodeCount(ctx)
	if err != nil {
		return fmt.Errorf("coherence: node count: %w", err)
	}

	if n == 0 {
		return nil
	}

	lease, err := t.stations.Acquire(n)
	if err != nil {
		return fmt.Errorf("%w: %v", cohererr.ErrAgain, err)
	}

	lease.SetAsync(p)

	msg := wire.Message{
		Header: wire.Header{Type: typ, WSID: lease.ID(), FromNode: t.localNode},
		Payload: wire.Payload{
			CXLOffset:     offset,
			PageOrder:     order,
			AckedFaultCnt: t.acked.Snapshot(),
		},
	}

	if err := t.tr.Broadcast(ctx, msg); err != nil {
		t.stations.Release(lease)
		return fmt.Errorf("coherence: broadcast: %w", err)
	}

	go t.awaitAsync(lease)

	return nil
}

func (t *Transactor) awaitAsync(lease *waitstation.Lease) {
	defer t.stations.Release(lease)

	status, err := lease.Wait(context.Background())
	if err != nil {
		return
	}

	if status == waitstation.StatusOK {
		t.acked.Increment()
	}

	page, _ := lease.AsyncPage()
	original, _ := page.(pfn.PFN)

	if t.asyncSink != nil {
		_ = t.asyncSink.Push(context.Background(), original, status == waitstation.StatusNack)
	}
}
