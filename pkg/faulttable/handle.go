// Package faulttable implements the fault-handle table (C4): one in-flight
// record per PFN, serializing concurrent faulters and carrying the
// computed decision-table action set. Sharded storage is grounded on
// github.com/orcaman/concurrent-map/v2's per-shard RWMutex design, which
// already matches spec §4.3's "fixed-size hash of lists, each bucket its
// own lock"; waiter-parking and priority arbitration are new code layered
// on top, since concurrent-map supplies sharded storage but no coherence
// semantics.
package faulttable

import (
	"errors"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/cxlswmc/pagecoherence/pkg/decision"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
)

// ErrNoMem names handle-allocator exhaustion (spec §4.3). BeginLocal does
// not return it: handles are ordinary heap allocations here.
var ErrNoMem = errors.New("faulttable: allocator exhausted")

// ErrMustRetry signals the caller must re-execute the fault from scratch,
// e.g. to reacquire a file-system lease (spec §4.3).
var ErrMustRetry = errors.New("faulttable: must retry fault")

// Handle is the in-flight, per-PFN fault record (spec §3 "Fault Handle").
type Handle struct {
	PFN pfn.PFN

	mu sync.Mutex

	Retry      bool
	Remote     bool
	Replicated bool
	NeedWrite  bool
	Modified   bool
	Shared     bool

	Action decision.ActionSet

	// AckedFaultCount is this handle's snapshot of the owning node's
	// monotonically non-decreasing completion count, used as the
	// priority-arbitration tiebreaker (spec §4.6).
	AckedFaultCount int64
	PeerNode        int32

	waiters []chan struct{}
}

func (h *Handle) parkWaiter() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan struct{})
	h.waiters = append(h.waiters, ch)

	return ch
}

func (h *Handle) wakeWaiters() {
	h.mu.Lock()
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Table is the fixed-size sharded fault-handle table.
type Table struct {
	m cmap.ConcurrentMap[string, *Handle]
}

// NewTable builds a fault-handle table. Sharding mirrors spec §4.3's
// "fixed-size hash of lists (default 31 buckets)"; concurrent-map/v2 uses
// a fixed 32-shard ring internally, the closest power-of-two neighbor.
func NewTable() *Table {
	return &Table{m: cmap.New[*Handle]()}
}

func key(p pfn.PFN) string {
	return fmt.Sprintf("%d", uint64(p))
}

// BeginLocal implements begin_local(pfn, is_write) (spec §4.3). It may
// block the caller (waited=true) if a handle already exists.
func (t *Table) BeginLocal(p pfn.PFN, isWrite bool, meta PageMeta) (h *Handle, waited bool, err error) {
	var existing *Handle
	var park <-chan struct{}

	t.m.Upsert(key(p), nil, func(exists bool, cur, _ *Handle) *Handle {
		if exists {
			existing = cur
			park = cur.parkWaiter()
			return cur
		}

		h = newHandle(p, isWrite, meta)
		return h
	})

	if existing == nil {
		return h, false, nil
	}

	<-park

	existing.mu.Lock()
	defer existing.mu.Unlock()

	if existing.NeedWrite {
		return nil, true, ErrMustRetry
	}

	existing.Retry = false
	existing.NeedWrite = isWrite
	existing.Shared = meta.Shared
	existing.Modified = meta.Modified
	existing.Replicated = meta.Replicated
	existing.Action = decision.Decide(decision.Flags{
		IsWrite:    isWrite,
		Modified:   meta.Modified,
		Shared:     meta.Shared,
		Replicated: meta.Replicated,
	})

	return existing, true, nil
}

// PageMeta is the page metadata snapshot begin_local/begin_remote consult
// to derive the handle's flags and decision-table action.
type PageMeta struct {
	Shared     bool
	Modified   bool
	Replicated bool
}

func newHandle(p pfn.PFN, isWrite bool, meta PageMeta) *Handle {
	return &Handle{
		PFN:        p,
		NeedWrite:  isWrite,
		Shared:     meta.Shared,
		Modified:   meta.Modified,
		Replicated: meta.Replicated,
		Action: decision.Decide(decision.Flags{
			IsWrite:    isWrite,
			Modified:   meta.Modified,
			Shared:     meta.Shared,
			Replicated: meta.Replicated,
		}),
	}
}

// FinishLocal implements finish_local(handle) (spec §4.3).
func (t *Table) FinishLocal(h *Handle) (retryNeeded bool) {
	h.mu.Lock()
	retryNeeded = h.Retry
	h.mu.Unlock()

	t.m.Remove(key(h.PFN))
	h.wakeWaiters()

	return retryNeeded
}

// BeginRemote implements begin_remote(pfn, is_write, peer_ack_count,
// peer_node, local_node) (spec §4.3/§4.6). It returns ok=false when the
// remote fault must be NACKed.
func (t *Table) BeginRemote(p pfn.PFN, isWrite bool, peerAckCount int64, peerNode, localNode int32, meta PageMeta) (h *Handle, ok bool) {
	var nacked bool

	t.m.Upsert(key(p), nil, func(exists bool, cur, _ *Handle) *Handle {
		if !exists {
			nh := newHandle(p, isWrite, meta)
			nh.Remote = true
			nh.PeerNode = peerNode
			nh.AckedFaultCount = peerAckCount
			nh.Action = decision.Decide(decision.Flags{
				IsWrite:    isWrite,
				Modified:   meta.Modified,
				Shared:     meta.Shared,
				Replicated: meta.Replicated,
				IsRemote:   true,
			})
			h = nh
			return nh
		}

		cur.mu.Lock()
		defer cur.mu.Unlock()

		if cur.Remote {
			nacked = true
			return cur
		}

		localWins := arbitrate(cur.NeedWrite, cur.AckedFaultCount, localNode, isWrite, peerAckCount, peerNode)
		if localWins {
			nacked = true
			return cur
		}

		if isWrite {
			cur.Retry = true
		}

		cur.Remote = true
		cur.PeerNode = peerNode
		cur.AckedFaultCount = peerAckCount
		cur.NeedWrite = isWrite
		cur.Shared = meta.Shared
		cur.Modified = meta.Modified
		cur.Replicated = meta.Replicated
		cur.Action = decision.Decide(decision.Flags{
			IsWrite:    isWrite,
			Modified:   meta.Modified,
			Shared:     meta.Shared,
			Replicated: meta.Replicated,
			IsRemote:   true,
		})
		h = cur

		return cur
	})

	if nacked {
		return nil, false
	}

	return h, true
}

// FinishRemote implements finish_remote(handle) (spec §4.3): wakes any
// parked local waiter, and destroys the handle only if it is still purely
// remote (a local path that reclaimed the handle owns its destruction).
func (t *Table) FinishRemote(h *Handle) (freed bool) {
	h.mu.Lock()
	hasWaiters := len(h.waiters) > 0
	stillRemote := h.Remote
	h.mu.Unlock()

	if hasWaiters {
		h.wakeWaiters()
		return false
	}

	if stillRemote {
		t.m.Remove(key(h.PFN))
		return true
	}

	return false
}

// arbitrate implements spec §4.6's priority arbitration: reports whether
// the local fault wins (the remote must be NACKed).
func arbitrate(localIsWrite bool, localAckCount int64, localNode int32, remoteIsWrite bool, remoteAckCount int64, remoteNode int32) bool {
	if localIsWrite && !remoteIsWrite {
		// Writers starve readers to avoid livelock.
		return true
	}

	if !localIsWrite && remoteIsWrite {
		return false
	}

	if localIsWrite && remoteIsWrite {
		if localAckCount != remoteAckCount {
			return localAckCount < remoteAckCount
		}
		return localNode < remoteNode
	}

	// Both reads: remote wins per spec's "otherwise, remote wins" rule.
	return false
}
