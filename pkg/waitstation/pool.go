// Package waitstation implements the bounded pool of one-shot rendezvous
// objects (C1) used to track the outstanding ACKs/NACKs of one coherence
// transaction.
//
// The free-slot allocator is grounded on the teacher org's NBD device pool
// (reference/nbd/pool.go: NbdDevicePool, a bits-and-blooms/bitset-backed
// slot allocator guarded by a single mutex, NextClear/Set/Clear). The
// rendezvous shape per slot mirrors the teacher org's SetOnce[T] behavior
// observed in packages/shared/pkg/utils/set_once_test.go (a Done channel,
// write-once completion, context-aware Wait).
package waitstation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/jellydator/ttlcache/v3"
)

// ErrPoolExhausted is returned by Acquire when no slot is free. Callers
// retry with backoff per spec §4.12.
var ErrPoolExhausted = fmt.Errorf("waitstation: pool exhausted")

// staleFenceTTL bounds how long a released id is remembered in the pool's
// "recently retired" cache. find does not consult that cache: a late
// ACK/NACK is dropped only while its id is still free, and one that
// arrives after the id was rented again is routed to the new holder. The
// wire format (spec §6) has no room for a generation field, so fencing
// against reuse rests on the transport dropping obsolete messages
// (spec §9, "wait-station id reuse").
const staleFenceTTL = 2 * time.Second

// Pool is the bounded pool of wait stations.
type Pool struct {
	mu       sync.Mutex
	slots    []*station
	free     *bitset.BitSet
	inFlight int

	threshold int // soft cap; in-flight beyond this forces the sync path.

	stale *ttlcache.Cache[int32, struct{}]
}

// Lease is the caller-visible handle to an acquired station.
type Lease struct {
	pool *Pool
	id   int32
	gen  uint32
}

// ID returns the wire-level ws_id to embed in outgoing messages.
func (l *Lease) ID() int32 { return l.id }

// NewPool builds a pool with the given capacity. threshold is the soft
// in-flight cap (spec §4.1); pass 0 to default to 80% of capacity.
func NewPool(capacity int, threshold int) *Pool {
	if threshold <= 0 {
		threshold = capacity * 4 / 5
	}

	slots := make([]*station, capacity)
	for i := range slots {
		slots[i] = newStation(int32(i))
	}

	stale := ttlcache.New[int32, struct{}](
		ttlcache.WithTTL[int32, struct{}](staleFenceTTL),
	)
	go stale.Start()

	return &Pool{
		slots:     slots,
		free:      bitset.New(uint(capacity)),
		threshold: threshold,
		stale:     stale,
	}
}

// Close stops the pool's background eviction goroutine.
func (p *Pool) Close() {
	p.stale.Stop()
}

// Acquire rents a station expecting `expected` responses.
func (p *Pool) Acquire(expected int) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.free.NextClear(0)
	if !ok || int(slot) >= len(p.slots) {
		return nil, ErrPoolExhausted
	}

	p.free.Set(slot)
	p.inFlight++

	st := p.slots[slot]
	st.reset(int32(expected))

	return &Lease{pool: p, id: st.id, gen: st.generation}, nil
}

// Release returns the lease's station to the pool. Idempotent.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.free.Test(uint(l.id)) {
		return // already released
	}

	p.free.Clear(uint(l.id))
	p.inFlight--

	p.stale.Set(l.id, struct{}{}, ttlcache.DefaultTTL)
}

// find looks up the live station for id, rejecting ids that are out of
// range or not currently rented.
func (p *Pool) find(id int32) (*station, bool) {
	p.mu.Lock()
	allocated := int(id) >= 0 && int(id) < len(p.slots) && p.free.Test(uint(id))
	p.mu.Unlock()

	if !allocated {
		return nil, false
	}

	return p.slots[id], true
}

// Signal records one ACK/NACK against the station with the given id. It is
// a no-op (not an error) if the id is unknown or already retired, matching
// the spec's "drop stale/duplicate message" error policy (§7 *invalid*).
func (p *Pool) Signal(id int32, isNack bool) {
	st, ok := p.find(id)
	if !ok {
		return
	}

	st.signal(isNack)
}

// SetAsync marks the lease's station as carrying an async completion page.
func (l *Lease) SetAsync(page any) {
	st, ok := l.pool.find(l.id)
	if ok {
		st.setAsync(page)
	}
}

// AsyncPage returns the page stashed via SetAsync, if any.
func (l *Lease) AsyncPage() (any, bool) {
	st, ok := l.pool.find(l.id)
	if !ok {
		return nil, false
	}

	return st.asyncSlot()
}

// Wait blocks until every expected response has arrived, returning the
// recorded status (success or NACK).
func (l *Lease) Wait(ctx context.Context) (Status, error) {
	st, ok := l.pool.find(l.id)
	if !ok {
		return StatusPending, fmt.Errorf("waitstation: lease %d already released", l.id)
	}

	return st.wait(ctx)
}

// InFlight returns the number of stations currently rented.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inFlight
}

// OverThreshold reports whether the in-flight count exceeds the pool's soft
// cap; the coherence engine consults this to force the synchronous
// transaction path (spec §4.1, §4.4).
func (p *Pool) OverThreshold() bool {
	return p.InFlight() > p.threshold
}

// Capacity returns the pool's maximum number of stations.
func (p *Pool) Capacity() int {
	return len(p.slots)
}
