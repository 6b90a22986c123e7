package waitstation

import (
	"context"
	"sync/atomic"
)

// Status is the recorded outcome of a transaction a station tracked.
type Status int32

const (
	StatusPending Status = iota
	StatusOK
	StatusNack
)

// station is a one-shot rendezvous for the responses to a single
// transaction: a pending-response counter and a completion signal, plus an
// optional async slot (spec §4.1, §4.5). The completion shape mirrors the
// teacher org's SetOnce[T] rendezvous (Done channel, write-once semantics)
// generalized from "one value" to "N acks counted down to zero".
type station struct {
	id         int32
	generation uint32

	pending atomic.Int32
	status  atomic.Int32 // Status
	done    chan struct{}
	closed  atomic.Bool

	// asyncPage, when non-nil, is the page the async issuer hands to the
	// completion worker once pending reaches zero; done is closed either
	// way.
	asyncPage atomic.Pointer[any]
}

func newStation(id int32) *station {
	return &station{id: id, done: make(chan struct{})}
}

// reset prepares the station for a new rental with expected acks.
func (s *station) reset(expected int32) {
	s.generation++
	s.pending.Store(expected)
	s.status.Store(int32(StatusPending))
	s.asyncPage.Store(nil)
	s.closed.Store(false)
	s.done = make(chan struct{})
}

// setAsync marks this station as an async transaction carrying page.
func (s *station) setAsync(page any) {
	s.asyncPage.Store(&page)
}

// asyncSlot returns the page stashed for the async completion worker, if
// this was an async transaction.
func (s *station) asyncSlot() (any, bool) {
	p := s.asyncPage.Load()
	if p == nil {
		return nil, false
	}

	return *p, true
}

// signal records one response (ack or nack) and, if this was the last
// expected response, completes the station.
//
// Returns true exactly once, the first time pending reaches zero.
func (s *station) signal(isNack bool) (done bool) {
	if isNack {
		s.status.Store(int32(StatusNack))
	}

	remaining := s.pending.Add(-1)
	if remaining != 0 {
		return false
	}

	if s.status.Load() == int32(StatusPending) {
		s.status.Store(int32(StatusOK))
	}

	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		return true
	}

	return false
}

// wait blocks until the station completes or ctx is done, returning the
// recorded status.
func (s *station) wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
		return Status(s.status.Load()), nil
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	}
}
