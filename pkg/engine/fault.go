package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/asyncworker"
	"github.com/cxlswmc/pagecoherence/pkg/cohererr"
	"github.com/cxlswmc/pagecoherence/pkg/decision"
	"github.com/cxlswmc/pagecoherence/pkg/faulttable"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// PageCoherenceFault is the fault callback the host's page-fault
// interposer calls on every access to a coherence-managed page (spec §6).
// inPFN is left unchanged unless the decision table calls for a replica
// redirect; retry tells the caller to re-drive the fault from scratch.
func (e *Engine) PageCoherenceFault(ctx context.Context, pid int, va uint64, isWrite bool, fileName string, inPFN pfn.PFN) (outPFN pfn.PFN, retry bool, err error) {
	if !e.enabled.get() || !e.space.Managed(inPFN, fileName) {
		return inPFN, false, nil
	}

	e.counters.recordFault(isWrite)

	pg := e.pages.Lookup(inPFN)

	handle, _, err := e.handles.BeginLocal(inPFN, isWrite, faulttable.PageMeta{
		Shared:     pg.Shared,
		Modified:   pg.Modified,
		Replicated: pg.Replicated,
	})
	if errors.Is(err, faulttable.ErrMustRetry) {
		return inPFN, true, nil
	}
	if err != nil {
		return inPFN, false, err
	}

	defer func() {
		if e.handles.FinishLocal(handle) {
			retry = true
		}
	}()

	actions := handle.Action
	outPFN = inPFN

	if actions.Has(decision.WaitForAsyncTransaction) {
		if waitErr := e.waitForAsync(ctx, inPFN); waitErr != nil {
			return inPFN, false, waitErr
		}
	}

	typ := wire.MsgFetch
	if isWrite {
		typ = wire.MsgInvalidate
	}

	offset := e.space.Offset(inPFN)
	replicatedNotShared := handle.Replicated && !handle.Shared

	switch {
	case actions.Has(decision.IssueSyncTransaction):
		if syncErr := e.transactor.IssueSync(ctx, typ, inPFN, offset, 0, replicatedNotShared); syncErr != nil {
			if errors.Is(syncErr, cohererr.ErrAgain) {
				return inPFN, true, nil
			}
			return inPFN, false, syncErr
		}

	case actions.Has(decision.IssueAsyncTransaction):
		if e.transactor.ShouldForceSync() {
			if syncErr := e.transactor.IssueSync(ctx, typ, inPFN, offset, 0, replicatedNotShared); syncErr != nil {
				if errors.Is(syncErr, cohererr.ErrAgain) {
					return inPFN, true, nil
				}
				return inPFN, false, syncErr
			}
		} else {
			e.beginAsyncWait(inPFN)

			if asyncErr := e.transactor.IssueAsync(ctx, typ, inPFN, offset, 0); asyncErr != nil {
				e.clearAsyncWait(inPFN)
				return inPFN, false, asyncErr
			}
		}
	}

	if actions.Has(decision.UpdateMetadata) {
		e.updateLocalMetadata(pg, handle)
	}

	if actions.Has(decision.MapVPNToPFN) {
		outPFN = e.mapToReplica(inPFN)
	}

	return outPFN, false, nil
}

// updateLocalMetadata applies the local state transitions spec §4.4 names
// by row: a clean read becomes shared; a shared-but-unmodified write
// upgrades to exclusive; a write against a stale-shared page leaves the
// transient state untouched until the in-flight writeback lands; a write
// with no copy known anywhere becomes modified in place.
func (e *Engine) updateLocalMetadata(pg *page.Page, handle *faulttable.Handle) {
	switch {
	case !handle.NeedWrite && !handle.Shared && !handle.Modified && !handle.Replicated:
		pg.Shared = true

	case handle.NeedWrite && handle.Shared && !handle.Modified:
		pg.Modified = true
		pg.Shared = false

	case handle.NeedWrite && handle.Shared && handle.Modified:
		// stale-shared transient: left alone until writeback finishes.

	case handle.NeedWrite && !handle.Shared && !handle.Modified:
		pg.Modified = true
	}
}

// mapToReplica implements MAP_VPN_TO_PFN (spec §4.4): redirect the fault
// to original's replica if one exists, otherwise leave it mapped to
// original itself.
func (e *Engine) mapToReplica(original pfn.PFN) pfn.PFN {
	replica, ok := e.replica.Get(original)
	if !ok {
		return original
	}

	e.counters.replicaFoundCount.Add(1)
	e.mapper.RedirectToReplica(original, replica)

	return replica
}

func (e *Engine) beginAsyncWait(p pfn.PFN) {
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()

	if _, ok := e.asyncInFlight[p]; !ok {
		e.asyncInFlight[p] = make(chan struct{})
	}
}

func (e *Engine) clearAsyncWait(p pfn.PFN) {
	e.asyncMu.Lock()
	ch, ok := e.asyncInFlight[p]
	if ok {
		delete(e.asyncInFlight, p)
	}
	e.asyncMu.Unlock()

	if ok {
		close(ch)
	}
}

// waitForAsync blocks until any in-flight async transaction against p
// completes, implementing WAIT_FOR_ASYNC_TRANSACTION (spec §4.4): a later
// write fault hitting a page whose prior read fault is still mid-fetch
// must not race ahead of that fetch's completion.
func (e *Engine) waitForAsync(ctx context.Context, p pfn.PFN) error {
	e.asyncMu.Lock()
	ch, ok := e.asyncInFlight[p]
	e.asyncMu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push implements coherence.AsyncSink: the moment all ACKs for an async
// transaction against original have arrived, its in-flight window is over
// (any fault parked in waitForAsync unblocks here), independent of when
// C8 actually finalizes the record.
func (e *Engine) Push(ctx context.Context, original pfn.PFN, nacked bool) error {
	e.clearAsyncWait(original)

	return e.asyncWorker.Push(ctx, asyncworker.Record{Original: original, Nacked: nacked})
}

// Finalize implements asyncworker.Finalizer (spec §4.9, §9 open question
// resolution): a NACK is resent once via the sync path; a second
// consecutive NACK against the same original is dropped and counted.
// Otherwise the replica (if any) is refreshed from the now-consistent
// original and its modified bit cleared.
func (e *Engine) Finalize(ctx context.Context, r asyncworker.Record) error {
	if !r.Nacked {
		e.nackMu.Lock()
		delete(e.nackSeen, r.Original)
		e.nackMu.Unlock()

		if _, ok := e.replica.Get(r.Original); ok {
			offset := e.space.Offset(r.Original)
			if err := e.replica.Fetch(r.Original, offset, 0); err != nil {
				e.log.Warn("engine: refreshing replica after async completion",
					zap.Uint64("pfn", uint64(r.Original)), zap.Error(err))
			}
		}

		e.mapper.CleanCacheLines(r.Original)

		if pg, ok := e.pages.Peek(r.Original); ok {
			pg.Modified = false
		}

		return nil
	}

	e.nackMu.Lock()
	seenBefore := e.nackSeen[r.Original]
	e.nackSeen[r.Original] = true
	e.nackMu.Unlock()

	if seenBefore {
		e.nackMu.Lock()
		delete(e.nackSeen, r.Original)
		e.nackMu.Unlock()

		e.asyncWorker.MarkDropped()

		return nil
	}

	offset := e.space.Offset(r.Original)
	err := e.transactor.IssueSync(ctx, wire.MsgFetch, r.Original, offset, 0, false)
	if err == cohererr.ErrAgain {
		// IssueSync returns the bare sentinel only when the resend itself
		// was NACKed: that is the second consecutive NACK.
		e.nackMu.Lock()
		delete(e.nackSeen, r.Original)
		e.nackMu.Unlock()

		e.asyncWorker.MarkDropped()
		e.log.Warn("engine: dropping update after second nack",
			zap.Uint64("pfn", uint64(r.Original)))

		return nil
	}

	if err != nil {
		e.log.Warn("engine: resync after nack failed",
			zap.Uint64("pfn", uint64(r.Original)), zap.Error(err))
	}

	return nil
}
