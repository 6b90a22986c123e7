// Package remote implements the remote handler (C10): the dispatch entry
// for inbound FETCH/INVALIDATE requests and ACK/NACK responses. Grounded
// on reference/nbd's server.Handle single-entry dispatch-to-backend shape,
// adapted to dispatch on wire.MsgType instead of NBD opcodes.
package remote

import (
	"context"

	"go.uber.org/zap"

	"github.com/cxlswmc/pagecoherence/pkg/cohererr"
	"github.com/cxlswmc/pagecoherence/pkg/coherence"
	"github.com/cxlswmc/pagecoherence/pkg/decision"
	"github.com/cxlswmc/pagecoherence/pkg/faulttable"
	"github.com/cxlswmc/pagecoherence/pkg/mapping"
	"github.com/cxlswmc/pagecoherence/pkg/page"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/waitstation"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// Replicator is the subset of the replica store the remote handler needs
// to execute a WRITEBACK action.
type Replicator interface {
	Writeback(original pfn.PFN, offset int64, order int) error
}

// Handler implements transport.Handler for inbound protocol messages,
// acting as C10.
type Handler struct {
	LocalNode int32

	Handles    *faulttable.Table
	Pages      *page.Table
	Space      pfn.Space
	Replicator Replicator
	Mapper     mapping.Mapper
	Stations   *waitstation.Pool
	Acked      *coherence.AckCounter
	Transport  transport.Transport
	Log        *zap.Logger
}

// HandleRequest implements spec §4.11: arbitrate, execute the action
// bitmap in fixed order (WRITEBACK, INVALIDATE, UPDATE_METADATA, RESPOND),
// then finish_remote.
func (h *Handler) HandleRequest(ctx context.Context, msg wire.Message) {
	p := h.Space.PFNFromOffset(msg.CXLOffset)

	isWrite := msg.Type == wire.MsgInvalidate

	orig := h.Pages.Lookup(p)

	handle, ok := h.Handles.BeginRemote(p, isWrite, msg.AckedFaultCnt, msg.FromNode, h.LocalNode, faulttable.PageMeta{
		Shared:     orig.Shared,
		Modified:   orig.Modified,
		Replicated: orig.Replicated,
	})

	if !ok {
		h.respond(ctx, nackType(msg.Type), msg, false)
		return
	}

	if handle.Action == 0 {
		// R W M S (remote): invalid per spec §4.4 — log and drop, do not
		// ACK (spec §7 *invalid* policy), and free the handle.
		h.Log.Error("remote: invalid flag combination, dropping message",
			zap.Error(cohererr.ErrInvalid),
			zap.Uint64("pfn", uint64(handle.PFN)),
		)
		h.Handles.FinishRemote(handle)

		return
	}

	h.execute(ctx, handle, orig, msg)

	h.Handles.FinishRemote(handle)
}

func (h *Handler) execute(ctx context.Context, handle *faulttable.Handle, orig *page.Page, msg wire.Message) {
	action := handle.Action

	if action.Has(decision.Writeback) {
		if h.Replicator != nil {
			if err := h.Replicator.Writeback(handle.PFN, msg.CXLOffset, int(msg.PageOrder)); err != nil {
				h.Log.Warn("remote: writeback failed", zap.Error(err))
			}
		}
	}

	if action.Has(decision.Invalidate) {
		h.Mapper.Unmap(handle.PFN)
	}

	if action.Has(decision.UpdateMetadata) {
		h.updateMetadata(handle, orig, msg.Type)
	}

	if action.Has(decision.Respond) {
		h.respond(ctx, ackType(msg.Type), msg, true)
	}
}

func (h *Handler) updateMetadata(handle *faulttable.Handle, orig *page.Page, typ wire.MsgType) {
	switch typ {
	case wire.MsgFetch:
		if orig.Modified {
			orig.Modified = false
			orig.Shared = true
		} else {
			orig.Shared = true
		}
	case wire.MsgInvalidate:
		orig.Modified = false
		orig.Shared = false
	}
}

func (h *Handler) respond(ctx context.Context, typ wire.MsgType, req wire.Message, ok bool) {
	reply := wire.Message{
		Header: wire.Header{
			Type:     typ,
			WSID:     req.WSID,
			FromNode: h.LocalNode,
			ToNode:   req.FromNode,
		},
		Payload: wire.Payload{
			AckedFaultCnt: h.Acked.Snapshot(),
		},
	}

	if err := h.Transport.Unicast(ctx, reply); err != nil {
		h.Log.Warn("remote: failed to respond", zap.Error(err), zap.Bool("ok", ok))
	}
}

// HandleAck implements the ACK/NACK inbound path (spec §4.11): look up the
// wait station and record this response, decrementing pending. Once
// pending reaches zero the waiting issuer (pkg/coherence.Transactor)
// increments the host's acked_fault_count itself and completes or hands
// off to C8 — see spec §4.11's "when pending reaches zero" clause, which
// fires exactly once per transaction rather than once per message.
func (h *Handler) HandleAck(_ context.Context, msg wire.Message) {
	h.Stations.Signal(msg.WSID, msg.Type.IsNack())
}

// HandleError logs and drops per spec §7 *invalid*: log, drop message,
// free handle; do not ACK.
func (h *Handler) HandleError(_ context.Context, msg wire.Message) {
	h.Log.Warn("remote: received protocol error message",
		zap.Int32("from_node", msg.FromNode),
		zap.Int32("ws_id", msg.WSID),
	)
}

func ackType(req wire.MsgType) wire.MsgType {
	if req == wire.MsgInvalidate {
		return wire.MsgInvalidateAck
	}

	return wire.MsgFetchAck
}

func nackType(req wire.MsgType) wire.MsgType {
	if req == wire.MsgInvalidate {
		return wire.MsgInvalidateNack
	}

	return wire.MsgFetchNack
}

