package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

type recordingHandler struct {
	requests []wire.Message
	acks     []wire.Message
	errs     []wire.Message
}

func (r *recordingHandler) HandleRequest(_ context.Context, msg wire.Message) {
	r.requests = append(r.requests, msg)
}

func (r *recordingHandler) HandleAck(_ context.Context, msg wire.Message) {
	r.acks = append(r.acks, msg)
}

func (r *recordingHandler) HandleError(_ context.Context, msg wire.Message) {
	r.errs = append(r.errs, msg)
}

func TestDispatcherRoutesByType(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h)
	ctx := context.Background()

	d.Dispatch(ctx, wire.Message{Header: wire.Header{Type: wire.MsgFetch}})
	d.Dispatch(ctx, wire.Message{Header: wire.Header{Type: wire.MsgInvalidate}})
	d.Dispatch(ctx, wire.Message{Header: wire.Header{Type: wire.MsgFetchAck}})
	d.Dispatch(ctx, wire.Message{Header: wire.Header{Type: wire.MsgInvalidateNack}})
	d.Dispatch(ctx, wire.Message{Header: wire.Header{Type: wire.MsgError}})

	assert.Len(t, h.requests, 2)
	assert.Len(t, h.acks, 2)
	assert.Len(t, h.errs, 1)
}
