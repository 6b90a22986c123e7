// Package transport defines the interface the coherence core consumes for
// inter-host messaging. The core never implements a transport itself; it
// only dispatches inbound records and calls out through this interface.
package transport

import (
	"context"
	"fmt"

	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// ErrNotImplemented is available to a Transport that has no ops registered
// for an operation. Neither transport in this module returns it, and the
// engine gives it no special handling.
var ErrNotImplemented = fmt.Errorf("transport: operation not implemented")

// Transport is the external collaborator responsible for unicast,
// broadcast, node counting, and per-message release.
type Transport interface {
	// NodeCount returns the number of peer hosts (not including self).
	NodeCount(ctx context.Context) (int, error)

	// Unicast sends msg to a single destination node.
	Unicast(ctx context.Context, msg wire.Message) error

	// Broadcast delivers msg to every other node.
	Broadcast(ctx context.Context, msg wire.Message) error

	// Done releases any transport-side resources associated with msg
	// (e.g. a receive buffer); it is called once the core has finished
	// processing an inbound message.
	Done(msg wire.Message)
}

// Handler reacts to one category of inbound message.
type Handler interface {
	HandleRequest(ctx context.Context, msg wire.Message)
	HandleAck(ctx context.Context, msg wire.Message)
	HandleError(ctx context.Context, msg wire.Message)
}

// Dispatcher is the single process-wide inbound entry point: it matches an
// inbound wire.Message's type to one of three handlers, per spec §4.2.
type Dispatcher struct {
	handler Handler
}

// NewDispatcher builds a Dispatcher routing to h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Dispatch routes msg to the appropriate handler method based on its type.
func (d *Dispatcher) Dispatch(ctx context.Context, msg wire.Message) {
	switch {
	case msg.Type.IsRequest():
		d.handler.HandleRequest(ctx, msg)
	case msg.Type.IsAck() || msg.Type.IsNack():
		d.handler.HandleAck(ctx, msg)
	case msg.Type == wire.MsgError:
		d.handler.HandleError(ctx, msg)
	}
}
