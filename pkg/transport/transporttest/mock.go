// Package transporttest provides an in-memory, multi-node transport.Transport
// used to exercise the coherence core's multi-host scenarios inside a single
// test process, without any real network.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// Network is a shared in-memory bus connecting a fixed set of nodes.
type Network struct {
	mu          sync.RWMutex
	dispatchers map[int32]*transport.Dispatcher
	order       []int32

	// DropOnce, keyed by (from,to,type), causes the next matching send to
	// be silently dropped instead of delivered; used to simulate a single
	// transport failure for retry-path tests.
	dropOnce map[dropKey]bool
}

type dropKey struct {
	from, to int32
	typ      wire.MsgType
}

// NewNetwork creates an empty bus.
func NewNetwork() *Network {
	return &Network{
		dispatchers: make(map[int32]*transport.Dispatcher),
		dropOnce:    make(map[dropKey]bool),
	}
}

// Register attaches node id's dispatcher to the bus and returns a Transport
// bound to that node's identity.
func (n *Network) Register(node int32, d *transport.Dispatcher) *NodeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dispatchers[node] = d
	n.order = append(n.order, node)

	return &NodeTransport{net: n, self: node}
}

// DropNext arranges for the next message matching (from, to, typ) to be
// dropped instead of delivered.
func (n *Network) DropNext(from, to int32, typ wire.MsgType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dropOnce[dropKey{from, to, typ}] = true
}

func (n *Network) consumeDrop(from, to int32, typ wire.MsgType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	k := dropKey{from, to, typ}
	if n.dropOnce[k] {
		delete(n.dropOnce, k)
		return true
	}

	return false
}

func (n *Network) peers(exclude int32) []int32 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]int32, 0, len(n.order))
	for _, id := range n.order {
		if id != exclude {
			out = append(out, id)
		}
	}

	return out
}

func (n *Network) dispatcherFor(node int32) (*transport.Dispatcher, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	d, ok := n.dispatchers[node]
	return d, ok
}

// NodeTransport implements transport.Transport for one node of a Network.
type NodeTransport struct {
	net  *Network
	self int32
}

func (t *NodeTransport) NodeCount(ctx context.Context) (int, error) {
	return len(t.net.peers(t.self)), nil
}

func (t *NodeTransport) Unicast(ctx context.Context, msg wire.Message) error {
	if t.net.consumeDrop(msg.FromNode, msg.ToNode, msg.Type) {
		return nil
	}

	d, ok := t.net.dispatcherFor(msg.ToNode)
	if !ok {
		return fmt.Errorf("transporttest: no such node %d", msg.ToNode)
	}

	d.Dispatch(ctx, msg)

	return nil
}

func (t *NodeTransport) Broadcast(ctx context.Context, msg wire.Message) error {
	for _, peer := range t.net.peers(t.self) {
		if t.net.consumeDrop(msg.FromNode, peer, msg.Type) {
			continue
		}

		d, ok := t.net.dispatcherFor(peer)
		if !ok {
			continue
		}

		m := msg
		m.ToNode = peer
		d.Dispatch(ctx, m)
	}

	return nil
}

func (t *NodeTransport) Done(wire.Message) {}
