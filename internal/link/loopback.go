// internal/link/loopback.go
package link

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/swarmit/supervisor/internal/protocol"
)

// Hub is an in-process mesh: one gateway and any number of nodes. Unicast
// frames reach only their destination, broadcast frames reach every node.
// It stands in for the radio in tests and in the host simulation.
type Hub struct {
	mu      sync.Mutex
	gateway *Endpoint
	nodes   map[uint64]*Endpoint
}

func NewHub() *Hub {
	h := &Hub{nodes: make(map[uint64]*Endpoint)}
	h.gateway = newEndpoint(h, protocol.GatewayAddress, true)
	return h
}

// Gateway returns the gateway end of the hub.
func (h *Hub) Gateway() *Endpoint { return h.gateway }

// Node returns the endpoint for id, creating it on first use. New nodes
// start connected.
func (h *Hub) Node(id uint64) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.nodes[id]; ok {
		return ep
	}
	ep := newEndpoint(h, id, false)
	ep.connected.Store(true)
	h.nodes[id] = ep
	return ep
}

func (h *Hub) route(from *Endpoint, dst uint64, payload []byte) {
	pkt := Packet{Src: from.id, Dst: dst, Payload: append([]byte(nil), payload...)}

	if !from.gateway {
		h.gateway.deliver(pkt)
		return
	}

	h.mu.Lock()
	var targets []*Endpoint
	if dst == protocol.BroadcastAddress {
		for _, ep := range h.nodes {
			targets = append(targets, ep)
		}
	} else if ep, ok := h.nodes[dst]; ok {
		targets = append(targets, ep)
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.deliver(pkt)
	}
}

// Endpoint is one side of the hub. It implements Link.
type Endpoint struct {
	hub     *Hub
	id      uint64
	gateway bool

	mu     sync.Mutex
	rx     ringBuffer
	txLog  ringBuffer
	notify chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newEndpoint(h *Hub, id uint64, gateway bool) *Endpoint {
	ep := &Endpoint{
		hub:     h,
		id:      id,
		gateway: gateway,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if gateway {
		ep.connected.Store(true)
	}
	return ep
}

func (e *Endpoint) ID() uint64 { return e.id }

// SetConnected simulates the node joining or leaving the gateway.
func (e *Endpoint) SetConnected(v bool) { e.connected.Store(v) }

func (e *Endpoint) Connected() bool { return e.connected.Load() && !e.closed.Load() }

func (e *Endpoint) Send(ctx context.Context, dst uint64, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(payload) > MaxPayload {
		return ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.gateway && !e.connected.Load() {
		return ErrNotConnected
	}

	e.mu.Lock()
	e.txLog.push(Packet{Src: e.id, Dst: dst, Payload: append([]byte(nil), payload...)})
	e.mu.Unlock()

	e.hub.route(e, dst, payload)
	return nil
}

func (e *Endpoint) Recv(ctx context.Context) (Packet, error) {
	for {
		e.mu.Lock()
		pkt, ok := e.rx.pop()
		e.mu.Unlock()
		if ok {
			return pkt, nil
		}

		select {
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		case <-e.done:
			return Packet{}, ErrClosed
		case <-e.notify:
		}
	}
}

// Inject queues pkt as if it had arrived over the air.
func (e *Endpoint) Inject(pkt Packet) { e.deliver(pkt) }

// Sent returns a copy of every packet sent from this endpoint, oldest
// first (bounded to the ring capacity).
func (e *Endpoint) Sent() []Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txLog.snapshot()
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	return nil
}

func (e *Endpoint) deliver(pkt Packet) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.rx.push(pkt)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

const ringCapacity = 64

type ringBuffer struct {
	data       [ringCapacity]Packet
	head, tail int // head = next pop, tail = next push
	count      int
}

func (rb *ringBuffer) push(p Packet) {
	if rb.count == ringCapacity {
		// overwrite the oldest to keep memory bounded
		rb.data[rb.tail] = Packet{}
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = p
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() (Packet, bool) {
	if rb.count == 0 {
		return Packet{}, false
	}
	p := rb.data[rb.head]
	rb.data[rb.head] = Packet{}
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return p, true
}

func (rb *ringBuffer) snapshot() []Packet {
	out := make([]Packet, 0, rb.count)
	i := rb.head
	for c := 0; c < rb.count; c++ {
		p := rb.data[i]
		p.Payload = append([]byte(nil), p.Payload...)
		out = append(out, p)
		i = (i + 1) % ringCapacity
	}
	return out
}
