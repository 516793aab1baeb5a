// Package sendpool implements the outbound message buffer pool
// described in spec.md §4.G: up to 64 in-flight send buffers allocated
// from a bitmask, each owned by a client and carrying its payload and
// optional control bytes,
// queued per client for fair draining and released back to the pool on
// send completion.
package sendpool

import (
	"fmt"
	"math/bits"
)

// Capacity is the maximum number of outstanding send buffers.
const Capacity = 64

// Buffer is one outstanding outbound message: a response or, in the
// reactor's terms, a single sendmsg payload with optional ancillary
// control data (e.g. a paste reply's FD).
type Buffer struct {
	index   int
	client  int
	Payload []byte
	Control []byte
}

// Index is the buffer's slot in the pool's bitmask, stable for its
// lifetime.
func (b *Buffer) Index() int { return b.index }

// Client is the fixed-table index of the connection this buffer is
// queued for.
func (b *Buffer) Client() int { return b.client }

// Pool hands out up to Capacity buffers from a 64-bit allocation
// bitmask (1 = free), and maintains a FIFO queue per client so the
// reactor can drain each connection's outbound messages in submission
// order.
type Pool struct {
	free    uint64 // bit set => slot is free
	slots   [Capacity]Buffer
	queues  map[int][]int // client -> ordered slot indices awaiting send
}

// New returns an empty pool with all Capacity slots free.
func New() *Pool {
	return &Pool{free: ^uint64(0), queues: make(map[int][]int)}
}

// Alloc claims a free slot for client, queues it for sending, and
// returns a handle to fill in. It fails with an error (not a panic)
// when the pool is exhausted, matching the per-client backpressure
// spec.md §4.F asks the reactor to observe.
func (p *Pool) Alloc(client int, payload, control []byte) (*Buffer, error) {
	if p.free == 0 {
		return nil, fmt.Errorf("sendpool: no free buffers (capacity %d exhausted)", Capacity)
	}
	idx := bits.TrailingZeros64(p.free)
	p.free &^= uint64(1) << idx

	b := &p.slots[idx]
	b.index = idx
	b.client = client
	b.Payload = payload
	b.Control = control

	p.queues[client] = append(p.queues[client], idx)
	return b, nil
}

// Pending returns client's queued buffer indices in submission order,
// without removing them.
func (p *Pool) Pending(client int) []int {
	return p.queues[client]
}

// Buffer returns the slot at idx, as allocated by a prior Alloc call.
func (p *Pool) Buffer(idx int) *Buffer {
	return &p.slots[idx]
}

// Release returns a buffer to the free pool and removes it from its
// client's queue, called on send completion.
func (p *Pool) Release(idx int) {
	b := &p.slots[idx]
	client := b.client
	q := p.queues[client]
	for i, v := range q {
		if v == idx {
			p.queues[client] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(p.queues[client]) == 0 {
		delete(p.queues, client)
	}
	b.Payload = nil
	b.Control = nil
	p.free |= uint64(1) << idx
}

// ReleaseClient drops every buffer still queued for client, used when a
// connection closes and its outstanding sends are canceled with
// -ECANCELED per spec.md §5 (a no-op from the protocol's point of view).
func (p *Pool) ReleaseClient(client int) {
	for _, idx := range append([]int(nil), p.queues[client]...) {
		p.Release(idx)
	}
}

// InUse reports how many buffers are currently allocated.
func (p *Pool) InUse() int {
	return Capacity - bits.OnesCount64(p.free)
}

// Trim drops every buffer not currently queued for an in-flight send —
// a no-op beyond what Release already guarantees, since this pool never
// caches freed buffers for reuse. It exists so the reactor has a
// concrete action to take on a cgroup memory.pressure event (spec.md
// §4.I): in a richer pool this would release cached scratch buffers,
// here it is equivalent to asserting the free mask is already maximal
// for every client with no pending sends.
func (p *Pool) Trim() {
	for client, q := range p.queues {
		if len(q) == 0 {
			delete(p.queues, client)
		}
	}
}
