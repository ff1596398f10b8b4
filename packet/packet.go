// Package packet implements the Packet and Packet Pool described in
// spec §3 and §4.2: an owned, typed buffer drawn from a fixed-capacity
// pool, reference-counted so the last release resets and returns it, with
// a zero-copy type-erased form (Any) used by the routing layer.
package packet

import (
	"reflect"

	"code.hybscloud.com/execman/internal/errs"
	"code.hybscloud.com/execman/pool"
	"code.hybscloud.com/atomix"
)

// box is the pooled allocation unit: the typed payload plus the
// reference count and the pool it returns to on last release. A box
// outlives any individual Packet[T] handle pointing at it.
type box[T any] struct {
	payload T
	refs    atomix.Int32
	handle  *pool.Handle[box[T]]
}

// Packet is an owned, typed reference to a pooled buffer. Packet is a
// small value type (a pointer to the shared box) — copying a Packet does
// not copy the payload, it shares it and must Retain first.
type Packet[T any] struct {
	b *box[T]
}

// Get returns a pointer to the payload for reading or mutation.
func (p Packet[T]) Get() *T { return &p.b.payload }

// Retain increments the reference count and returns the same packet, for
// callers that need to hand out an additional independent owner of the
// same payload. Each owner releases it separately.
func (p Packet[T]) Retain() Packet[T] {
	p.b.refs.AddAcqRel(1)
	return p
}

// Release drops one reference. On the last release the payload is reset
// (not freed) and the box returns to its pool.
func (p Packet[T]) Release() {
	if p.b.refs.AddAcqRel(-1) == 0 {
		p.b.handle.Release()
	}
}

// Any converts this packet to its type-erased form for the routing layer.
// This is a zero-copy relabeling: no payload is copied, only the handle.
func (p Packet[T]) Any() Any {
	return Any{typ: reflect.TypeFor[T](), box: p.b}
}

// Any is the opaque, type-erased packet handle carried by the routing
// fabric (input queues, sinks). The work manager never looks inside it;
// only Downcast, called by the executor that declared the matching type,
// may recover the typed Packet.
type Any struct {
	typ reflect.Type
	box any
}

// Type reports the erased payload type, for diagnostics only.
func (a Any) Type() reflect.Type { return a.typ }

// Downcast recovers a typed Packet from its type-erased form. A type
// mismatch is a programmer error (a stage wired to the wrong producer) and
// aborts the process rather than returning an error, per spec §4.2.
func Downcast[T any](a Any) Packet[T] {
	b, ok := a.box.(*box[T])
	if !ok {
		errs.Fatalf("packet: downcast to %s failed: packet carries %s", reflect.TypeFor[T](), a.typ)
	}
	return Packet[T]{b: b}
}

// Pool is a Packet Pool specialized to type T: an Object Pool (see
// package pool) of boxes, handing out ref-counted Packet[T] values
// instead of bare pool.Handle scopes.
type Pool[T any] struct {
	backing *pool.Pool[box[T]]
}

// NewPool creates a Packet Pool of the given capacity and exhaustion mode.
// newFn builds the zero value of T for each slot (e.g. preallocating a
// backing buffer); resetFn clears a payload in place for reuse.
func NewPool[T any](capacity int, mode pool.Mode, newFn func() T, resetFn func(*T)) *Pool[T] {
	p := &Pool[T]{}
	p.backing = pool.New(capacity, mode, func() *box[T] {
		payload := newFn()
		return &box[T]{payload: payload}
	}, func(b *box[T]) {
		resetFn(&b.payload)
	})
	return p
}

// Alloc draws a packet from the pool, blocking in Strict mode if the pool
// is exhausted (this is the back-pressure mechanism of spec §3).
func (p *Pool[T]) Alloc() Packet[T] {
	h := p.backing.Alloc()
	b := h.Object()
	b.handle = h
	b.refs.StoreRelaxed(1)
	return Packet[T]{b: b}
}

// TryAlloc is the non-blocking form of Alloc.
func (p *Pool[T]) TryAlloc() (Packet[T], bool) {
	h, ok := p.backing.TryAlloc()
	if !ok {
		return Packet[T]{}, false
	}
	b := h.Object()
	b.handle = h
	b.refs.StoreRelaxed(1)
	return Packet[T]{b: b}, true
}

// Capacity returns the pool's fixed size N.
func (p *Pool[T]) Capacity() int { return p.backing.Capacity() }

// Outstanding returns the number of packets currently checked out.
func (p *Pool[T]) Outstanding() int64 { return p.backing.Outstanding() }
