// Package pool implements the Object Pool described in spec §4.1: a
// fixed-capacity, reusable-object allocator with two exhaustion modes —
// Strict (block the caller until an object is returned) and Elastic
// (allocate beyond capacity; the surplus object is reset and dropped,
// never returned to the free list).
//
// The free list itself is an [code.hybscloud.com/execman/internal/lfq.MPMC]
// queue of pointers, so Alloc/Release share the same lock-free path the
// work manager uses for its per-address input queues — an object pool
// is, after all, just another bounded MPMC queue with a constructor and a
// reset function attached.
package pool

import (
	"code.hybscloud.com/execman/internal/lfq"
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// Mode selects the pool's exhaustion behavior.
type Mode int

const (
	// Strict blocks Alloc until an object is returned to the pool.
	Strict Mode = iota
	// Elastic allocates a fresh object beyond capacity instead of
	// blocking. The surplus object is reset and discarded on Release,
	// not returned to the free list.
	Elastic
)

// Pool is a fixed-capacity allocator of *T values. New and Reset are
// supplied by the caller; Reset must leave the object behaviorally
// indistinguishable from one just returned by New (for a queue: empty).
type Pool[T any] struct {
	mode        Mode
	capacity    int
	free        *lfq.MPMC[*T]
	outstanding atomix.Int64
	newFn       func() *T
	resetFn     func(*T)
}

// New creates a pool of the given capacity, pre-populated by calling newFn
// capacity times. resetFn is invoked on every Release before the object is
// either returned to the free list (within capacity) or dropped (Elastic
// surplus).
func New[T any](capacity int, mode Mode, newFn func() *T, resetFn func(*T)) *Pool[T] {
	if capacity < 1 {
		panic("pool: capacity must be >= 1")
	}
	p := &Pool[T]{
		mode:     mode,
		capacity: capacity,
		free:     lfq.NewMPMC[*T](max(capacity, 2)), // the queue's minimum capacity is 2
		newFn:    newFn,
		resetFn:  resetFn,
	}
	for range capacity {
		obj := newFn()
		if err := p.free.Enqueue(&obj); err != nil {
			// capacity was just sized to hold exactly this many slots.
			panic("pool: unreachable free-list overflow during init")
		}
	}
	return p
}

// Handle is a scoped, single-owner reference to a pooled object. Release
// must be called exactly once; it is not safe to use Object after Release.
type Handle[T any] struct {
	pool    *Pool[T]
	obj     *T
	surplus bool
}

// Object returns the underlying pointer for the caller to read or mutate.
func (h *Handle[T]) Object() *T { return h.obj }

// Release resets the object and returns it to the pool (or, for an
// Elastic-mode surplus allocation, resets and drops it).
func (h *Handle[T]) Release() {
	h.pool.resetFn(h.obj)
	if h.surplus {
		return
	}
	// The free list was sized to capacity; a failed Enqueue here would mean
	// more objects are in flight than the pool ever handed out.
	if err := h.pool.free.Enqueue(&h.obj); err != nil {
		panic("pool: free-list overflow on release")
	}
	h.pool.outstanding.AddAcqRel(-1)
}

// Alloc returns a Handle bound to a pooled (or, in Elastic mode, freshly
// allocated) object. In Strict mode, Alloc blocks until an object is
// returned by another goroutine — this is the back-pressure mechanism
// described in spec §3 (Packet Pool exhaustion) and §7.2.
func (p *Pool[T]) Alloc() *Handle[T] {
	backoff := iox.Backoff{}
	for {
		obj, err := p.free.Dequeue()
		if err == nil {
			p.outstanding.AddAcqRel(1)
			return &Handle[T]{pool: p, obj: obj}
		}
		if p.mode == Elastic {
			return &Handle[T]{pool: p, obj: p.newFn(), surplus: true}
		}
		backoff.Wait()
	}
}

// TryAlloc attempts a non-blocking allocation. In Strict mode it returns
// (nil, false) immediately on exhaustion rather than blocking; in Elastic
// mode it always succeeds, same as Alloc.
func (p *Pool[T]) TryAlloc() (*Handle[T], bool) {
	obj, err := p.free.Dequeue()
	if err == nil {
		p.outstanding.AddAcqRel(1)
		return &Handle[T]{pool: p, obj: obj}, true
	}
	if p.mode == Elastic {
		return &Handle[T]{pool: p, obj: p.newFn(), surplus: true}, true
	}
	return nil, false
}

// Capacity returns the fixed pool size N.
func (p *Pool[T]) Capacity() int { return p.capacity }

// Outstanding returns the number of objects currently allocated (not yet
// released). Used by tests asserting the "outstanding + pooled ≤ N"
// invariant.
func (p *Pool[T]) Outstanding() int64 { return p.outstanding.LoadAcquire() }
