// Package execmgr implements the Execution Manager described in spec
// §4.4: the per-address binding that wraps one executor instance, its
// bound address, its output packet pool, and the sink that forwards
// produced packets into the downstream stage's work manager entry.
//
// Because the work manager must hold managers for many different
// (input, output, global-params) type triples in one map, Manager[I,O,G]
// is generic but always handed to callers behind the non-generic
// GenericExecutor interface — the type erasure strategy spec §9 calls
// out explicitly ("closures capturing generic state").
package execmgr

import (
	"code.hybscloud.com/execman/address"
	"code.hybscloud.com/execman/executor"
	"code.hybscloud.com/execman/internal/errs"
	"code.hybscloud.com/execman/packet"
)

// GenericExecutor is the type-erased handle the work manager drives.
// Every Manager[I,O,G] implements this interface; the work manager never
// needs to know I, O, or G to schedule it.
type GenericExecutor interface {
	// Address returns the Strong address this instance is bound to.
	Address() address.Strong

	// CanSplit reports whether a sibling instance may run concurrently
	// for the same address (spec §4.5 duplication path).
	CanSplit() bool

	// Process downcasts pkt to this executor's input type and runs it
	// through the user Instance, routing emitted output through the sink.
	Process(pkt packet.Any) error

	// Finalize runs the user Instance's Finalize, routing any trailing
	// output through the sink. The output pool is left as it is. Called
	// exactly once, when the address is retired.
	Finalize() error

	// Clone builds a sibling GenericExecutor for the same address, for
	// the duplication path. Only ever called when CanSplit() is true.
	Clone() (GenericExecutor, error)
}

// Manager is the generic Execution Manager binding for one stage.
type Manager[I, O, G any] struct {
	addr     address.Strong
	instance executor.Instance[I, O]
	outPool  *packet.Pool[O]                        // nil for PoolAllocMode None
	sink     func(address.Strong, packet.Any) error // downstream WorkManager.AddInputPacket
}

// New wraps instance as a GenericExecutor bound to addr, routing any
// packets it emits through outPool (nil if this stage declared
// PoolAllocMode None) and sink (the downstream stage's
// WorkManager.AddInputPacket). sink takes the destination address chosen
// per-packet by the instance itself — most stages just forward their own
// addr, but a resplitter chooses a different bucket address per packet.
func New[I, O, G any](
	addr address.Strong,
	instance executor.Instance[I, O],
	outPool *packet.Pool[O],
	sink func(address.Strong, packet.Any) error,
) *Manager[I, O, G] {
	return &Manager[I, O, G]{addr: addr, instance: instance, outPool: outPool, sink: sink}
}

func (m *Manager[I, O, G]) Address() address.Strong { return m.addr }

func (m *Manager[I, O, G]) CanSplit() bool { return m.instance.CanSplit() }

func (m *Manager[I, O, G]) Process(pkt packet.Any) error {
	typed := packet.Downcast[I](pkt)
	defer typed.Release()
	return m.instance.Process(typed.Get(), m.emit)
}

func (m *Manager[I, O, G]) Finalize() error {
	return m.instance.Finalize(m.emit)
}

func (m *Manager[I, O, G]) Clone() (GenericExecutor, error) {
	cloned, err := m.instance.Clone()
	if err != nil {
		return nil, err
	}
	return &Manager[I, O, G]{addr: m.addr, instance: cloned, outPool: m.outPool, sink: m.sink}, nil
}

// emit allocates an output packet from this stage's pool (or, for
// PoolAllocMode None stages, panics — a producer declared with no pool
// has no business emitting) and forwards it to dst through the sink.
func (m *Manager[I, O, G]) emit(dst address.Strong, o O) error {
	if m.outPool == nil {
		errs.Fatalf("execmgr: Process emitted output but this stage was registered with PoolAllocMode None")
	}
	pkt := m.outPool.Alloc()
	*pkt.Get() = o
	return m.sink(dst, pkt.Any())
}
