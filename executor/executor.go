// Package executor defines the capability contract a pipeline stage
// implements to be scheduled by the work manager: declared type and
// splittability, group allocation, cloning, processing, and
// finalization. See spec §4.3 and §6 (Executor factory contract).
package executor

import "code.hybscloud.com/execman/address"

// Type declares how many instances of an executor may exist per address
// and whether construction needs an initial packet. See spec §3.
type Type int

const (
	// SingleUnit permits at most one instance per address; no packet is
	// needed to construct it.
	SingleUnit Type = iota
	// MultipleUnits permits any number of instances to share an address
	// (fan-out); no packet is needed to construct it.
	MultipleUnits
	// MultipleCommonPacketUnits requires an initial "opener" packet to
	// construct the first instance for an address; subsequent instances
	// for the same address clone from the first.
	MultipleCommonPacketUnits
)

func (t Type) String() string {
	switch t {
	case SingleUnit:
		return "SingleUnit"
	case MultipleUnits:
		return "MultipleUnits"
	case MultipleCommonPacketUnits:
		return "MultipleCommonPacketUnits"
	default:
		return "Type(?)"
	}
}

// NeedsOpener reports whether allocating the first instance for a fresh
// address requires consuming a packet from its queue first.
func (t Type) NeedsOpener() bool { return t == MultipleCommonPacketUnits }

// Factory is implemented once per registered stage and is generic over
// that stage's input packet, output packet, and global parameter types.
// The work manager calls AllocateNewGroup exactly once per address, the
// first time it is seen; every subsequent instance for that address comes
// from Instance.Clone instead.
type Factory[I, O, G any] interface {
	// Type declares the executor kind (spec §4.3).
	Type() Type

	// AllocateNewGroup builds the first Instance bound to a brand-new
	// address. initialPacket is non-nil only when Type() ==
	// MultipleCommonPacketUnits, carrying the "opener" packet consumed
	// from the address's queue to build the group.
	AllocateNewGroup(global *G, initialPacket *I) (Instance[I, O], error)
}

// Instance is one running copy of an executor, bound to a single address.
// Process and Finalize are only ever invoked by the worker thread
// currently holding this instance — never concurrently with each other —
// but for MultipleUnits and MultipleCommonPacketUnits, several sibling
// Instances for the same address may run Process concurrently on
// different workers, so any state shared across Clone must tolerate that.
type Instance[I, O any] interface {
	// CanSplit reports whether another Instance may be allocated to run
	// concurrently against the same address (spec §4.5 duplication path).
	// Checked once, right after this instance is built.
	CanSplit() bool

	// Clone creates a sibling Instance sharing this one's group state, for
	// MultipleUnits and MultipleCommonPacketUnits duplication. Never
	// called on a SingleUnit executor.
	Clone() (Instance[I, O], error)

	// Process consumes one input packet, emitting zero or more output
	// packets through emit, each routed to whichever downstream address
	// the executor chooses (a resplitter picks a bucket address per
	// output packet; most stages just pass through the address they were
	// handed). emit returns an error only if the downstream stage's
	// routing fabric itself failed (never for ordinary back-pressure,
	// which blocks instead).
	Process(pkt *I, emit func(addr address.Strong, out O) error) error

	// Finalize runs once, when this instance's address is retired (its
	// queue is empty and no further input will arrive). It may still
	// emit trailing output.
	Finalize(emit func(addr address.Strong, out O) error) error
}
