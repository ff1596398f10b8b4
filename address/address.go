// Package address implements the Executor Address described in spec §3
// and §4.3: an immutable {executor_type_id, logical_index, nonce} tuple
// identifying a logical stream within an executor type, plus a mutable
// slot holding a weak back-reference to whichever executor instance
// currently owns it.
//
// Two independent "weak" relationships are modeled here, matching the
// original Rust source's Weak<T>/Arc<T> split (spec §9 design note):
//
//   - Strong.Bound / TryBind / Clear manage the address's own slot: a
//     weak pointer from the address to its *currently bound executor*.
//     This is a lookup relation, never ownership — the work manager's
//     executor pool holds the sole strong reference to the executor.
//   - Strong.ToWeakRef / WeakRef.Resolve manage whether the *address
//     itself* is still referenced by anything (an input queue entry, the
//     waiting-addresses FIFO). The duplicable-executors queue holds only
//     WeakRef values so that speculative duplication candidates never
//     keep a long-retired address's slot alive.
//
// Both use the standard library's [weak] package rather than a
// concurrent hash map from address to instance-id, since Go has had true
// weak pointers since 1.24.
package address

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"weak"

	"code.hybscloud.com/atomix"
)

// nonceCounter hands out process-unique nonces for newly generated
// addresses, disambiguating logical indices that get reused after an
// address is retired.
var nonceCounter atomix.Uint64

// TypeID identifies a registered executor type. reflect.Type is used
// directly — it is already comparable, hashable, and globally unique per
// instantiated generic type, exactly like Rust's TypeId in the original.
type TypeID = reflect.Type

// Weak is the equality-comparable, hashable form of an address, used as
// the packets_map key (spec §3). It carries no pointers at all, so
// holding a Weak value never keeps anything alive.
type Weak struct {
	TypeID       TypeID
	LogicalIndex uint64
	Nonce        uint64
}

func (w Weak) String() string {
	return fmt.Sprintf("%s#%d.%d", w.TypeID, w.LogicalIndex, w.Nonce)
}

// Handle boxes a bound executor instance so it can be targeted by a weak
// pointer. The work manager stores the concrete *execmgr.Manager[I,O,G]
// (type-erased as execmgr.GenericExecutor) inside V.
type Handle struct {
	V any
}

// slot is the mutable, shared binding cell referenced by every Strong
// copy of the same logical address. Sharing it (via the pointer embedded
// in Strong) is what lets any worker's allocation attempt observe another
// worker's in-progress bind.
type slot struct {
	binding atomic.Pointer[weak.Pointer[Handle]]
}

// Strong is the full Executor Address: the immutable tuple plus the
// mutable weak-binding slot. Strong values are cheap to copy — the slot
// itself is shared by pointer, matching the Rust original's Arc-wrapped
// executor_keeper.
type Strong struct {
	Weak
	s *slot
}

// New generates a fresh address for logicalIndex under typeID, with a
// process-unique nonce so a retired and reused logical index never
// aliases a still-referenced old address.
func New(typeID TypeID, logicalIndex uint64) Strong {
	return Strong{
		Weak: Weak{
			TypeID:       typeID,
			LogicalIndex: logicalIndex,
			Nonce:        nonceCounter.AddAcqRel(1),
		},
		s: &slot{},
	}
}

// ToWeak returns the equality-comparable, non-owning form of this
// address, suitable as a map key.
func (s Strong) ToWeak() Weak { return s.Weak }

// WeakRef is a non-owning reference to an address that *can* still be
// resolved back to a working Strong address, provided something else
// keeps it alive. Used by the duplicable-executors queue (spec §3): a
// splittable address sits there without pinning the address's own
// lifetime.
type WeakRef struct {
	Weak
	slotRef weak.Pointer[slot]
}

// ToWeakRef returns a resolvable-but-non-owning reference to this
// address.
func (s Strong) ToWeakRef() WeakRef {
	return WeakRef{Weak: s.Weak, slotRef: weak.Make(s.s)}
}

// Resolve recovers the Strong address, if its slot is still reachable
// through some other strong holder (an input-queue entry, the
// waiting-addresses FIFO). Returns (zero, false) once the address has
// been fully retired and garbage collected.
func (w WeakRef) Resolve() (Strong, bool) {
	sl := w.slotRef.Value()
	if sl == nil {
		return Strong{}, false
	}
	return Strong{Weak: w.Weak, s: sl}, true
}

// Bound reports the currently-bound handle, if the weak reference is
// still live. A nil, false result means no instance is bound (either
// none was ever bound, or it has since been released).
func (s Strong) Bound() (*Handle, bool) {
	wp := s.s.binding.Load()
	if wp == nil {
		return nil, false
	}
	h := wp.Value()
	return h, h != nil
}

// TryBind attempts to install fresh as the bound handle for this address,
// but only if no live handle is currently bound. It returns the handle
// that ended up bound (which may be an existing one raced in by another
// worker) and whether it was fresh's own handle that won.
//
// This is the re-entrant-safe convergence point described in spec §4.5:
// concurrent allocation attempts for the same address converge on exactly
// one winner; everyone else observes the winner's handle and takes the
// clone path instead of allocate_new_group.
func (s Strong) TryBind(fresh *Handle) (bound *Handle, won bool) {
	for {
		old := s.s.binding.Load()
		if old != nil {
			if h := old.Value(); h != nil {
				return h, false
			}
		}
		wp := weak.Make(fresh)
		if s.s.binding.CompareAndSwap(old, &wp) {
			return fresh, true
		}
	}
}

// Clear removes the binding unconditionally. Called when an address is
// retired, so a later reuse of the same logical index (a new Strong, with
// a new nonce) never observes a stale binding.
func (s Strong) Clear() {
	s.s.binding.Store(nil)
}
