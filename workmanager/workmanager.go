// Package workmanager implements the Work Manager described in spec §4.5:
// the type-erased, data-driven scheduler that is the sole hard part of
// this module. It owns every routing structure named in spec §3 — the
// per-address input queues, the waiting-addresses FIFOs, the
// duplicable-executors queue, and the pending-packet counter — and drives
// the locality → duplication → fairness → idle search order out of
// FindWork.
//
// Grounded directly on the original source's WorkManager
// (execution_manager/work_manager.rs): add_executors, set_output,
// add_input_packet, alloc_executor, get_packet_from_addr and find_work are
// all reproduced here under their Go names, with the same control flow.
package workmanager

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"code.hybscloud.com/execman/address"
	"code.hybscloud.com/execman/executor"
	"code.hybscloud.com/execman/execmgr"
	"code.hybscloud.com/execman/internal/errs"
	"code.hybscloud.com/execman/internal/lfq"
	"code.hybscloud.com/execman/internal/logging"
	"code.hybscloud.com/execman/internal/queue"
	"code.hybscloud.com/execman/packet"
	"code.hybscloud.com/execman/pool"
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// schedulerPollInterval bounds every condvar-style wait in FindWork, per
// spec §4.5.
const schedulerPollInterval = 100 * time.Millisecond

// errNotReady is returned by allocExecutor when a MultipleCommonPacketUnits
// address has no opener packet available yet. It is a scheduling signal,
// not a failure — callers skip the address and move on.
var errNotReady = errors.New("workmanager: group-opener packet not yet available")

// queueItem is one entry in a per-address input queue: the packet plus
// the address it targets, carried together so the address's strong
// reference stays alive as long as any of its packets are still queued.
type queueItem struct {
	Addr address.Strong
	Pkt  packet.Any
}

// executorInfo is the type-erased per-registration record. allocate
// closes over the concrete I, O, G types fixed at AddExecutors time; the
// work manager only ever calls it through this non-generic signature.
type executorInfo struct {
	mu         sync.RWMutex
	execType   executor.Type
	allocMode  ExecutorAllocMode
	outputSink func(address.Strong, packet.Any) error
	order      Order
	liveCount  atomix.Int64

	// allocate builds or clones the GenericExecutor bound to addr. opener
	// carries a pre-fetched packet for MultipleCommonPacketUnits types
	// (nil otherwise); leftover is non-nil when the caller must re-enqueue
	// the packet it handed in because allocate did not consume it.
	allocate func(addr address.Strong, opener *packet.Any) (exec execmgr.GenericExecutor, leftover *packet.Any, err error)
}

// WorkManager is the scheduler core: registration plus routing. One
// instance hosts every stage of a pipeline at once — execInfoByType keys
// independently per registered executor type, so AddExecutors is called
// once per stage against the same WorkManager, and SetOutput/threadpool.Wire
// connect stages by routing one type's emitted
// output into the same WorkManager's AddInputPacket, targeting another
// type's addresses.
type WorkManager struct {
	mu             sync.RWMutex
	execInfoByType map[address.TypeID]*executorInfo

	queuesAllocator *pool.Pool[lfq.MPMC[queueItem]]
	queueCapacity   int

	packets sync.Map // address.Weak -> *pool.Handle[lfq.MPMC[queueItem]]

	// boundHandles keeps a strong reference to every currently-bound
	// *address.Handle alive for as long as its address stays bound. The
	// slot itself (address.Strong.TryBind) only stores a weak.Pointer, so
	// without this map the GC is free to collect the Handle the moment
	// nothing else happens to be holding it — at which point the next
	// TryBind for that still-logically-bound address would see a dead weak
	// pointer, take the winner branch again, and allocate a second
	// top-level instance instead of cloning (spec §4.5's convergence
	// invariant). Populated in AddExecutors' allocate closure on the
	// winning TryBind, cleared in Retire.
	boundHandles sync.Map // address.Weak -> *address.Handle

	waitingAddresses sync.Map // address.TypeID -> *queue.FIFO[address.Strong]
	duplicable       queue.FIFO[address.WeakRef]

	closed sync.Map // address.Weak -> struct{}, set by CloseAddress

	pending    atomix.Int64
	retryCount atomix.Uint64
	notify     *notifier
}

// New creates a WorkManager. queueBufferPoolSize bounds how many distinct
// addresses may have a live input queue at once; executorBufferCapacity
// bounds how many packets each individual address's queue can hold before
// producers block.
func New(queueBufferPoolSize, executorBufferCapacity int) *WorkManager {
	wm := &WorkManager{
		execInfoByType: make(map[address.TypeID]*executorInfo),
		queueCapacity:  executorBufferCapacity,
		notify:         newNotifier(),
	}
	wm.queuesAllocator = pool.New(queueBufferPoolSize, pool.Strict,
		func() *lfq.MPMC[queueItem] { return lfq.NewMPMC[queueItem](executorBufferCapacity) },
		func(q *lfq.MPMC[queueItem]) {
			if _, err := q.Dequeue(); err == nil {
				errs.Fatalf("workmanager: input queue returned to the pool while still non-empty")
			}
		},
	)
	return wm
}

// AddExecutors registers a new executor type. It is a free function, not
// a WorkManager method, because Go methods cannot introduce additional
// type parameters beyond the receiver's — see spec §9's type-erasure
// discussion. It returns the TypeID used to build addresses for this
// stage and to target it from SetOutput.
func AddExecutors[I, O, G any](
	wm *WorkManager,
	factory executor.Factory[I, O, G],
	allocMode ExecutorAllocMode,
	poolMode PoolAllocMode,
	newOutput func() O,
	resetOutput func(*O),
	global *G,
) address.TypeID {
	typeID := reflect.TypeOf(factory)

	var sharedPool *packet.Pool[O]
	if poolMode.kind == poolShared {
		sharedPool = packet.NewPool(poolMode.capacity, pool.Strict, newOutput, resetOutput)
	}

	info := &executorInfo{execType: factory.Type(), allocMode: allocMode}

	info.allocate = func(addr address.Strong, opener *packet.Any) (execmgr.GenericExecutor, *packet.Any, error) {
		handle := &address.Handle{}
		bound, won := addr.TryBind(handle)
		if !won {
			existing, ok := bound.V.(execmgr.GenericExecutor)
			if !ok {
				errs.Fatalf("workmanager: address %s bound to unexpected value %T", addr, bound.V)
			}
			if info.liveCount.LoadAcquire() >= int64(allocMode.upperBound()) {
				return nil, opener, nil
			}
			cloned, err := existing.Clone()
			if err != nil {
				return nil, opener, err
			}
			info.liveCount.AddAcqRel(1)
			return cloned, opener, nil
		}

		var initialPacket *I
		if factory.Type().NeedsOpener() {
			if opener == nil {
				addr.Clear()
				return nil, nil, errNotReady
			}
			typedOpener := packet.Downcast[I](*opener)
			initialPacket = typedOpener.Get()
			defer typedOpener.Release()
		}

		instance, err := factory.AllocateNewGroup(global, initialPacket)
		if err != nil {
			addr.Clear()
			var leftover *packet.Any
			if !factory.Type().NeedsOpener() {
				leftover = opener
			}
			return nil, leftover, err
		}

		var outPool *packet.Pool[O]
		switch poolMode.kind {
		case poolShared:
			outPool = sharedPool
		case poolInstance:
			outPool = packet.NewPool(poolMode.capacity, pool.Strict, newOutput, resetOutput)
		}

		sink := func(dst address.Strong, pkt packet.Any) error {
			info.mu.RLock()
			s := info.outputSink
			info.mu.RUnlock()
			if s == nil {
				errs.Fatalf("workmanager: executor type %s emitted output but SetOutput was never called", typeID)
			}
			return s(dst, pkt)
		}

		mgr := execmgr.New[I, O, G](addr, instance, outPool, sink)
		handle.V = mgr
		wm.boundHandles.Store(addr.ToWeak(), handle)
		info.liveCount.AddAcqRel(1)

		var leftover *packet.Any
		if !factory.Type().NeedsOpener() {
			leftover = opener
		}
		return mgr, leftover, nil
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, exists := wm.execInfoByType[typeID]; exists {
		errs.Fatalf("workmanager: executor type %s already registered", typeID)
	}
	wm.execInfoByType[typeID] = info
	return typeID
}

// Order selects how a newly seen address is inserted into its executor
// type's waiting-addresses FIFO (spec §4.6, set_output_executors' mode
// argument). FIFO preserves arrival order; LIFO is for re-entrant
// downstream stages that want their most recently produced address
// serviced first, bounding in-flight memory instead of preserving order.
// Either way, packets within one address's own input queue stay FIFO —
// Order only governs the order addresses are picked up in, never the
// order packets are drained within one.
type Order int

const (
	FIFO Order = iota
	LIFO
)

// SetInputOrder selects targetType's waiting-address insertion order.
// FIFO (the default) if never called. See package threadpool for the
// pipeline-wiring entry point that calls this alongside SetOutput.
func SetInputOrder(wm *WorkManager, targetType address.TypeID, order Order) {
	info := wm.infoFor(targetType)
	if info == nil {
		errs.Fatalf("workmanager: SetInputOrder for unregistered executor type %s", targetType)
	}
	info.mu.Lock()
	info.order = order
	info.mu.Unlock()
}

// SetOutput wires targetType's emitted output to outputSink — typically
// the downstream stage's WorkManager.AddInputPacket. Must be called
// before any packet flows through targetType; see spec §4.4 for why a
// stage with no output wired is a fatal configuration error once it
// actually tries to emit.
func SetOutput(wm *WorkManager, targetType address.TypeID, outputSink func(address.Strong, packet.Any) error) {
	info := wm.infoFor(targetType)
	if info == nil {
		errs.Fatalf("workmanager: SetOutput for unregistered executor type %s", targetType)
	}
	info.mu.Lock()
	info.outputSink = outputSink
	info.mu.Unlock()
}

func (wm *WorkManager) infoFor(t address.TypeID) *executorInfo {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.execInfoByType[t]
}

func (wm *WorkManager) waitingAddressesFor(t address.TypeID) *queue.FIFO[address.Strong] {
	v, _ := wm.waitingAddresses.LoadOrStore(t, &queue.FIFO[address.Strong]{})
	return v.(*queue.FIFO[address.Strong])
}

// AddInputPacket routes pkt to addr's input queue, creating the queue (and
// publishing addr to its type's waiting-addresses FIFO) the first time
// this address is seen. It blocks under back-pressure rather than
// failing: both the per-address queue and the queue-of-queues allocator
// are Strict-mode, matching spec §7.2.
func (wm *WorkManager) AddInputPacket(addr address.Strong, pkt packet.Any) error {
	w := addr.ToWeak()

	v, ok := wm.packets.Load(w)
	if !ok {
		h := wm.queuesAllocator.Alloc()
		actual, loaded := wm.packets.LoadOrStore(w, h)
		if loaded {
			h.Release()
			v = actual
		} else {
			v = h
			order := FIFO
			if info := wm.infoFor(addr.TypeID); info != nil {
				info.mu.RLock()
				order = info.order
				info.mu.RUnlock()
			}
			fifo := wm.waitingAddressesFor(addr.TypeID)
			if order == LIFO {
				fifo.PushFront(addr)
			} else {
				fifo.Push(addr)
			}
		}
	}
	q := v.(*pool.Handle[lfq.MPMC[queueItem]]).Object()

	item := queueItem{Addr: addr, Pkt: pkt}
	backoff := iox.Backoff{}
	for {
		if err := q.Enqueue(&item); err == nil {
			break
		}
		logging.L.Sugar().Warnw("workmanager: input queue full, retrying", "address", addr.String())
		wm.retryCount.AddAcqRel(1)
		backoff.Wait()
	}

	wm.pending.AddAcqRel(1)
	wm.notify.notifyAll()
	return nil
}

// getPacketFromAddr pops one packet from addr's queue, if it has one
// queued right now. This is the module's single decrement site for
// pending: both FindWork's locality branch and allocExecutor's opener
// fetch go through here, so the conservation invariant of spec §8 (packets
// delivered out equal packets accepted in, at every observation point)
// holds regardless of whether the packet ends up delivered to a caller or
// consumed as a MultipleCommonPacketUnits opener.
func (wm *WorkManager) getPacketFromAddr(w address.Weak) (packet.Any, bool) {
	v, ok := wm.packets.Load(w)
	if !ok {
		return packet.Any{}, false
	}
	item, err := v.(*pool.Handle[lfq.MPMC[queueItem]]).Object().Dequeue()
	if err != nil {
		return packet.Any{}, false
	}
	wm.pending.AddAcqRel(-1)
	wm.notify.notifyAll()
	return item.Pkt, true
}

// allocExecutor builds or clones the GenericExecutor bound to addr,
// pre-fetching an opener packet first if addr's executor type needs one.
func (wm *WorkManager) allocExecutor(addr address.Strong) (execmgr.GenericExecutor, error) {
	info := wm.infoFor(addr.TypeID)
	if info == nil {
		errs.Fatalf("workmanager: address %s references an unregistered executor type", addr)
	}

	var opener *packet.Any
	if info.execType.NeedsOpener() {
		pkt, ok := wm.getPacketFromAddr(addr.ToWeak())
		if !ok {
			return nil, errNotReady
		}
		opener = &pkt
	}

	exec, leftover, err := info.allocate(addr, opener)
	if leftover != nil {
		_ = wm.AddInputPacket(addr, *leftover)
	}
	return exec, err
}

// FindWork implements the locality → duplication → fairness → idle search
// order (spec §4.5). *last is both input (the executor this worker ran
// most recently, or nil) and output (the executor the returned packet, if
// any, must be run on). A (zero, false) result means no work turned up
// within this call's poll budget — callers loop back for more unless a
// separate shutdown signal says otherwise, exactly as the original's
// find_work leaves that decision to its caller.
func (wm *WorkManager) FindWork(last *execmgr.GenericExecutor) (packet.Any, bool) {
	if wm.pending.LoadAcquire() == 0 {
		wm.notify.waitTimeout(schedulerPollInterval)
	}

mainLoop:
	for wm.pending.LoadAcquire() > 0 {
		if *last != nil {
			addr := (*last).Address()
			if pkt, ok := wm.getPacketFromAddr(addr.ToWeak()); ok {
				return pkt, true
			}
		}

		if dup := wm.tryDuplicate(last); dup != nil {
			*last = dup
			continue mainLoop
		}

		found := false
		wm.waitingAddresses.Range(func(_, value any) bool {
			fifo := value.(*queue.FIFO[address.Strong])
			addr, ok := fifo.Pop()
			if !ok {
				return true
			}
			exec, err := wm.allocExecutor(addr)
			if err != nil || exec == nil {
				logging.L.Sugar().Warnw("workmanager: could not allocate executor for a waiting address",
					"address", addr.String(), "error", err)
				return true
			}
			if exec.CanSplit() {
				wm.duplicable.Push(addr.ToWeakRef())
				wm.notify.notifyAll()
			}
			*last = exec
			found = true
			return false
		})
		if found {
			continue mainLoop
		}

		wm.notify.waitTimeout(schedulerPollInterval)
	}
	return packet.Any{}, false
}

// tryDuplicate pops candidates off the duplicable-executors queue until it
// either finds one it can hand a fresh sibling instance for, or drains the
// queue without success. Candidates whose address has been fully retired
// (WeakRef.Resolve fails) are dropped rather than re-pushed.
func (wm *WorkManager) tryDuplicate(last *execmgr.GenericExecutor) execmgr.GenericExecutor {
	for {
		wref, ok := wm.duplicable.Pop()
		if !ok {
			return nil
		}
		addr, alive := wref.Resolve()
		if !alive {
			continue
		}

		if *last != nil && addr == (*last).Address() {
			wm.duplicable.Push(wref)
			if wm.duplicable.Len() == 1 {
				return nil
			}
			continue
		}

		exec, err := wm.allocExecutor(addr)
		if err != nil || exec == nil {
			continue
		}
		wm.duplicable.Push(wref)
		return exec
	}
}

// Retire finalizes exec — which may still emit trailing output — clears
// its address's binding so the logical address can be reused, and returns
// the address's input queue to the queue-of-queues allocator. Call once a
// worker observes the address's queue is empty and no further input will
// arrive for it; this is the threadpool driver's responsibility, not the
// scheduler's (see TryRetire, called from package threadpool's worker
// loop).
//
// The race gate is packets.LoadAndDelete: for a splittable executor type,
// several sibling instances bound to the same address may each observe
// drain and call Retire concurrently. Only the one that wins the
// LoadAndDelete actually finalizes and decrements liveCount; the rest are
// no-ops. This means only one sibling's trailing output is ever flushed —
// an accepted simplification of the "last packet" semantics for
// MultipleUnits that the original source left unspecified (spec §9).
func (wm *WorkManager) Retire(exec execmgr.GenericExecutor) error {
	addr := exec.Address()
	w := addr.ToWeak()
	h, ok := wm.packets.LoadAndDelete(w)
	if !ok {
		return nil
	}
	err := exec.Finalize()
	addr.Clear()
	wm.boundHandles.Delete(w)
	wm.closed.Delete(w)
	if info := wm.infoFor(addr.TypeID); info != nil {
		info.liveCount.AddAcqRel(-1)
	}
	h.(*pool.Handle[lfq.MPMC[queueItem]]).Release()
	return err
}

// CloseAddress marks addr as closed: no further AddInputPacket calls are
// expected for it. This is the external "last packet" signal the original
// source's finalization ordering left unspecified (spec §9's open
// question) — the pipeline wiring layer, or a producer stage that knows it
// has emitted its last packet for a given downstream address, calls this
// once. TryRetire then drains and retires the address as soon as its
// input queue is empty, instead of holding its queue-of-queues slot
// forever.
func (wm *WorkManager) CloseAddress(addr address.Strong) {
	wm.closed.Store(addr.ToWeak(), struct{}{})
	wm.notify.notifyAll()
}

// TryRetire retires exec's address if CloseAddress has been called for it,
// draining and processing any packets that arrived in the race between the
// caller's last empty poll and this call (rather than losing or requeuing
// them) before calling Retire. Returns false, doing nothing, if the
// address was never closed. Called by package threadpool's worker loop
// once FindWork reports nothing left for the worker's current executor.
func (wm *WorkManager) TryRetire(exec execmgr.GenericExecutor) (bool, error) {
	addr := exec.Address()
	w := addr.ToWeak()
	if _, closed := wm.closed.Load(w); !closed {
		return false, nil
	}
	for {
		pkt, ok := wm.getPacketFromAddr(w)
		if !ok {
			break
		}
		if err := exec.Process(pkt); err != nil {
			return false, err
		}
	}
	return true, wm.Retire(exec)
}

// Pending returns the live count of packets accepted but not yet
// delivered via FindWork or consumed as a group opener. Used by tests
// asserting the conservation invariant and by the threadpool driver to
// decide when a stage has fully drained.
func (wm *WorkManager) Pending() int64 { return wm.pending.LoadAcquire() }

// RetriedInserts returns how many times AddInputPacket found an
// address's input queue momentarily full and had to spin-retry. The
// original source only logged this case (println!("Failed packet
// insertion!")); this module additionally counts it, so the back-pressure
// relief path is observable in tests instead of silently spinning.
func (wm *WorkManager) RetriedInserts() uint64 { return wm.retryCount.LoadAcquire() }
