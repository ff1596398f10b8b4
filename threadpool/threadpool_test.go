package threadpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/execman/address"
	"code.hybscloud.com/execman/executor"
	"code.hybscloud.com/execman/packet"
	"code.hybscloud.com/execman/pool"
	"code.hybscloud.com/execman/threadpool"
	"code.hybscloud.com/execman/workmanager"
)

// --- Back-pressure scenario: Shared pool capacity 4, slow downstream ----

type slowSinkFactory struct{ sink *slowSink }

func (slowSinkFactory) Type() executor.Type { return executor.SingleUnit }
func (f slowSinkFactory) AllocateNewGroup(_ *struct{}, _ *int) (executor.Instance[int, struct{}], error) {
	return &slowSinkInstance{sink: f.sink}, nil
}

type slowSinkInstance struct{ sink *slowSink }

func (*slowSinkInstance) CanSplit() bool { return false }
func (*slowSinkInstance) Clone() (executor.Instance[int, struct{}], error) {
	return nil, errors.New("slowSink: not splittable")
}
func (i *slowSinkInstance) Process(_ *int, _ func(address.Strong, struct{}) error) error {
	time.Sleep(i.sink.delay)
	i.sink.processed.Add(1)
	return nil
}
func (*slowSinkInstance) Finalize(func(address.Strong, struct{}) error) error { return nil }

type slowSink struct {
	delay     time.Duration
	processed atomic.Int64
}

type producerFactory struct{ out address.Strong }

func (producerFactory) Type() executor.Type { return executor.SingleUnit }
func (f producerFactory) AllocateNewGroup(_ *struct{}, _ *int) (executor.Instance[int, int], error) {
	return &producerInstance{out: f.out}, nil
}

type producerInstance struct{ out address.Strong }

func (*producerInstance) CanSplit() bool { return false }
func (*producerInstance) Clone() (executor.Instance[int, int], error) {
	return nil, errors.New("producer: not splittable")
}
func (p *producerInstance) Process(pkt *int, emit func(address.Strong, int) error) error {
	return emit(p.out, *pkt)
}
func (*producerInstance) Finalize(func(address.Strong, int) error) error { return nil }

// TestBackPressureBlocksProducer wires a fast producer stage into a slow
// sink stage through a Shared output pool of capacity 4. With two workers
// driving both stages, the sink's 10ms delay must eventually force the
// producer's emit to block on the exhausted output pool rather than ever
// erroring (spec §7.2): this test just needs the whole run to
// complete and account for every packet, proving back-pressure resolved
// instead of wedging or dropping work.
func TestBackPressureBlocksProducer(t *testing.T) {
	wm := workmanager.New(8, 8)

	sink := &slowSink{delay: 10 * time.Millisecond}
	var gSink struct{}
	typeSink := workmanager.AddExecutors[int, struct{}, struct{}](
		wm, slowSinkFactory{sink: sink}, workmanager.Fixed(1), workmanager.PoolNone(),
		func() struct{} { return struct{}{} }, func(*struct{}) {}, &gSink,
	)
	sinkAddr := address.New(typeSink, 0)

	var gProd struct{}
	typeProd := workmanager.AddExecutors[int, int, struct{}](
		wm, producerFactory{out: sinkAddr}, workmanager.Fixed(1), workmanager.PoolShared(4),
		func() int { return 0 }, func(v *int) { *v = 0 }, &gProd,
	)
	threadpool.Wire(wm, typeProd, typeSink, workmanager.FIFO)

	prodAddr := address.New(typeProd, 0)
	inPool := packet.NewPool(8, pool.Strict, func() int { return 0 }, func(v *int) { *v = 0 })

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			pkt := inPool.Alloc()
			*pkt.Get() = i
			if err := wm.AddInputPacket(prodAddr, pkt.Any()); err != nil {
				t.Errorf("AddInputPacket: %v", err)
				return
			}
		}
	}()

	p := threadpool.New(wm, 2)
	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if sink.processed.Load() == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for back-pressured pipeline to drain: processed %d/%d", sink.processed.Load(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	p.Wait()

	if got := sink.processed.Load(); got != n {
		t.Fatalf("processed: got %d, want %d", got, n)
	}
	if pending := wm.Pending(); pending != 0 {
		t.Fatalf("Pending after drain: got %d, want 0", pending)
	}
}

// --- Shutdown / drain completeness scenario ------------------------------

type sinkCounterFactory struct{ counter *atomic.Int64 }

func (sinkCounterFactory) Type() executor.Type { return executor.SingleUnit }
func (f sinkCounterFactory) AllocateNewGroup(_ *struct{}, _ *int) (executor.Instance[int, struct{}], error) {
	return &sinkCounterInstance{counter: f.counter}, nil
}

type sinkCounterInstance struct{ counter *atomic.Int64 }

func (*sinkCounterInstance) CanSplit() bool { return false }
func (*sinkCounterInstance) Clone() (executor.Instance[int, struct{}], error) {
	return nil, errors.New("sinkCounter: not splittable")
}
func (c *sinkCounterInstance) Process(_ *int, _ func(address.Strong, struct{}) error) error {
	c.counter.Add(1)
	return nil
}
func (*sinkCounterInstance) Finalize(func(address.Strong, struct{}) error) error { return nil }

// TestShutdownDrainsWithinTwoPollIntervals floods a stage with packets,
// cancels the run context immediately, and checks every accepted packet
// is still delivered: the scheduler's idle wait is bounded at 100ms (spec
// §4.5), so a worker that is idle when shutdown is requested must notice
// and stop within roughly two such intervals, never dropping work that
// was already queued.
func TestShutdownDrainsWithinTwoPollIntervals(t *testing.T) {
	const n = 500
	// All n packets are queued before the workers start, so the input pool
	// and the address's input queue must each hold all of them.
	wm := workmanager.New(8, n)

	var counter atomic.Int64
	var g struct{}
	typeSink := workmanager.AddExecutors[int, struct{}, struct{}](
		wm, sinkCounterFactory{counter: &counter}, workmanager.Fixed(2), workmanager.PoolNone(),
		func() struct{} { return struct{}{} }, func(*struct{}) {}, &g,
	)
	addr := address.New(typeSink, 0)
	inPool := packet.NewPool(n, pool.Strict, func() int { return 0 }, func(v *int) { *v = 0 })

	for i := 0; i < n; i++ {
		pkt := inPool.Alloc()
		if err := wm.AddInputPacket(addr, pkt.Any()); err != nil {
			t.Fatalf("AddInputPacket: %v", err)
		}
	}

	p := threadpool.New(wm, 4)
	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("workers did not exit within two poll intervals of cancellation")
	}

	if got := counter.Load(); got != n {
		t.Fatalf("processed: got %d, want %d (shutdown must not drop accepted packets)", got, n)
	}
	if pending := wm.Pending(); pending != 0 {
		t.Fatalf("Pending after drain: got %d, want 0", pending)
	}
}

// --- Address churn: queue-of-queues slot reuse ---------------------------

type churnFactory struct {
	processed *atomic.Int64
	finalized *atomic.Int64
}

func (churnFactory) Type() executor.Type { return executor.SingleUnit }
func (f churnFactory) AllocateNewGroup(_ *struct{}, _ *int) (executor.Instance[int, struct{}], error) {
	return &churnInstance{processed: f.processed, finalized: f.finalized}, nil
}

type churnInstance struct {
	processed *atomic.Int64
	finalized *atomic.Int64
}

func (*churnInstance) CanSplit() bool { return false }
func (*churnInstance) Clone() (executor.Instance[int, struct{}], error) {
	return nil, errors.New("churn: not splittable")
}
func (c *churnInstance) Process(_ *int, _ func(address.Strong, struct{}) error) error {
	c.processed.Add(1)
	return nil
}
func (c *churnInstance) Finalize(func(address.Strong, struct{}) error) error {
	c.finalized.Add(1)
	return nil
}

// TestAddressChurnReusesQueueSlots seeds far more distinct addresses than
// the work manager's queue-of-queues pool has slots for, closing each one
// immediately after its single packet is enqueued. Without the worker loop
// actually retiring a closed, drained address — freeing its slot back to
// queuesAllocator — the (queueSlots+1)th distinct address's AddInputPacket
// call would block forever waiting for a slot nobody ever returns.
func TestAddressChurnReusesQueueSlots(t *testing.T) {
	const queueSlots = 3
	const addresses = 20
	wm := workmanager.New(queueSlots, 4)

	var processed, finalized atomic.Int64
	var g struct{}
	typeSink := workmanager.AddExecutors[int, struct{}, struct{}](
		wm, churnFactory{processed: &processed, finalized: &finalized}, workmanager.Fixed(1), workmanager.PoolNone(),
		func() struct{} { return struct{}{} }, func(*struct{}) {}, &g,
	)
	inPool := packet.NewPool(addresses, pool.Strict, func() int { return 0 }, func(v *int) { *v = 0 })

	p := threadpool.New(wm, 4)
	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)

	go func() {
		for i := 0; i < addresses; i++ {
			addr := address.New(typeSink, uint64(i))
			pkt := inPool.Alloc()
			if err := wm.AddInputPacket(addr, pkt.Any()); err != nil {
				t.Errorf("AddInputPacket: %v", err)
				return
			}
			wm.CloseAddress(addr)
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		if finalized.Load() == addresses {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for address churn to drain: finalized %d/%d, processed %d/%d (likely a queue-of-queues deadlock)",
				finalized.Load(), addresses, processed.Load(), addresses)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	p.Wait()

	if got := processed.Load(); got != addresses {
		t.Fatalf("processed: got %d, want %d", got, addresses)
	}
	if got := finalized.Load(); got != addresses {
		t.Fatalf("finalized: got %d, want %d", got, addresses)
	}
	if pending := wm.Pending(); pending != 0 {
		t.Fatalf("Pending after drain: got %d, want 0", pending)
	}
}
