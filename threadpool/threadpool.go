// Package threadpool implements the worker threads that drive a
// WorkManager, plus the static wiring between pipeline stages (spec
// §4.6). Grounded on the teacher library's own Example_workerPool idiom
// — a fixed goroutine count pulling work in a loop with iox.Backoff —
// generalized from one shared MPMC queue to WorkManager.FindWork's
// locality/duplication/fairness/idle search.
package threadpool

import (
	"context"
	"sync"

	"code.hybscloud.com/execman/execmgr"
	"code.hybscloud.com/execman/internal/logging"
	"code.hybscloud.com/execman/workmanager"
)

// Pool owns a fixed number of worker goroutines, each running the
// find-work loop against one WorkManager until ctx is cancelled and the
// manager's pending count has drained to zero.
type Pool struct {
	wm      *workmanager.WorkManager
	workers int
	wg      sync.WaitGroup
}

// New creates a Pool of workers goroutines driving wm. Workers are
// started by Run, not by New, so callers can finish wiring stages
// (AddExecutors, SetOutput, Wire) before any packet is drained.
func New(wm *workmanager.WorkManager, workers int) *Pool {
	if workers < 1 {
		panic("threadpool: workers must be >= 1")
	}
	return &Pool{wm: wm, workers: workers}
}

// Run starts the worker goroutines. It returns immediately; call Wait to
// block until every worker has exited.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(p.workers)
	for range p.workers {
		go p.worker(ctx)
	}
}

// Wait blocks until every worker goroutine started by Run has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// worker repeatedly calls FindWork and runs whatever it returns. Once ctx
// is cancelled, the loop keeps draining already-queued work (spec §7.2:
// shutdown must not drop accepted packets) but stops waiting for new
// work to arrive: the first FindWork call that both observes the manager
// fully drained and sees ctx cancelled returns, and so does the worker.
//
// Every time FindWork comes up empty for the worker's current executor,
// the worker offers it to TryRetire: if the pipeline layer has called
// WorkManager.CloseAddress for that address, this is where it actually
// gets finalized and its queue-of-queues slot freed (see workmanager.go's
// Retire doc comment for why that can't happen inside FindWork itself).
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	var last execmgr.GenericExecutor
	for {
		if ctx.Err() != nil && p.wm.Pending() == 0 {
			p.retireIfClosed(&last)
			return
		}
		prev := last
		pkt, ok := p.wm.FindWork(&last)
		if !ok {
			p.retireIfClosed(&last)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if prev != nil && prev != last {
			// FindWork came up empty for prev and moved this worker on.
			p.retireIfClosed(&prev)
		}
		if err := last.Process(pkt); err != nil {
			logging.L.Sugar().Errorw("threadpool: executor Process failed", "error", err)
		}
	}
}

// retireIfClosed hands *last to WorkManager.TryRetire, clearing *last on
// success so the next FindWork call starts fresh instead of retrying
// locality on an address that no longer has a queue.
func (p *Pool) retireIfClosed(last *execmgr.GenericExecutor) {
	if *last == nil {
		return
	}
	retired, err := p.wm.TryRetire(*last)
	if err != nil {
		logging.L.Sugar().Errorw("threadpool: Finalize failed", "error", err)
	}
	if retired {
		*last = nil
	}
}
