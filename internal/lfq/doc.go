// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lfq provides the bounded, lock-free MPMC queue that backs the
// execution manager's per-address input queues and the free lists of its
// object pools. Both are hammered concurrently by every worker thread in
// the pool, so a single well-tested lock-free algorithm is shared across
// them. The unbounded waiting-addresses and duplicable-executors queues
// are not built on it (see package internal/queue).
//
// # Basic usage
//
//	q := lfq.NewMPMC[packetEnvelope](1024)
//
//	// Enqueue (non-blocking)
//	env := packetEnvelope{...}
//	if err := q.Enqueue(&env); lfq.IsWouldBlock(err) {
//	    // queue full - apply backpressure
//	}
//
//	// Dequeue (non-blocking)
//	env, err := q.Dequeue()
//	if err == nil {
//	    handle(env)
//	}
//
// # Graceful shutdown
//
// MPMC includes a threshold mechanism to prevent livelock, which can cause
// Dequeue to return ErrWouldBlock even when items remain, while waiting for
// producer activity to reset the threshold. Once no further items will ever
// be pushed to a queue, Drain makes Dequeue skip that check so a consumer
// can empty it completely:
//
//	if d, ok := any(queue).(lfq.Drainer); ok {
//	    d.Drain()
//	}
//
// # Capacity
//
// Capacity rounds up to the next power of 2; minimum capacity is 2.
// Length is intentionally not exposed: accurate counts in a lock-free
// queue require expensive cross-core synchronization, so the work manager
// tracks pending-packet counts itself via a dedicated atomic counter.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit memory
// ordering, and [code.hybscloud.com/spin] for CPU pause instructions
// during the queue's internal retry loops.
package lfq
