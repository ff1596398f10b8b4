// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfq

// pad is cache line padding, used to keep hot fields (tail, head,
// threshold, draining) on separate cache lines and avoid false sharing
// between worker threads hammering the same queue.
type pad [64]byte

// padShort pads a slot with 56 bytes after its 8-byte cycle field and its
// payload, so the cycle fields of adjacent slots are at least one cache
// line apart.
type padShort [64 - 8]byte

// roundToPow2 rounds n up to the next power of 2. The SCQ algorithm
// needs a power-of-two capacity so slot indices reduce to a mask-and.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
