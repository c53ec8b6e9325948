// siq.go: bounded lock-free MPSC queue of commit extents
//
// Grounded directly on the teacher's ringBuffer in buffer.go: the same
// reserve-the-slot-with-CAS-on-tail-then-store-the-payload shape and the
// same atomic.Pointer[T] per-slot storage; pop has a single consumer and
// advances head with a plain atomic store rather than a CAS. The
// teacher's ring carries a []byte payload and copies it through a
// pool; this ring carries a small value struct (commitExtent) with no
// backing allocation to pool, so slots hold *commitExtent directly.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog

import "sync/atomic"

// commitExtent is a {tib, commitEnd} pair published by a producer,
// telling the worker "consume from my TIB up to this cursor". A nil
// tib is the termination sentinel pushed by Close.
type commitExtent struct {
	tib       *tib
	commitEnd uint64
}

// siq is a bounded MPSC ring of commitExtent, capacity fixed at
// construction (rounded up to a power of two, per spec.md §4.3).
type siq struct {
	slots []atomic.Pointer[commitExtent]
	mask  uint64
	head  atomic.Uint64 // worker-only
	tail  atomic.Uint64 // producer-shared

	// fullEvent wakes the worker's idle poll when a producer observes
	// the queue full, or (per tib.go) when a TIB has no room and the
	// worker should be given a chance to drain it.
	fullEvent *spscEvent

	// consumedEvent wakes producers blocked in push; the worker signals
	// it after every pop and again each time it finds the queue empty.
	consumedEvent *spscEvent
}

func newSIQ(capacity int) *siq {
	n := nextPow2(uint64(capacity))
	return &siq{
		slots:         make([]atomic.Pointer[commitExtent], n),
		mask:          n - 1,
		fullEvent:     newSPSCEvent(),
		consumedEvent: newSPSCEvent(),
	}
}

// push appends extent to the queue. Returns false without blocking if
// the queue is full; the caller is responsible for the two-step
// signal-then-wait backpressure protocol described in spec.md §4.3.
func (q *siq) push(extent commitExtent) bool {
	for {
		tail := q.tail.Load()
		head := q.head.Load()
		if tail-head >= uint64(len(q.slots)) {
			return false
		}
		if q.tail.CompareAndSwap(tail, tail+1) {
			e := extent
			q.slots[tail&q.mask].Store(&e)
			return true
		}
	}
}

// pop removes and returns the oldest extent, or (_, false) if empty.
// Single-consumer (worker) only.
func (q *siq) pop() (commitExtent, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head >= tail {
		return commitExtent{}, false
	}
	idx := head & q.mask
	ptr := q.slots[idx].Load()
	if ptr == nil {
		return commitExtent{}, false
	}
	extent := *ptr
	q.slots[idx].Store(nil)
	q.head.Store(head + 1)
	return extent, true
}

// len reports the approximate number of queued extents. It is used
// only for diagnostics (Stats), not for correctness decisions.
func (q *siq) len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// pushBlocking implements the full push-with-backpressure protocol of
// spec.md §4.3: signal fullEvent so the worker's idle poll wakes, then
// wait for consumedEvent, retrying push until it succeeds.
func (q *siq) pushBlocking(extent commitExtent) {
	for !q.push(extent) {
		q.fullEvent.Signal()
		q.consumedEvent.Wait()
	}
}
