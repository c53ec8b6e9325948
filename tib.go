// tib.go: per-producer Thread Input Buffer, a power-of-two byte ring
//
// Ported from spec.md §3/§4.2. The ring's slot-reservation discipline
// (reserve exactly n bytes, write a wraparound sentinel when the tail
// doesn't have room, wrap to base) follows the same shape as the
// teacher's ringBuffer in buffer.go, specialized from "one []byte
// message per slot" to "one variable-length frame inside a shared
// byte ring", which is what spec.md's TIB actually is.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// wraparoundMarker is the reserved dispatch-id sentinel written at the
// tail of a TIB to tell the worker "skip to base". It can never be a
// real dispatch ID since RegisterDispatch starts numbering at 0 and
// never allocates the maximum uint64.
const wraparoundMarker uint64 = ^uint64(0)

// dispatchHeaderSize is the width of a frame's leading header: a
// machine-word dispatch ID (analogous to the dispatch pointer in
// spec.md §3) followed by a machine-word argument-byte count, so the
// worker can advance its read cursor past a frame without having
// resolved or invoked its DispatchFunc yet.
const dispatchHeaderSize = 16

// tib is a single producer's private input ring. Exactly one producer
// writes (writeOffset), and exactly one worker reads (readOffset); both
// offsets are monotonically increasing byte counts, never wrapped, with
// the physical index computed as offset & mask.
type tib struct {
	base []byte
	size uint64
	mask uint64

	// writeOffset is producer-owned. The worker never reads it directly;
	// it consumes only up to the commitEnd carried by each extent.
	writeOffset atomic.Uint64

	_ cacheLinePad

	// readOffset is worker-owned, read by the producer for backpressure.
	readOffset atomic.Uint64

	_ cacheLinePad

	// inputConsumedEvent wakes a producer blocked because the ring was
	// full. The worker signals it at most once per idle transition per
	// touched TIB (see Log.runWorker's touched set), not once per frame.
	inputConsumedEvent *spscEvent

	// wakeWorker is the shared input queue's full-event, signaled before
	// a producer blocks so the worker's idle poll notices promptly.
	wakeWorker *spscEvent
}

func newTIB(size int, wakeWorker *spscEvent) *tib {
	n := nextPow2(uint64(size))
	return &tib{
		base:               make([]byte, n),
		size:               n,
		mask:               n - 1,
		inputConsumedEvent: newSPSCEvent(),
		wakeWorker:         wakeWorker,
	}
}

// allocationMarker snapshots the write cursor so a failed multi-step
// write can be rolled back with revertAllocation.
func (t *tib) allocationMarker() uint64 {
	return t.writeOffset.Load()
}

// revertAllocation restores the write cursor to marker. It must be
// called iff constructing the frame's argument bytes after
// allocateInputFrame failed.
func (t *tib) revertAllocation(marker uint64) {
	t.writeOffset.Store(marker)
}

// inputEnd returns the current write cursor, for inclusion in a commit
// extent published to the shared input queue.
func (t *tib) inputEnd() uint64 {
	return t.writeOffset.Load()
}

// allocateInputFrame reserves n contiguous bytes beginning at a
// dispatchHeaderSize-aligned offset, returning that offset alongside
// the writable slice of exactly n bytes; the write cursor advances by n
// rounded up to a multiple of dispatchHeaderSize, so every tail left
// before the ring end can hold a wraparound marker. A wraparound may land the frame at an offset
// other than the one in effect when allocateInputFrame was called, so
// callers must use the returned offset (not a marker taken beforehand)
// to address the frame, e.g. with writeFrameHeader. It blocks on
// inputConsumedEvent (after nudging wakeWorker) when the ring has no
// room, and fails with ErrCapacityExhausted if n can never fit
// regardless of draining.
func (t *tib) allocateInputFrame(n int) (uint64, []byte, error) {
	if uint64(n) > t.size {
		return 0, nil, fmt.Errorf("flashlog: frame of %d bytes exceeds TIB capacity %d: %w", n, t.size, ErrCapacityExhausted)
	}

	padded := (uint64(n) + dispatchHeaderSize - 1) &^ (dispatchHeaderSize - 1)
	for {
		wo := t.writeOffset.Load()
		ro := t.readOffset.Load()
		used := wo - ro
		free := t.size - used
		idx := wo & t.mask
		tillEnd := t.size - idx

		if padded <= tillEnd {
			if padded <= free {
				t.writeOffset.Store(wo + padded)
				return wo, t.base[idx : idx+uint64(n)], nil
			}
		} else {
			// Not enough contiguous room at the tail: the frame would
			// straddle the ring boundary, which the worker's flat-record
			// read cannot tolerate. Waste the tail with a wraparound
			// marker and retry from base, provided a marker actually fits
			// and the tail holds no unread data.
			if tillEnd >= dispatchHeaderSize && tillEnd <= free {
				binary.LittleEndian.PutUint64(t.base[idx:idx+dispatchHeaderSize], wraparoundMarker)
				t.writeOffset.Store(wo + tillEnd)
				continue
			}
		}

		// No room anywhere in the ring right now. Wake the worker and
		// block until it frees some space, then retry from scratch.
		t.wakeWorker.Signal()
		t.inputConsumedEvent.Wait()
	}
}

// inputStart returns the worker's current read cursor.
func (t *tib) inputStart() uint64 {
	return t.readOffset.Load()
}

// wraparound consumes a wraparoundMarker at the read cursor and
// advances it to the ring base, returning the new absolute cursor.
func (t *tib) wraparound() uint64 {
	ro := t.readOffset.Load()
	idx := ro & t.mask
	advance := t.size - idx
	next := ro + advance
	t.readOffset.Store(next)
	return next
}

// discardInputFrame advances the read cursor by frameSize bytes rounded
// up to a multiple of dispatchHeaderSize (the same padding
// allocateInputFrame applies), returning the new cursor.
func (t *tib) discardInputFrame(frameSize int) uint64 {
	padded := (uint64(frameSize) + dispatchHeaderSize - 1) &^ (dispatchHeaderSize - 1)
	next := t.readOffset.Load() + padded
	t.readOffset.Store(next)
	return next
}

// signalInputConsumed wakes a producer blocked in allocateInputFrame.
func (t *tib) signalInputConsumed() {
	t.inputConsumedEvent.Signal()
}

// frameDispatchID reads the dispatch-id word at the given absolute
// offset (worker-side, after the offset has been validated as the
// start of a frame).
func (t *tib) frameDispatchID(offset uint64) uint64 {
	idx := offset & t.mask
	return binary.LittleEndian.Uint64(t.base[idx : idx+8])
}

// frameArgsSize reads the argument-byte count word following the
// dispatch ID at offset.
func (t *tib) frameArgsSize(offset uint64) uint64 {
	idx := offset & t.mask
	return binary.LittleEndian.Uint64(t.base[idx+8 : idx+16])
}

// frameArgs returns the argument-byte slice following the dispatch
// header of the frame starting at offset, of the given argument length.
func (t *tib) frameArgs(offset uint64, argsLen uint64) []byte {
	idx := (offset + dispatchHeaderSize) & t.mask
	return t.base[idx : idx+argsLen]
}

// writeFrameHeader writes the dispatch ID and argument-byte count into
// the header words at offset.
func (t *tib) writeFrameHeader(offset, id, argsLen uint64) {
	idx := offset & t.mask
	binary.LittleEndian.PutUint64(t.base[idx:idx+8], id)
	binary.LittleEndian.PutUint64(t.base[idx+8:idx+16], argsLen)
}

// prefetchFrame hints that the frame header at offset is about to be
// read, matching the prefetch ahead of a TIB scan in original_source's
// utility.cpp.
func (t *tib) prefetchFrame(offset uint64) {
	idx := offset & t.mask
	prefetch(unsafe.Pointer(&t.base[idx]))
}
