// outputbuffer.go: worker-side staging buffer feeding a Sink
//
// Grounded on the teacher's MPSCConsumer.flushAll/writeToFile pair in
// buffer.go (pop-then-write-then-recycle), generalized from "one
// complete []byte message per sink write" to the frame-boundary-aware
// byte buffer spec.md §3/§4.4 describes: writes accumulate across many
// formatter calls and the sink only ever sees a prefix of whole frames.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errInsufficientSpace = errors.New("flashlog: output buffer has no room for an in-progress frame")

// flushOutcome is the result of one OutputBuffer.doFlush attempt,
// already filtered through the active error policy.
type flushOutcome int

const (
	flushOK flushOutcome = iota
	// flushRetry means a sink error (temporary or permanent) under
	// PolicyBlock: the caller
	// should back off and retry the same operation (reserve or flush).
	flushRetry
	// flushFatal means PolicyFailImmediately tripped, or the sink
	// panicked: the caller must latch a fatal error and stop.
	flushFatal
)

// OutputBuffer is the worker-owned byte buffer in front of a Sink. It
// is exported because formatters (invoked by a dispatch function on
// the worker goroutine) call Reserve/Commit/Write* on it directly.
//
// Invariant: 0 <= frameEndOff <= commitEndOff <= len(base).
type OutputBuffer struct {
	sink Sink
	base []byte

	commitEndOff int // formatter write cursor
	frameEndOff  int // last complete-frame boundary; only this prefix is ever flushed

	inputFramesInBuffer int // complete frames since last successful flush
	lostInputFrames     int // frames dropped, pending a flush-error notification
	initialError        error
	initialErrorCode    ErrorCode

	temporaryPolicy atomic.Int32
	permanentPolicy atomic.Int32

	callbackMu         sync.Mutex
	flushErrorCallback FlushErrorFunc

	panicFlush atomic.Bool
}

// FlushErrorFunc is invoked once a flush succeeds after one or more
// prior flushes failed, reporting how many frames were dropped and the
// first error code observed. It must not call back into the Log.
type FlushErrorFunc func(ob *OutputBuffer, code ErrorCode, lostFrames int)

func newOutputBuffer(capacity int, sink Sink) *OutputBuffer {
	ob := &OutputBuffer{
		sink: sink,
		base: make([]byte, 0, capacity),
	}
	ob.base = ob.base[:capacity]
	ob.temporaryPolicy.Store(int32(PolicyNotifyOnRecovery))
	ob.permanentPolicy.Store(int32(PolicyFailImmediately))
	return ob
}

// reset reassigns the sink and reallocates the backing buffer,
// matching spec.md §4.4's "On reset(sink, capacity)". It is only ever
// called before the worker starts (Open) or after it has stopped.
func (ob *OutputBuffer) reset(sink Sink, capacity int) {
	ob.sink = sink
	ob.base = make([]byte, capacity)
	ob.commitEndOff = 0
	ob.frameEndOff = 0
	ob.inputFramesInBuffer = 0
	ob.lostInputFrames = 0
	ob.initialError = nil
}

func (ob *OutputBuffer) temporaryErrorPolicy() Policy { return Policy(ob.temporaryPolicy.Load()) }
func (ob *OutputBuffer) permanentErrorPolicy() Policy { return Policy(ob.permanentPolicy.Load()) }
func (ob *OutputBuffer) setTemporaryErrorPolicy(p Policy) { ob.temporaryPolicy.Store(int32(p)) }
func (ob *OutputBuffer) setPermanentErrorPolicy(p Policy) { ob.permanentPolicy.Store(int32(p)) }

func (ob *OutputBuffer) setFlushErrorCallback(f FlushErrorFunc) {
	ob.callbackMu.Lock()
	ob.flushErrorCallback = f
	ob.callbackMu.Unlock()
}

// Reserve returns a pointer to n contiguous writable bytes, flushing
// to free space if necessary. It fails with a wrapped ErrCapacityExhausted
// if n can never fit in the buffer at all, and with *FlushError if a
// flush was attempted and still left insufficient room (the recovering
// variant of spec.md §9's reserve_slow_path: retry once after a flush,
// only then give up).
func (ob *OutputBuffer) Reserve(n int) ([]byte, error) {
	if n > len(ob.base) {
		return nil, errCapacityExhaustedFrame(n, len(ob.base))
	}
	if len(ob.base)-ob.commitEndOff >= n {
		return ob.base[ob.commitEndOff : ob.commitEndOff+n], nil
	}

	outcome, ferr := ob.doFlush()
	if outcome == flushFatal {
		return nil, &FlushError{Code: ob.initialErrorCode, Err: ferr}
	}
	if len(ob.base)-ob.commitEndOff >= n {
		return ob.base[ob.commitEndOff : ob.commitEndOff+n], nil
	}
	if outcome == flushRetry {
		return nil, &FlushError{Code: ob.initialErrorCode, Err: ferr}
	}
	return nil, &FlushError{Code: Success, Err: errInsufficientSpace}
}

func errCapacityExhaustedFrame(n, capacity int) error {
	return fmt.Errorf("flashlog: formatter requested %d bytes, output buffer capacity is %d: %w", n, capacity, ErrCapacityExhausted)
}

// Commit advances the write cursor by n bytes, which must correspond
// to a preceding Reserve(n) (or a smaller n, for a partial write).
func (ob *OutputBuffer) Commit(n int) {
	ob.commitEndOff += n
}

// Write is convenience built on Reserve+Commit; a write larger than
// the buffer's free space may cause multiple flushes internally.
func (ob *OutputBuffer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if chunk > len(ob.base) {
			chunk = len(ob.base)
		}
		dst, err := ob.Reserve(chunk)
		if err != nil {
			return written, err
		}
		copy(dst, p[written:written+chunk])
		ob.Commit(chunk)
		written += chunk
	}
	return written, nil
}

// WriteString is Write for a string; it converts s to a []byte first.
func (ob *OutputBuffer) WriteString(s string) (int, error) {
	return ob.Write([]byte(s))
}

// WriteByte writes a single byte.
func (ob *OutputBuffer) WriteByte(b byte) error {
	dst, err := ob.Reserve(1)
	if err != nil {
		return err
	}
	dst[0] = b
	ob.Commit(1)
	return nil
}

// FrameEnd is called by the worker after a successful formatter
// invocation: it publishes the just-formatted bytes as flushable and
// counts one more complete frame.
func (ob *OutputBuffer) FrameEnd() {
	ob.frameEndOff = ob.commitEndOff
	ob.inputFramesInBuffer++
}

// RevertFrame discards everything written by the current, failed
// formatter invocation, resetting the write cursor back to the last
// complete-frame boundary.
func (ob *OutputBuffer) RevertFrame() {
	ob.commitEndOff = ob.frameEndOff
}

// setPanicFlush and isPanicFlush are used by the worker's block-policy
// retry loop to notice a PanicFlush request and give up retrying.
func (ob *OutputBuffer) setPanicFlush()   { ob.panicFlush.Store(true) }
func (ob *OutputBuffer) isPanicFlush() bool { return ob.panicFlush.Load() }

// hasCompleteFrames reports whether flush would have anything to write.
func (ob *OutputBuffer) hasCompleteFrames() bool { return ob.frameEndOff > 0 }

// doFlush implements the flush algorithm of spec.md §4.4, already
// filtered through the active error policy. It is called both from
// the worker's idle-drain loop and from Reserve's slow path, per
// spec.md §9's resolution that both call sites behave identically.
func (ob *OutputBuffer) doFlush() (flushOutcome, error) {
	n := ob.frameEndOff
	if n == 0 {
		return flushOK, nil
	}

	var written int
	var werr error
	sinkPanicked := func() (panicked bool) {
		defer func() {
			if r := recover(); r != nil {
				werr, panicked = fmt.Errorf("flashlog: sink panicked: %v", r), true
			}
		}()
		written, werr = ob.sink.Write(ob.base[:n])
		return false
	}()
	if sinkPanicked {
		if ob.initialError == nil {
			ob.initialError, ob.initialErrorCode = werr, PermanentFailure
		}
		return flushFatal, werr
	}
	if written < 0 {
		written = 0
	}
	if written > n {
		written = n
	}

	// Shift whatever is left (unwritten tail of flushed frames, plus any
	// bytes committed by an in-progress frame beyond frameEndOff) down
	// to base.
	remaining := ob.commitEndOff - written
	if written > 0 && remaining > 0 {
		copy(ob.base[:remaining], ob.base[written:ob.commitEndOff])
	}
	ob.commitEndOff = remaining
	ob.frameEndOff -= written
	if ob.frameEndOff < 0 {
		ob.frameEndOff = 0
	}

	if werr == nil {
		ob.inputFramesInBuffer = 0
		if ob.lostInputFrames > 0 {
			ob.callbackMu.Lock()
			cb := ob.flushErrorCallback
			ob.callbackMu.Unlock()
			if cb != nil {
				cb(ob, ob.initialErrorCode, ob.lostInputFrames)
			}
			ob.lostInputFrames = 0
			ob.initialError = nil
			ob.initialErrorCode = Success
		}
		return flushOK, nil
	}

	category := Classify(werr)
	code := category.toErrorCode()
	if ob.initialError == nil {
		ob.initialError = werr
		ob.initialErrorCode = code
	}

	var policy Policy
	if category == Temporary {
		policy = ob.temporaryErrorPolicy()
	} else {
		policy = ob.permanentErrorPolicy()
	}

	switch policy {
	case PolicyIgnore:
		ob.dropBufferedFrames()
		ob.inputFramesInBuffer = 0
		return flushOK, werr
	case PolicyNotifyOnRecovery:
		ob.lostInputFrames += ob.inputFramesInBuffer
		ob.dropBufferedFrames()
		ob.inputFramesInBuffer = 0
		return flushOK, werr
	case PolicyBlock:
		if ob.isPanicFlush() {
			return flushFatal, werr
		}
		return flushRetry, werr
	case PolicyFailImmediately:
		return flushFatal, werr
	default:
		return flushFatal, werr
	}
}

// dropBufferedFrames discards the complete frames the failed flush
// could not deliver, matching "clear OB up to frame_end" for the
// ignore/notify_on_recovery policies.
func (ob *OutputBuffer) dropBufferedFrames() {
	remaining := ob.commitEndOff - ob.frameEndOff
	if remaining > 0 {
		copy(ob.base[:remaining], ob.base[ob.frameEndOff:ob.commitEndOff])
	}
	ob.commitEndOff = remaining
	ob.frameEndOff = 0
}
