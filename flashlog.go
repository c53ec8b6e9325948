// flashlog.go: the Log Core — worker lifecycle and the dedicated
// formatting/flushing goroutine
//
// Grounded on the teacher's Logger in lethe.go (atomic state fields,
// sync.Once-guarded Close, a Stats snapshot struct) and its
// MPSCConsumer.run in buffer.go for the worker's own loop shape
// (ticker-driven poll, flushAll, stop via a done channel). The
// multi-producer/single-consumer pipeline itself — TIB -> SIQ ->
// OutputBuffer -> Sink — is spec.md §2's, not the teacher's; the
// teacher's single shared ring becomes, here, one ring per producer
// feeding a shared queue of commit extents, per spec.md §4.
//
// spec.md's automatic thread-local Log.write_frame has no equivalent
// in Go: goroutines carry no usable identity to key a TIB on. This
// resolves the Open Question from spec.md §9 the Go-idiomatic way —
// an explicit per-producer handle, obtained once via NewProducer and
// reused by its owning goroutine for the rest of its life, rather than
// an automatic, IO-costly goroutine-local lookup on every call.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Log is an open asynchronous logging pipeline: any number of
// Producers feed frames into it, a single worker goroutine formats and
// flushes them to the configured Sink. The zero value is not usable;
// construct one with Open.
type Log struct {
	siq *siq
	ob  *OutputBuffer

	tibCapacity   int
	idlePollFloor time.Duration
	idlePollCap   time.Duration

	formatErrorMu       sync.Mutex
	formatErrorCallback FormatErrorFunc

	producersMu sync.Mutex
	producers   []*Producer

	workerDone chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool

	// fatalCode is non-zero once the worker has latched a
	// PolicyFailImmediately error; producers observe it to fail fast
	// instead of queuing a frame the worker will never drain.
	fatalCode atomic.Int32

	stats Stats
}

// Stats is a point-in-time snapshot of a Log's counters, matching the
// diagnostic surface of spec.md §6 and the teacher's own Stats() in
// lethe.go.
type Stats struct {
	FramesWritten uint64
	FramesDropped uint64
	FlushCount    uint64
	FlushErrors   uint64
	QueueDepth    int
	ProducerCount int
}

// Open starts a Log backed by sink, applying any Options, and spawns
// its worker goroutine. The returned Log must be closed with Close.
func Open(sink Sink, opts ...Option) (*Log, error) {
	if sink == nil {
		return nil, ErrNotOpen
	}
	cfg := defaultLogConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Log{
		siq:                 newSIQ(cfg.siqCapacity),
		ob:                  newOutputBuffer(cfg.obCapacity, sink),
		tibCapacity:         cfg.tibCapacity,
		idlePollFloor:       cfg.idlePollFloor,
		idlePollCap:         cfg.idlePollCap,
		formatErrorCallback: cfg.formatErrorCallback,
		workerDone:          make(chan struct{}),
	}
	l.ob.setTemporaryErrorPolicy(cfg.temporaryPolicy)
	l.ob.setPermanentErrorPolicy(cfg.permanentPolicy)
	l.ob.setFlushErrorCallback(cfg.flushErrorCallback)

	go l.runWorker()
	return l, nil
}

// Producer is a single goroutine's handle onto a Log: one private TIB
// plus the shared machinery to publish commit extents. A Producer must
// not be used concurrently from more than one goroutine.
type Producer struct {
	log *Log
	t   *tib
}

// NewProducer allocates a fresh Thread Input Buffer and returns a
// handle a single goroutine can use to write frames for the rest of
// its life. Producers are cheap but not free; callers should obtain
// one per long-lived goroutine rather than per call.
func (l *Log) NewProducer() (*Producer, error) {
	if l.closed.Load() {
		return nil, ErrNotOpen
	}
	t := newTIB(l.tibCapacity, l.siq.fullEvent)
	p := &Producer{log: l, t: t}

	l.producersMu.Lock()
	l.producers = append(l.producers, p)
	l.producersMu.Unlock()

	return p, nil
}

// WriteFrame captures one log record without formatting or blocking on
// I/O: it reserves dispatchHeaderSize+len(args) bytes in the
// producer's TIB, tags them with dispatchID (obtained from
// RegisterDispatch), calls fill to write the raw argument bytes, and
// publishes a commit extent to the shared input queue. fill must write
// exactly argsLen bytes and must not retain the slice past return.
//
// WriteFrame blocks only when its own TIB has no room (the producer is
// outrunning the worker) or when the shared input queue is full (commits
// from all producers are outrunning the worker); it never blocks on sink I/O.
func (p *Producer) WriteFrame(dispatchID uint64, argsLen int, fill func(args []byte)) error {
	if code := p.log.fatalCode.Load(); code != 0 {
		return &WriterError{Code: ErrorCode(code)}
	}

	total := dispatchHeaderSize + argsLen
	marker := p.t.allocationMarker()

	frameOff, buf, err := p.t.allocateInputFrame(total)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			p.t.revertAllocation(marker)
		}
	}()

	p.t.writeFrameHeader(frameOff, dispatchID, uint64(argsLen))
	fill(buf[dispatchHeaderSize:])
	committed = true

	atomic.AddUint64(&p.log.stats.FramesWritten, 1)
	return p.log.publish(commitExtent{tib: p.t, commitEnd: p.t.inputEnd()})
}

// publish pushes extent to the shared input queue, backing off and
// retrying while it is full, and giving up with a fast *WriterError if
// the worker has latched a fatal policy trip in the meantime — without
// this check, a producer could block forever pushing to a queue nobody
// will ever drain again.
func (l *Log) publish(extent commitExtent) error {
	for {
		if l.siq.push(extent) {
			return nil
		}
		if code := l.fatalCode.Load(); code != 0 {
			return &WriterError{Code: ErrorCode(code)}
		}
		l.siq.fullEvent.Signal()
		l.siq.consumedEvent.WaitTimeout(50 * time.Millisecond)
	}
}

// PanicFlush requests a best-effort, bounded-time drain of whatever
// has already reached the shared input queue, for use from a panic
// handler or a signal handler right before the process exits. It does
// not wait for producers that have not yet committed, and it never
// blocks the caller on a stuck sink.
func (l *Log) PanicFlush() {
	l.ob.setPanicFlush()
	l.siq.fullEvent.Signal()
	select {
	case <-l.workerDone:
	case <-time.After(2 * time.Second):
	}
}

// Close stops accepting new producers' work, waits for the worker to
// drain everything already committed, flushes the sink one last time,
// and returns any fatal error the worker had latched.
func (l *Log) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.closed.Store(true)

		select {
		case <-l.workerDone:
			// Worker already exited (fatal policy trip or a prior
			// PanicFlush); pushing a sentinel would block forever
			// with nobody left to pop it.
		default:
			l.siq.pushBlocking(commitExtent{tib: nil})
			<-l.workerDone
		}

		if code := l.fatalCode.Load(); code != 0 {
			closeErr = &WriterError{Code: ErrorCode(code)}
		}
	})
	return closeErr
}

// SetFormatErrorCallback installs f as the callback notified when a
// frame's DispatchFunc fails to format or its dispatch ID cannot be
// resolved, replacing whatever callback was installed at Open or by an
// earlier call. It may be called on a running Log; the worker reads
// the callback under the same mutex this method writes it under.
func (l *Log) SetFormatErrorCallback(f FormatErrorFunc) {
	l.formatErrorMu.Lock()
	l.formatErrorCallback = f
	l.formatErrorMu.Unlock()
}

// SetFlushErrorCallback installs f as the callback notified on a sink
// flush error, replacing whatever callback was installed at Open or by
// an earlier call. It may be called on a running Log.
func (l *Log) SetFlushErrorCallback(f FlushErrorFunc) {
	l.ob.setFlushErrorCallback(f)
}

// SetTemporaryErrorPolicy changes the policy applied to a sink error
// classified Temporary, taking effect on the next flush attempt.
func (l *Log) SetTemporaryErrorPolicy(p Policy) {
	l.ob.setTemporaryErrorPolicy(p)
}

// SetPermanentErrorPolicy changes the policy applied to a sink error
// classified Permanent, taking effect on the next flush attempt.
func (l *Log) SetPermanentErrorPolicy(p Policy) {
	l.ob.setPermanentErrorPolicy(p)
}

// Stats returns a snapshot of the Log's counters.
func (l *Log) Stats() Stats {
	s := l.stats
	s.FramesWritten = atomic.LoadUint64(&l.stats.FramesWritten)
	s.FramesDropped = atomic.LoadUint64(&l.stats.FramesDropped)
	s.FlushCount = atomic.LoadUint64(&l.stats.FlushCount)
	s.FlushErrors = atomic.LoadUint64(&l.stats.FlushErrors)
	s.QueueDepth = l.siq.len()
	l.producersMu.Lock()
	s.ProducerCount = len(l.producers)
	l.producersMu.Unlock()
	return s
}

// latchFatal records a PolicyFailImmediately trip so future WriteFrame
// calls fail fast instead of queuing work the worker will discard.
func (l *Log) latchFatal(code ErrorCode) {
	l.fatalCode.CompareAndSwap(0, int32(code))
}

// runWorker is the Log's single dedicated consumer: it pops commit
// extents from the shared input queue, walks each one frame by frame,
// invokes the frame's dispatch function to format into the output
// buffer, and flushes. It implements the idle-poll backoff and the
// signal-touched-TIBs-once-per-idle-transition rule of spec.md §4.5.
func (l *Log) runWorker() {
	defer close(l.workerDone)

	touched := make(map[*tib]struct{})
	backoff := l.idlePollFloor
	finishing := false

	for {
		extent, ok := l.siq.pop()
		if !ok {
			for t := range touched {
				t.signalInputConsumed()
			}
			touched = make(map[*tib]struct{})
			l.siq.consumedEvent.Signal()

			if l.ob.hasCompleteFrames() {
				if l.idleFlush() {
					return
				}
			}

			if finishing {
				return
			}

			if l.ob.isPanicFlush() {
				return
			}

			l.siq.fullEvent.WaitTimeout(backoff)
			backoff = nextBackoff(backoff, l.idlePollFloor, l.idlePollCap)
			continue
		}

		backoff = l.idlePollFloor
		l.siq.consumedEvent.Signal()

		if extent.tib == nil {
			finishing = true
			continue
		}

		touched[extent.tib] = struct{}{}
		if l.drainExtent(extent) {
			return
		}
	}
}

// idleFlush flushes whatever the output buffer is holding during an
// idle transition. It returns true if the worker must stop (a fatal
// policy tripped).
func (l *Log) idleFlush() bool {
	outcome, _ := l.ob.doFlush()
	atomic.AddUint64(&l.stats.FlushCount, 1)
	switch outcome {
	case flushFatal:
		l.latchFatal(l.ob.initialErrorCode)
		return true
	case flushRetry:
		atomic.AddUint64(&l.stats.FlushErrors, 1)
	}
	return false
}

// drainExtent formats every frame in [tib.inputStart(), extent.commitEnd)
// into the output buffer, flushing as needed to make room, and
// advances the TIB's read cursor past each frame once handled. It
// returns true if the worker must stop.
func (l *Log) drainExtent(extent commitExtent) bool {
	t := extent.tib
	for t.inputStart() < extent.commitEnd {
		off := t.inputStart()
		t.prefetchFrame(off)
		id := t.frameDispatchID(off)
		if id == wraparoundMarker {
			t.wraparound()
			continue
		}

		argsLen := t.frameArgsSize(off)
		frameSize := dispatchHeaderSize + int(argsLen)

		if l.formatFrame(t, off, id, argsLen) {
			return true
		}

		t.discardInputFrame(frameSize)
	}
	return false
}

// formatFrame resolves one frame's DispatchFunc and invokes it with
// VerbFormat, reserving output-buffer space first. A formatter error is
// reported to the format-error callback and the frame is dropped via
// VerbDestroy; an unresolvable dispatch ID is reported the same way and
// the frame is skipped without any DispatchFunc call; a *FlushError
// escaping Reserve is handled according to the active error policy.
// It returns true if the worker must stop.
func (l *Log) formatFrame(t *tib, off, id, argsLen uint64) bool {
	args := t.frameArgs(off, argsLen)

	fn, err := lookupDispatch(id)
	if err != nil {
		l.reportFormatError(id, err)
		return false
	}

	ferr := fn(VerbFormat, l.ob, args)
	if ferr == nil {
		l.ob.FrameEnd()
		return false
	}

	var flushErr *FlushError
	if asFlushError(ferr, &flushErr) {
		switch flushErr.Code {
		case Success:
			l.ob.RevertFrame()
			return l.retryUntilFlushed(t, off, id, args)
		default:
			if l.blockPolicyFor(flushErr.Code) {
				l.ob.RevertFrame()
				return l.retryBlocked(t, off, id, args)
			}
			atomic.AddUint64(&l.stats.FlushErrors, 1)
			l.latchFatal(flushErr.Code)
			return true
		}
	}

	l.ob.RevertFrame()
	_ = fn(VerbDestroy, nil, args)
	atomic.AddUint64(&l.stats.FramesDropped, 1)
	l.reportFormatError(id, ferr)
	return false
}

// retryUntilFlushed is reached when Reserve could not find room even
// after one flush attempt purely because the output buffer is smaller
// than the pending unflushed data, not because the sink is failing
// (Code == Success on the *FlushError). It flushes again and retries
// the same formatter call, repeating while a flush leaves bytes behind.
// Once a flush has emptied the buffer and the formatter still cannot
// fit its output, the frame's output exceeds the buffer's capacity: the
// frame is dropped and reported to the format-error callback.
func (l *Log) retryUntilFlushed(t *tib, off, id uint64, args []byte) bool {
	for {
		outcome, _ := l.ob.doFlush()
		atomic.AddUint64(&l.stats.FlushCount, 1)
		if outcome == flushFatal {
			l.latchFatal(l.ob.initialErrorCode)
			return true
		}
		emptied := l.ob.commitEndOff == 0

		fn, err := lookupDispatch(id)
		if err != nil {
			l.reportFormatError(id, err)
			return false
		}
		ferr := fn(VerbFormat, l.ob, args)
		if ferr == nil {
			l.ob.FrameEnd()
			return false
		}

		var flushErr *FlushError
		if !asFlushError(ferr, &flushErr) || flushErr.Code != Success || emptied {
			l.ob.RevertFrame()
			_ = fn(VerbDestroy, nil, args)
			atomic.AddUint64(&l.stats.FramesDropped, 1)
			l.reportFormatError(id, ferr)
			return false
		}
		l.ob.RevertFrame()
	}
}

func (l *Log) reportFormatError(dispatchID uint64, err error) {
	l.formatErrorMu.Lock()
	cb := l.formatErrorCallback
	l.formatErrorMu.Unlock()
	if cb != nil {
		cb(dispatchID, err)
	}
}

// blockPolicyFor reports whether code's error category is currently
// configured with PolicyBlock, read straight from the output buffer's
// atomic policy fields so a policy change via SetTemporaryErrorPolicy
// or SetPermanentErrorPolicy takes effect on the very next frame.
func (l *Log) blockPolicyFor(code ErrorCode) bool {
	switch code {
	case TemporaryFailure:
		return l.ob.temporaryErrorPolicy() == PolicyBlock
	case PermanentFailure:
		return l.ob.permanentErrorPolicy() == PolicyBlock
	default:
		return false
	}
}

// retryBlocked is reached when Reserve failed because the sink itself
// is erroring under PolicyBlock. The frame is retried, not dropped,
// after an exponential backoff wait on the shared input queue's full
// event, giving up only once a PanicFlush has been requested, at which
// point the worker latches fatal and stops rather than retrying
// forever during shutdown.
func (l *Log) retryBlocked(t *tib, off, id uint64, args []byte) bool {
	backoff := l.idlePollFloor
	for {
		if l.ob.isPanicFlush() {
			atomic.AddUint64(&l.stats.FlushErrors, 1)
			l.latchFatal(l.ob.initialErrorCode)
			return true
		}

		l.siq.fullEvent.WaitTimeout(backoff)
		backoff = nextBackoff(backoff, l.idlePollFloor, l.idlePollCap)

		outcome, _ := l.ob.doFlush()
		atomic.AddUint64(&l.stats.FlushCount, 1)
		switch outcome {
		case flushFatal:
			l.latchFatal(l.ob.initialErrorCode)
			return true
		case flushRetry:
			continue
		}

		fn, err := lookupDispatch(id)
		if err != nil {
			l.reportFormatError(id, err)
			return false
		}
		ferr := fn(VerbFormat, l.ob, args)
		if ferr == nil {
			l.ob.FrameEnd()
			return false
		}

		var flushErr *FlushError
		if asFlushError(ferr, &flushErr) {
			switch flushErr.Code {
			case Success:
				l.ob.RevertFrame()
				continue
			default:
				if l.blockPolicyFor(flushErr.Code) {
					l.ob.RevertFrame()
					continue
				}
				atomic.AddUint64(&l.stats.FlushErrors, 1)
				l.latchFatal(flushErr.Code)
				return true
			}
		}

		l.ob.RevertFrame()
		_ = fn(VerbDestroy, nil, args)
		atomic.AddUint64(&l.stats.FramesDropped, 1)
		l.reportFormatError(id, ferr)
		return false
	}
}

// asFlushError is errors.As inlined to avoid importing "errors" just
// for this one call site used twice.
func asFlushError(err error, target **FlushError) bool {
	fe, ok := err.(*FlushError)
	if !ok {
		return false
	}
	*target = fe
	return true
}

// nextBackoff doubles d, floored at floor and capped at cap, matching
// spec.md §4.5's "grows from near-zero, capped around one second".
func nextBackoff(d, floor, cap time.Duration) time.Duration {
	if d <= 0 {
		if floor > 0 {
			return floor
		}
		return time.Millisecond
	}
	next := d * 2
	if next > cap {
		return cap
	}
	return next
}
