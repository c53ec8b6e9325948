// Package flashlog provides an asynchronous, low-latency logging
// pipeline: producers capture arguments without formatting or
// blocking on I/O, and a single dedicated worker goroutine formats and
// flushes them to a pluggable Sink.
//
// flashlog moves the expensive parts of logging — string formatting
// and the write syscall — off the caller's goroutine. A call to
// WriteFrame only ever reserves ring-buffer space and copies argument
// bytes into it; formatting happens later, on the worker, outside the
// caller's critical path.
//
// # Quick Start
//
//	log, err := flashlog.Open(sink)
//	if err != nil {
//		return err
//	}
//	defer log.Close()
//
//	producer, err := log.NewProducer()
//	if err != nil {
//		return err
//	}
//
//	err = producer.WriteFrame(dispatchID, len(args), func(buf []byte) {
//		copy(buf, args)
//	})
//
// # Producers
//
// A Producer is a single goroutine's handle onto a Log. Obtain one per
// long-lived goroutine with NewProducer and reuse it; flashlog has no
// way to key a buffer on goroutine identity automatically, unlike a
// thread-local design, so the handle is explicit.
//
//	producer, _ := log.NewProducer()
//	go func() {
//		for {
//			producer.WriteFrame(dispatchID, argsLen, fillFunc)
//		}
//	}()
//
// # Dispatch Functions
//
// Argument capture and formatting are split: WriteFrame only copies
// raw bytes, and a DispatchFunc registered with RegisterDispatch knows
// how to turn those bytes back into a formatted record on the worker.
// Generating the capture call and its matching DispatchFunc from a
// log-statement's argument list is outside this package's scope; it
// is typically produced by a small amount of codegen or reflection in
// the calling application.
//
//	dispatchID := flashlog.RegisterDispatch(func(verb flashlog.Verb, ob *flashlog.OutputBuffer, args []byte) error {
//		if verb != flashlog.VerbFormat {
//			return nil
//		}
//		_, err := ob.WriteString(decodeArgs(args))
//		return err
//	})
//
// # Error Handling
//
// Sink errors are classified Temporary or Permanent (via Classify or a
// Sink-provided *CategorizedError) and handled per a configurable
// Policy: Ignore, NotifyOnRecovery, Block, or FailImmediately.
//
//	log, err := flashlog.Open(sink,
//		flashlog.WithTemporaryErrorPolicy(flashlog.PolicyNotifyOnRecovery),
//		flashlog.WithPermanentErrorPolicy(flashlog.PolicyFailImmediately),
//		flashlog.WithFlushErrorCallback(func(ob *flashlog.OutputBuffer, code flashlog.ErrorCode, lost int) {
//			metrics.Counter("log_frames_lost").Add(float64(lost))
//		}),
//	)
//
// # Panic Safety
//
// PanicFlush performs a best-effort, bounded-time drain of whatever
// has already reached the worker, intended for use from a recover()
// handler or an os/signal handler right before the process exits.
//
//	defer func() {
//		if r := recover(); r != nil {
//			log.PanicFlush()
//			panic(r)
//		}
//	}()
//
// # Sinks
//
// Sink is a minimal byte-destination interface; the sinks package's
// FileSink provides a rotating, compressing, checksum-writing file sink
// as a reference implementation. Applications are free to write their own
// Sink for network transports, in-memory ring buffers for tests, or
// any other destination.
//
// # Non-goals
//
// flashlog does not parse printf-style format strings, does not
// generate argument-capture code, and does not require log rotation:
// rotation, compression, and retention are sink-level concerns, not
// core pipeline features. Synchronous, always-block-on-I/O logging is
// likewise out of scope; for that, write directly to a Sink yourself.
package flashlog
