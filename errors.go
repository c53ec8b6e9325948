// errors.go: error taxonomy and per-family recovery policies
//
// Ported from spec.md §7. Uses plain stdlib errors/fmt, matching the
// teacher's own error style (see rotation.go's errNoCurrentFile and
// its fmt.Errorf("...: %v", err) wrapping) rather than a third-party
// structured-error package; DESIGN.md records why agilira/go-errors
// was not wired in.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration and lifecycle mistakes. These are
// programmer errors, not transient failures, and are never retried.
var (
	// ErrAlreadyOpen names the "log already open" condition. Open never
	// returns it: each call to Open creates a new, independent Log.
	ErrAlreadyOpen = errors.New("flashlog: log already open")

	// ErrNotOpen is returned by operations that require an open Log.
	ErrNotOpen = errors.New("flashlog: log is not open")

	// ErrCapacityExhausted is returned when a single frame's requested
	// size exceeds the capacity of the buffer it would live in.
	ErrCapacityExhausted = errors.New("flashlog: frame exceeds buffer capacity")

	// ErrOutOfMemory names a failed TIB or output-buffer allocation. No
	// function in this package returns it; those buffers are allocated
	// with make, which panics rather than returning an error.
	ErrOutOfMemory = errors.New("flashlog: out of memory")
)

// ErrorCode identifies the category of a sink failure, matching
// spec.md §6's namespaced error category.
type ErrorCode int

const (
	// Success is never stored as an error; it exists so the zero value
	// of ErrorCode never collides with a real failure code.
	Success ErrorCode = iota
	// TemporaryFailure is a recoverable sink error (e.g. disk full).
	TemporaryFailure
	// PermanentFailure is an unrecoverable sink error (e.g. broken pipe).
	PermanentFailure
)

func (c ErrorCode) String() string {
	switch c {
	case TemporaryFailure:
		return "temporary_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "success"
	}
}

// WriterError is surfaced to a producer's WriteFrame call once the
// worker has latched a fatal error (policy FailImmediately tripped, or
// the sink panicked). It is returned fast, without touching the TIB.
type WriterError struct {
	Code ErrorCode
}

func (e *WriterError) Error() string {
	return fmt.Sprintf("flashlog: fatal writer error (%s)", e.Code)
}

// FlushError is a non-fatal sentinel used only to unwind
// OutputBuffer.Reserve out of a formatter's call stack, back to the
// worker loop, per spec.md §4.4. It is never returned from WriteFrame.
type FlushError struct {
	Code ErrorCode
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flashlog: flush failed (%s): %v", e.Code, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Policy is the recovery behavior for one error family (temporary or
// permanent), configured independently via SetTemporaryErrorPolicy /
// SetPermanentErrorPolicy.
type Policy int

const (
	// PolicyIgnore drops the offending frame(s) silently and continues.
	PolicyIgnore Policy = iota
	// PolicyNotifyOnRecovery drops frames, accumulating a loss count,
	// and invokes the flush-error callback once a later flush succeeds.
	PolicyNotifyOnRecovery
	// PolicyBlock retries the flush indefinitely with exponential
	// backoff, capped at 1s, until it succeeds or PanicFlush is called.
	PolicyBlock
	// PolicyFailImmediately latches a fatal error and stops the worker;
	// the next producer call fails fast with *WriterError.
	PolicyFailImmediately
)

func (p Policy) String() string {
	switch p {
	case PolicyIgnore:
		return "ignore"
	case PolicyNotifyOnRecovery:
		return "notify_on_recovery"
	case PolicyBlock:
		return "block"
	case PolicyFailImmediately:
		return "fail_immediately"
	default:
		return "unknown"
	}
}
