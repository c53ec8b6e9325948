// example_test.go: Executable examples for godoc
//
// These examples appear in the generated documentation and are executable.
// Run with: go test -run Example
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package flashlog_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/agilira/flashlog"
)

// ExampleOpen demonstrates the minimal setup: a sink, a dispatch function,
// and a single producer writing fixed-width frames.
func ExampleOpen() {
	sink := &bytes.Buffer{}

	dispatchID := flashlog.RegisterDispatch(func(verb flashlog.Verb, ob *flashlog.OutputBuffer, args []byte) error {
		if verb != flashlog.VerbFormat {
			return nil
		}
		_, err := ob.Write(args)
		return err
	})

	core, err := flashlog.Open(sink)
	if err != nil {
		log.Fatal(err)
	}
	defer core.Close()

	producer, err := core.NewProducer()
	if err != nil {
		log.Fatal(err)
	}

	err = producer.WriteFrame(dispatchID, 4, func(buf []byte) {
		binary.LittleEndian.PutUint32(buf, 42)
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := core.Close(); err != nil {
		log.Fatal(err)
	}

	fmt.Println(binary.LittleEndian.Uint32(sink.Bytes()))
	// Output: 42
}

// ExampleLog_NewProducer demonstrates that each goroutine that intends to
// write frames should obtain and keep its own Producer, since a Producer's
// underlying buffer is not safe for concurrent use.
func ExampleLog_NewProducer() {
	sink := &bytes.Buffer{}
	dispatchID := flashlog.RegisterDispatch(func(verb flashlog.Verb, ob *flashlog.OutputBuffer, args []byte) error {
		if verb != flashlog.VerbFormat {
			return nil
		}
		_, err := ob.Write(args)
		return err
	})

	core, err := flashlog.Open(sink)
	if err != nil {
		log.Fatal(err)
	}
	defer core.Close()

	producer, err := core.NewProducer()
	if err != nil {
		log.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		err := producer.WriteFrame(dispatchID, 1, func(buf []byte) {
			buf[0] = byte('a' + i)
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	if err := core.Close(); err != nil {
		log.Fatal(err)
	}

	fmt.Println(sink.String())
	// Output: abc
}

// ExampleWithTemporaryErrorPolicy demonstrates configuring the core to keep
// accepting writes across a transient sink failure, trading the lost
// frames for availability, and to be notified once the sink recovers.
func ExampleWithTemporaryErrorPolicy() {
	sink := &bytes.Buffer{}
	dispatchID := flashlog.RegisterDispatch(func(verb flashlog.Verb, ob *flashlog.OutputBuffer, args []byte) error {
		if verb != flashlog.VerbFormat {
			return nil
		}
		_, err := ob.Write(args)
		return err
	})

	core, err := flashlog.Open(sink,
		flashlog.WithTemporaryErrorPolicy(flashlog.PolicyNotifyOnRecovery),
		flashlog.WithFlushErrorCallback(func(_ *flashlog.OutputBuffer, _ flashlog.ErrorCode, lost int) {
			fmt.Printf("recovered after losing %d frame(s)\n", lost)
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer core.Close()

	producer, err := core.NewProducer()
	if err != nil {
		log.Fatal(err)
	}
	if err := producer.WriteFrame(dispatchID, 1, func(buf []byte) { buf[0] = 'x' }); err != nil {
		log.Fatal(err)
	}

	if err := core.Close(); err != nil {
		log.Fatal(err)
	}
	// Output:
}

// ExampleLog_PanicFlush demonstrates draining already-committed frames to
// the sink from a deferred recover, without waiting on new writers.
func ExampleLog_PanicFlush() {
	sink := &bytes.Buffer{}
	dispatchID := flashlog.RegisterDispatch(func(verb flashlog.Verb, ob *flashlog.OutputBuffer, args []byte) error {
		if verb != flashlog.VerbFormat {
			return nil
		}
		_, err := ob.Write(args)
		return err
	})

	core, err := flashlog.Open(sink, flashlog.WithIdlePollBackoff(time.Millisecond, 5*time.Millisecond))
	if err != nil {
		log.Fatal(err)
	}

	producer, err := core.NewProducer()
	if err != nil {
		log.Fatal(err)
	}
	if err := producer.WriteFrame(dispatchID, 1, func(buf []byte) { buf[0] = 'p' }); err != nil {
		log.Fatal(err)
	}

	core.PanicFlush()

	fmt.Println(sink.Len())
	// Output: 1
}
