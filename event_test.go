package flashlog

import (
	"testing"
	"time"
)

func TestSPSCEventWaitBlocksUntilSignal(t *testing.T) {
	e := newSPSCEvent()
	done := make(chan struct{})

	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Signal was called")
	case <-time.After(20 * time.Millisecond):
	}

	e.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestSPSCEventCollapsesRedundantSignals(t *testing.T) {
	e := newSPSCEvent()
	e.Signal()
	e.Signal()
	e.Signal()

	if !e.WaitTimeout(time.Second) {
		t.Fatal("expected the latched signal to be observed")
	}
	if e.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("expected no signal left after a single Wait")
	}
}

func TestSPSCEventWaitTimeoutNonBlockingPoll(t *testing.T) {
	e := newSPSCEvent()
	if e.WaitTimeout(0) {
		t.Fatal("expected a zero-duration poll on an unsignaled event to return false")
	}
	e.Signal()
	if !e.WaitTimeout(0) {
		t.Fatal("expected a zero-duration poll to observe a pending signal")
	}
}

func TestSPSCEventWaitTimeoutExpires(t *testing.T) {
	e := newSPSCEvent()
	start := time.Now()
	if e.WaitTimeout(30 * time.Millisecond) {
		t.Fatal("expected WaitTimeout to expire on an unsignaled event")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("WaitTimeout returned too early: %v", elapsed)
	}
}
