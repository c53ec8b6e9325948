package flashlog

import (
	"testing"
	"time"
)

func TestTIBAllocateAndReadBack(t *testing.T) {
	tb := newTIB(256, newSPSCEvent())

	off, buf, err := tb.allocateInputFrame(dispatchHeaderSize + 4)
	if err != nil {
		t.Fatalf("allocateInputFrame: %v", err)
	}
	tb.writeFrameHeader(off, 42, 4)
	copy(buf[dispatchHeaderSize:], []byte{1, 2, 3, 4})

	if got := tb.frameDispatchID(off); got != 42 {
		t.Fatalf("expected dispatch id 42, got %d", got)
	}
	if got := tb.frameArgsSize(off); got != 4 {
		t.Fatalf("expected args size 4, got %d", got)
	}
	args := tb.frameArgs(off, 4)
	if len(args) != 4 || args[0] != 1 || args[3] != 4 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestTIBRevertAllocationRestoresCursor(t *testing.T) {
	tb := newTIB(256, newSPSCEvent())
	marker := tb.allocationMarker()

	if _, _, err := tb.allocateInputFrame(32); err != nil {
		t.Fatalf("allocateInputFrame: %v", err)
	}
	if tb.allocationMarker() == marker {
		t.Fatal("expected write cursor to advance after allocation")
	}

	tb.revertAllocation(marker)
	if tb.allocationMarker() != marker {
		t.Fatal("expected revertAllocation to restore the write cursor")
	}
}

func TestTIBAllocateTooLargeFails(t *testing.T) {
	tb := newTIB(64, newSPSCEvent())
	if _, _, err := tb.allocateInputFrame(1024); err == nil {
		t.Fatal("expected an oversized allocation to fail")
	}
}

func TestTIBWraparoundWhenTailHasNoRoom(t *testing.T) {
	// A small ring (rounds up to 64 bytes) where a second frame can't
	// fit before the physical end forces a wraparound marker.
	tb := newTIB(64, newSPSCEvent())

	firstSize := 40
	if _, _, err := tb.allocateInputFrame(firstSize); err != nil {
		t.Fatalf("first allocateInputFrame: %v", err)
	}
	// Consume the first frame so there is free space overall, but the
	// tail of the ring (the 40-byte frame is padded to 48, leaving
	// 64-48=16 bytes) is too small for a 32-byte frame.
	tb.discardInputFrame(firstSize)

	_, buf, err := tb.allocateInputFrame(32)
	if err != nil {
		t.Fatalf("second allocateInputFrame: %v", err)
	}
	if len(buf) != 32 {
		t.Fatalf("expected a 32-byte frame, got %d", len(buf))
	}

	// The read cursor should see a wraparound marker before the frame.
	off := tb.inputStart()
	if id := tb.frameDispatchID(off); id != wraparoundMarker {
		t.Fatalf("expected a wraparound marker at %d, got dispatch id %d", off, id)
	}
	next := tb.wraparound()
	if next%tb.size != 0 {
		t.Fatalf("expected wraparound to land on a ring-base-aligned offset, got %d", next)
	}
}

func TestTIBAllocateBlocksUntilConsumed(t *testing.T) {
	tb := newTIB(64, newSPSCEvent())

	// Fill the ring.
	if _, _, err := tb.allocateInputFrame(64); err != nil {
		t.Fatalf("allocateInputFrame: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if _, _, err := tb.allocateInputFrame(32); err != nil {
			t.Errorf("blocked allocateInputFrame: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("allocateInputFrame returned before the ring was drained")
	case <-time.After(20 * time.Millisecond):
	}

	tb.discardInputFrame(64)
	tb.signalInputConsumed()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("allocateInputFrame did not unblock after signalInputConsumed")
	}
}
