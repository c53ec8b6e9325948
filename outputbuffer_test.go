package flashlog

import (
	"errors"
	"testing"
)

type recordingSink struct {
	writes [][]byte
	err    error
	failN  int // number of Write calls to fail before succeeding
}

func (s *recordingSink) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	if s.failN > 0 {
		s.failN--
		return 0, s.err
	}
	s.writes = append(s.writes, cp)
	return len(p), nil
}

func TestOutputBufferReserveCommitFlush(t *testing.T) {
	sink := &recordingSink{}
	ob := newOutputBuffer(64, sink)

	buf, err := ob.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(buf, []byte("hello"))
	ob.Commit(5)
	ob.FrameEnd()

	outcome, ferr := ob.doFlush()
	if outcome != flushOK || ferr != nil {
		t.Fatalf("expected a clean flush, got outcome=%v err=%v", outcome, ferr)
	}
	if len(sink.writes) != 1 || string(sink.writes[0]) != "hello" {
		t.Fatalf("unexpected sink writes: %v", sink.writes)
	}
}

func TestOutputBufferReserveTooLargeFails(t *testing.T) {
	ob := newOutputBuffer(16, &recordingSink{})
	if _, err := ob.Reserve(17); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestOutputBufferRevertFrameDiscardsPartialWrite(t *testing.T) {
	ob := newOutputBuffer(64, &recordingSink{})

	buf, _ := ob.Reserve(5)
	copy(buf, []byte("first"))
	ob.Commit(5)
	ob.FrameEnd()

	buf2, _ := ob.Reserve(6)
	copy(buf2, []byte("broken"))
	ob.Commit(6)
	ob.RevertFrame()

	if ob.commitEndOff != ob.frameEndOff {
		t.Fatalf("expected RevertFrame to roll back to the last frame boundary")
	}
	outcome, _ := ob.doFlush()
	if outcome != flushOK {
		t.Fatalf("expected flush to succeed, got %v", outcome)
	}
	if len(ob.getSinkWrites(0)) != 5 {
		t.Fatalf("expected only the first complete frame to be flushed")
	}
}

func TestOutputBufferNotifyOnRecoveryAccumulatesLoss(t *testing.T) {
	sink := &recordingSink{err: &CategorizedError{Category: Temporary, Err: errors.New("disk full")}, failN: 2}
	ob := newOutputBuffer(64, sink)
	ob.setTemporaryErrorPolicy(PolicyNotifyOnRecovery)

	var notifiedCode ErrorCode
	var notifiedLost int
	ob.setFlushErrorCallback(func(_ *OutputBuffer, code ErrorCode, lost int) {
		notifiedCode, notifiedLost = code, lost
	})

	for i := 0; i < 2; i++ {
		buf, err := ob.Reserve(4)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		copy(buf, []byte("aaaa"))
		ob.Commit(4)
		ob.FrameEnd()
		outcome, _ := ob.doFlush()
		if outcome != flushOK {
			t.Fatalf("expected PolicyNotifyOnRecovery to report flushOK even on a sink error, got %v", outcome)
		}
	}

	buf, _ := ob.Reserve(4)
	copy(buf, []byte("bbbb"))
	ob.Commit(4)
	ob.FrameEnd()
	outcome, _ := ob.doFlush()
	if outcome != flushOK {
		t.Fatalf("expected the recovering flush to succeed, got %v", outcome)
	}
	if notifiedLost != 2 {
		t.Fatalf("expected 2 lost frames reported, got %d", notifiedLost)
	}
	if notifiedCode != TemporaryFailure {
		t.Fatalf("expected TemporaryFailure reported, got %v", notifiedCode)
	}
}

func TestOutputBufferFailImmediatelyIsFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk gone"), failN: 1}
	ob := newOutputBuffer(64, sink)
	ob.setPermanentErrorPolicy(PolicyFailImmediately)

	buf, _ := ob.Reserve(4)
	copy(buf, []byte("aaaa"))
	ob.Commit(4)
	ob.FrameEnd()

	outcome, ferr := ob.doFlush()
	if outcome != flushFatal {
		t.Fatalf("expected flushFatal, got %v", outcome)
	}
	if ferr == nil {
		t.Fatal("expected a non-nil error alongside flushFatal")
	}
}

func TestOutputBufferBlockRetriesUntilSuccess(t *testing.T) {
	sink := &recordingSink{err: &CategorizedError{Category: Temporary, Err: errors.New("transient")}, failN: 2}
	ob := newOutputBuffer(64, sink)
	ob.setTemporaryErrorPolicy(PolicyBlock)

	buf, _ := ob.Reserve(4)
	copy(buf, []byte("aaaa"))
	ob.Commit(4)
	ob.FrameEnd()

	outcome, _ := ob.doFlush()
	if outcome != flushRetry {
		t.Fatalf("expected flushRetry on the first attempt, got %v", outcome)
	}
	outcome, _ = ob.doFlush()
	if outcome != flushRetry {
		t.Fatalf("expected flushRetry on the second attempt, got %v", outcome)
	}
	outcome, _ = ob.doFlush()
	if outcome != flushOK {
		t.Fatalf("expected the third attempt to succeed, got %v", outcome)
	}
}

func TestOutputBufferBlockDuringPanicFlushIsFatal(t *testing.T) {
	sink := &recordingSink{err: &CategorizedError{Category: Temporary, Err: errors.New("stuck")}, failN: 100}
	ob := newOutputBuffer(64, sink)
	ob.setTemporaryErrorPolicy(PolicyBlock)
	ob.setPanicFlush()

	buf, _ := ob.Reserve(4)
	copy(buf, []byte("aaaa"))
	ob.Commit(4)
	ob.FrameEnd()

	outcome, _ := ob.doFlush()
	if outcome != flushFatal {
		t.Fatalf("expected PolicyBlock under panic flush to report flushFatal, got %v", outcome)
	}
}

// getSinkWrites is a small test helper reaching into the sink to
// assert on what actually got flushed.
func (ob *OutputBuffer) getSinkWrites(_ int) []byte {
	rs, ok := ob.sink.(*recordingSink)
	if !ok || len(rs.writes) == 0 {
		return nil
	}
	return rs.writes[0]
}
