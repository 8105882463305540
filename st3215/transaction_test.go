package st3215

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Cogni-Robot/st3215/protocol"
	"github.com/Cogni-Robot/st3215/transports"
)

var (
	replyPosition2048 = []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0xF2}
	replyAck1         = []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}
	replyAck2         = []byte{0xFF, 0xFF, 0x02, 0x02, 0x00, 0xFB}
	replyOverload1    = []byte{0xFF, 0xFF, 0x01, 0x02, 0x20, 0xDC}
)

func testConfig(tr Transport) Config {
	return Config{
		Transport:     tr,
		Retry:         RetryPolicy{MaxAttempts: 3, Timeout: 5 * time.Millisecond},
		ScanTimeout:   2 * time.Millisecond,
		MinCommandGap: time.Microsecond,
	}
}

func openTest(t *testing.T, tr Transport) *Handle {
	t.Helper()
	h, err := OpenConfig(testConfig(tr))
	if err != nil {
		t.Fatalf("OpenConfig failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestTransaction_TimeoutRetriesThenFails(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	_, err := h.ReadRegister(context.Background(), 1, RegPresentPosition)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	if mock.Writes != 3 {
		t.Errorf("writes: got %d, want 3", mock.Writes)
	}

	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected *TransactionError, got %T", err)
	}
	if txErr.Attempts != 3 || txErr.ID != 1 {
		t.Errorf("got attempts=%d id=%d, want 3 and 1", txErr.Attempts, txErr.ID)
	}
}

func TestTransaction_ChecksumRetryRecovers(t *testing.T) {
	corrupt := bytes.Clone(replyPosition2048)
	corrupt[len(corrupt)-1] ^= 0x01

	mock := &transports.MockTransport{Replies: [][]byte{corrupt, replyPosition2048}}
	h := openTest(t, mock)

	pos, err := h.ReadRegister(context.Background(), 1, RegPresentPosition)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if pos != 2048 {
		t.Errorf("position: got %d, want 2048", pos)
	}
	if mock.Writes != 2 {
		t.Errorf("writes: got %d, want 2", mock.Writes)
	}
}

func TestTransaction_SkipsLeadingGarbage(t *testing.T) {
	reply := append([]byte{0x00, 0x13, 0x55}, replyPosition2048...)
	mock := &transports.MockTransport{Replies: [][]byte{reply}}
	h := openTest(t, mock)

	pos, err := h.ReadRegister(context.Background(), 1, RegPresentPosition)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if pos != 2048 {
		t.Errorf("position: got %d, want 2048", pos)
	}
}

func TestTransaction_WritesNotRetriedByDefault(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	err := h.WriteRegister(context.Background(), 1, RegGoalPosition, 100)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("single attempt should not report exhausted retries")
	}
	if mock.Writes != 1 {
		t.Errorf("writes: got %d, want 1", mock.Writes)
	}
}

func TestTransaction_RetryWritesOptIn(t *testing.T) {
	mock := &transports.MockTransport{}
	cfg := testConfig(mock)
	cfg.Retry.RetryWrites = true
	h, err := OpenConfig(cfg)
	if err != nil {
		t.Fatalf("OpenConfig failed: %v", err)
	}
	defer h.Close()

	err = h.WriteRegister(context.Background(), 1, RegGoalPosition, 100)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if mock.Writes != 3 {
		t.Errorf("writes: got %d, want 3", mock.Writes)
	}
}

func TestTransaction_IDMismatchNotRetried(t *testing.T) {
	mock := &transports.MockTransport{Replies: [][]byte{replyAck2}}
	h := openTest(t, mock)

	err := h.Ping(context.Background(), 1)
	if !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}

	var mismatch *IDMismatchError
	if !errors.As(err, &mismatch) || mismatch.Want != 1 || mismatch.Got != 2 {
		t.Errorf("unexpected mismatch detail: %v", err)
	}
	if mock.Writes != 1 {
		t.Errorf("writes: got %d, want 1", mock.Writes)
	}
}

func TestTransaction_StatusErrorNotRetried(t *testing.T) {
	mock := &transports.MockTransport{Replies: [][]byte{replyOverload1}}
	h := openTest(t, mock)

	err := h.Ping(context.Background(), 1)
	servoErr, ok := GetServoError(err)
	if !ok {
		t.Fatalf("expected *ServoError, got %v", err)
	}
	if servoErr.ID != 1 || servoErr.Status != protocol.ErrOverload {
		t.Errorf("got id=%d status=%v", servoErr.ID, servoErr.Status)
	}
	if !errors.Is(err, protocol.ErrOverload) {
		t.Errorf("error should match the status flag")
	}
	if mock.Writes != 1 {
		t.Errorf("writes: got %d, want 1", mock.Writes)
	}
}

func TestTransaction_BroadcastWriteIsFireAndForget(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	if err := h.WriteRegister(context.Background(), protocol.BroadcastID, RegTorqueEnable, 1); err != nil {
		t.Fatalf("broadcast write failed: %v", err)
	}
	if mock.Writes != 1 || mock.Reads != 0 {
		t.Errorf("got writes=%d reads=%d, want 1 and 0", mock.Writes, mock.Reads)
	}

	want := protocol.EncodeFrame(protocol.BroadcastID, protocol.InstWrite, RegTorqueEnable.Address, 1)
	if !bytes.Equal(mock.WriteData, want) {
		t.Errorf("packet: got % X, want % X", mock.WriteData, want)
	}
}

func TestTransaction_CancelledContextSendsNothing(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ReadRegister(ctx, 1, RegPresentPosition)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.Writes != 0 {
		t.Errorf("writes: got %d, want 0", mock.Writes)
	}
}

func TestTransaction_TransportReadError(t *testing.T) {
	mock := &transports.MockTransport{ReadErr: errors.New("device unplugged")}
	h := openTest(t, mock)

	_, err := h.ReadRegister(context.Background(), 1, RegPresentPosition)
	var commErr *CommError
	if !errors.As(err, &commErr) {
		t.Fatalf("expected *CommError, got %v", err)
	}
	if mock.Writes != 1 {
		t.Errorf("writes: got %d, want 1", mock.Writes)
	}
}

func TestTransaction_TransportWriteError(t *testing.T) {
	mock := &transports.MockTransport{WriteErr: errors.New("device unplugged")}
	h := openTest(t, mock)

	err := h.Ping(context.Background(), 1)
	var commErr *CommError
	if !errors.As(err, &commErr) {
		t.Fatalf("expected *CommError, got %v", err)
	}
	if IsTimeout(err) {
		t.Errorf("write failure should not look like a timeout")
	}
}

func TestTransaction_PacketOnWire(t *testing.T) {
	mock := &transports.MockTransport{Replies: [][]byte{replyPosition2048}}
	h := openTest(t, mock)

	if _, err := h.ReadRegister(context.Background(), 1, RegPresentPosition); err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}

	// FF FF 01 04 02 38 02 BE
	want := []byte{0xFF, 0xFF, 0x01, 0x04, 0x02, 0x38, 0x02, 0xBE}
	if !bytes.Equal(mock.WriteData, want) {
		t.Errorf("packet: got % X, want % X", mock.WriteData, want)
	}
	if mock.Flushes == 0 {
		t.Errorf("input should be flushed before each request")
	}
}

func TestTransaction_GivesUpResyncAfterMaxDiscard(t *testing.T) {
	noise := bytes.Repeat([]byte{0x55}, 400)
	mock := &transports.MockTransport{Replies: [][]byte{noise}}
	h := openTest(t, mock)

	_, err := h.ReadRegister(context.Background(), 1, RegPresentPosition)
	if !errors.Is(err, ErrNoSync) {
		t.Fatalf("expected ErrNoSync, got %v", err)
	}
	if IsTimeout(err) {
		t.Errorf("resync failure should not look like a timeout")
	}
	if mock.Writes != 1 {
		t.Errorf("writes: got %d, want 1", mock.Writes)
	}
}

func TestTransaction_OversizedFrameNotSent(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	f := protocol.Frame{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncWrite,
		Parameters:  make([]byte, protocol.MaxParams+1),
	}
	if err := h.engine.send(f); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("expected ErrFrameTooLong, got %v", err)
	}
	if n := mock.IOCount(); n != 0 {
		t.Errorf("transport I/O: got %d, want 0", n)
	}
}
