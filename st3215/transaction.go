package st3215

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/st3215/protocol"
)

// turnaround is the pause after a write before the line is read, leaving
// the half-duplex adapter time to release the bus.
const turnaround = 100 * time.Microsecond

// engine runs request/response transactions over a Transport.
// It is not safe for concurrent use; Handle serialises access.
type engine struct {
	transport  Transport
	logger     *zap.Logger
	minCmdGap  time.Duration
	maxDiscard int

	lastCmdTime time.Time
	pending     []byte
	readBuf     []byte
}

func newEngine(t Transport, cfg Config) *engine {
	return &engine{
		transport:   t,
		logger:      cfg.Logger,
		minCmdGap:   cfg.MinCommandGap,
		maxDiscard:  cfg.MaxDiscard,
		lastCmdTime: time.Now(),
		readBuf:     make([]byte, 256),
	}
}

// execute sends req and returns the status packet from req.ID, retrying
// timeouts and corrupt replies as policy allows.
func (e *engine) execute(ctx context.Context, req protocol.Frame, policy RetryPolicy) (protocol.Frame, error) {
	if req.ID == protocol.BroadcastID || req.Instruction.Reply() != protocol.ReplyOne {
		return protocol.Frame{}, fmt.Errorf("%s to id %d gets no single reply", req.Instruction, req.ID)
	}

	attempts := policy.attempts(req.Instruction)
	txErr := &TransactionError{Op: req.Instruction.String(), ID: int(req.ID)}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if txErr.Err == nil {
				return protocol.Frame{}, err
			}
			break
		}

		txErr.Attempts = attempt
		resp, err := e.roundTrip(req, policy.Timeout)
		if err == nil {
			return resp, nil
		}
		txErr.Err = err

		if !retryable(err) {
			return protocol.Frame{}, txErr
		}
		if attempt < attempts {
			e.logger.Warn("retrying transaction",
				zap.Uint8("id", req.ID),
				zap.Stringer("inst", req.Instruction),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	txErr.Exhausted = attempts > 1 && txErr.Attempts == attempts
	return protocol.Frame{}, txErr
}

// send writes a frame that gets no reply.
func (e *engine) send(f protocol.Frame) error {
	if f.ID != protocol.BroadcastID && f.Instruction.Reply() != protocol.ReplyNone {
		return fmt.Errorf("%s to id %d expects a reply", f.Instruction, f.ID)
	}
	return e.write(f)
}

// collect sends req and gathers reply packets until n have arrived or the
// timeout expires. Corrupt packets are skipped. n <= 0 collects until the
// timeout.
func (e *engine) collect(req protocol.Frame, n int, timeout time.Duration) ([]protocol.Frame, error) {
	if err := e.write(req); err != nil {
		return nil, err
	}

	var frames []protocol.Frame
	deadline := time.Now().Add(timeout)
	discarded := 0
	for n <= 0 || len(frames) < n {
		f, err := e.nextFrame(deadline, &discarded)
		switch {
		case err == nil:
			frames = append(frames, f)
		case errors.Is(err, ErrChecksumMismatch):
			e.logger.Warn("dropping corrupt reply", zap.Stringer("inst", req.Instruction), zap.Error(err))
		case errors.Is(err, ErrTimeout):
			return frames, nil
		default:
			return frames, err
		}
	}
	return frames, nil
}

func (e *engine) roundTrip(req protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	if err := e.write(req); err != nil {
		return protocol.Frame{}, err
	}

	discarded := 0
	resp, err := e.nextFrame(time.Now().Add(timeout), &discarded)
	if err != nil {
		return protocol.Frame{}, err
	}
	if resp.ID != req.ID {
		e.logger.Warn("reply from unexpected servo",
			zap.Uint8("want", req.ID),
			zap.Uint8("got", resp.ID))
		return protocol.Frame{}, &IDMismatchError{Want: req.ID, Got: resp.ID}
	}
	return resp, nil
}

func (e *engine) write(f protocol.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.enforceCommandGap()

	// Flush any stale input
	e.transport.Flush()
	e.pending = e.pending[:0]

	packet := protocol.Encode(f)
	n, err := e.transport.Write(packet)
	if err != nil {
		return &CommError{Op: f.Instruction.String(), Err: fmt.Errorf("write failed: %w", err)}
	}
	if n != len(packet) {
		return &CommError{Op: f.Instruction.String(), Err: fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet))}
	}

	e.lastCmdTime = time.Now()
	if ce := e.logger.Check(zap.DebugLevel, "tx"); ce != nil {
		ce.Write(zap.Uint8("id", f.ID), zap.Stringer("inst", f.Instruction), zap.String("packet", hex.EncodeToString(packet)))
	}

	time.Sleep(turnaround)
	return nil
}

// nextFrame returns the next packet on the line, reading until deadline.
// discarded accumulates unframed bytes dropped while looking for a header.
func (e *engine) nextFrame(deadline time.Time, discarded *int) (protocol.Frame, error) {
	for {
		if len(e.pending) > 0 {
			f, n, err := protocol.Decode(e.pending)
			e.pending = e.pending[n:]
			switch {
			case err == nil:
				if ce := e.logger.Check(zap.DebugLevel, "rx"); ce != nil {
					ce.Write(zap.Uint8("id", f.ID), zap.Uint8("status", byte(f.Status())), zap.Int("params", len(f.Parameters)))
				}
				return f, nil
			case errors.Is(err, ErrChecksumMismatch):
				return protocol.Frame{}, err
			default:
				// No header yet, or a partial packet: drop the garbage and read on.
				*discarded += n
				if *discarded > e.maxDiscard {
					return protocol.Frame{}, fmt.Errorf("%w: discarded %d bytes", ErrNoSync, *discarded)
				}
				if n > 0 && errors.Is(err, ErrNoSync) {
					continue
				}
			}
		}

		if time.Now().After(deadline) {
			if len(e.pending) == 0 {
				return protocol.Frame{}, fmt.Errorf("%w: no response", ErrTimeout)
			}
			return protocol.Frame{}, fmt.Errorf("%w: %d bytes of partial packet", ErrTimeout, len(e.pending))
		}

		remaining := max(time.Until(deadline), time.Millisecond)
		e.transport.SetReadTimeout(remaining)

		n, err := e.transport.Read(e.readBuf)
		if n > 0 {
			e.pending = append(e.pending, e.readBuf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return protocol.Frame{}, &CommError{Op: "read", Err: err}
		}
		// Nothing arrived within the read timeout.
		time.Sleep(time.Millisecond)
	}
}

func (e *engine) enforceCommandGap() {
	elapsed := time.Since(e.lastCmdTime)
	if elapsed < e.minCmdGap {
		time.Sleep(e.minCmdGap - elapsed)
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrChecksumMismatch)
}
