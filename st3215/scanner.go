package st3215

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/st3215/protocol"
)

// List pings every unicast id and returns the servos that answered.
func (h *Handle) List(ctx context.Context) (ServoSet, error) {
	return h.Scan(ctx, FullRange())
}

// Scan pings each id in r in ascending order, one at a time, and returns
// the servos that answered. A successful scan replaces the set returned by
// Servos. When ctx is cancelled mid-scan the servos found so far are
// returned with ctx.Err() and the cached set is left unchanged.
func (h *Handle) Scan(ctx context.Context, r IDRange) (ServoSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ServoSet{}, ErrHandleClosed
	}
	if err := r.validate(); err != nil {
		return ServoSet{}, err
	}

	start := time.Now()
	policy := h.cfg.scanPolicy()
	found := make([]int, 0, 8)

	for id := r.First; id <= r.Last; id++ {
		if err := ctx.Err(); err != nil {
			return NewServoSet(found...), err
		}

		present, err := h.probeLocked(ctx, id, policy)
		if err != nil {
			return NewServoSet(found...), err
		}
		if present {
			h.logger.Debug("servo found", zap.Int("id", id))
			found = append(found, id)
		}
	}

	set := NewServoSet(found...)
	h.servos = set
	h.logger.Info("scan complete",
		zap.Int("count", set.Count()),
		zap.Ints("ids", set.IDs()),
		zap.Int("first", r.First),
		zap.Int("last", r.Last),
		zap.Duration("elapsed", time.Since(start)))
	return set, nil
}

// Discover finds servos with a single broadcast ping. It is much faster
// than Scan but replies from several servos may collide on the line, so a
// servo can be missed.
func (h *Handle) Discover(ctx context.Context) (ServoSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ServoSet{}, ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return ServoSet{}, err
	}

	frames, err := h.engine.collect(protocol.PingFrame(protocol.BroadcastID), 0, h.cfg.Retry.Timeout)
	if err != nil {
		return ServoSet{}, err
	}

	ids := make([]int, 0, len(frames))
	for _, f := range frames {
		if f.ID <= protocol.MaxID {
			ids = append(ids, int(f.ID))
		}
	}

	set := NewServoSet(ids...)
	h.servos = set
	h.logger.Info("discovery complete", zap.Int("count", set.Count()), zap.Ints("ids", set.IDs()))
	return set, nil
}

// probeLocked reports whether a servo answers a ping at id. Any well-formed
// reply counts, whatever its status flags. Silence, corrupt replies and
// replies from another id mean absent; transport failures are returned.
func (h *Handle) probeLocked(ctx context.Context, id int, policy RetryPolicy) (bool, error) {
	_, err := h.engine.execute(ctx, protocol.PingFrame(byte(id)), policy)
	switch {
	case err == nil:
		return true, nil
	case IsTimeout(err), errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrNoSync):
		return false, nil
	case errors.Is(err, ErrIDMismatch):
		h.logger.Warn("ping answered by another servo", zap.Int("id", id), zap.Error(err))
		return false, nil
	}
	return false, err
}
