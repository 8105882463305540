package st3215

import (
	"context"
	"fmt"
	"time"
)

// PositionMap is a map of servo ID to position value.
type PositionMap map[int]int

// Group addresses a fixed set of servos with single sync packets.
type Group struct {
	h   *Handle
	set ServoSet
}

// Group returns a group over the given servo ids.
func (h *Handle) Group(ids ...int) *Group {
	return &Group{h: h, set: NewServoSet(ids...)}
}

// GroupOf returns a group over a scan result.
func (h *Handle) GroupOf(set ServoSet) *Group {
	return &Group{h: h, set: set}
}

// IDs returns the servo IDs in this group.
func (g *Group) IDs() []int {
	return g.set.IDs()
}

// Servos returns a Servo for every member.
func (g *Group) Servos() []*Servo {
	ids := g.set.IDs()
	servos := make([]*Servo, len(ids))
	for i, id := range ids {
		servos[i] = g.h.Servo(id)
	}
	return servos
}

// Positions reads positions from all servos using sync read.
func (g *Group) Positions(ctx context.Context) (PositionMap, error) {
	positions, err := g.h.SyncRead(ctx, RegPresentPosition, g.set.IDs())
	return PositionMap(positions), err
}

// SetPositions writes goal positions using sync write.
// Only servos with IDs present in the positions map are written.
func (g *Group) SetPositions(ctx context.Context, positions PositionMap) error {
	if err := g.h.checkOpen(); err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	if err := g.checkMembers(positions); err != nil {
		return err
	}
	return g.h.SyncWrite(ctx, RegGoalPosition, positions)
}

// SetPositionsWithSpeed writes positions with speed to servos.
// Only servos present in both maps are written.
func (g *Group) SetPositionsWithSpeed(ctx context.Context, positions, speeds PositionMap) error {
	return g.writeGoals(ctx, positions, speeds, func(pos, speed int) ([]byte, error) {
		return goalBlock(pos, 0, speed)
	})
}

// SetPositionsWithTime writes positions with travel time in milliseconds.
// Only servos present in both maps are written.
func (g *Group) SetPositionsWithTime(ctx context.Context, positions, times PositionMap) error {
	return g.writeGoals(ctx, positions, times, func(pos, timeMs int) ([]byte, error) {
		return goalBlock(pos, timeMs, 0)
	})
}

// RegWritePositions buffers position writes on each servo.
// Call Handle.Action to execute them simultaneously.
func (g *Group) RegWritePositions(ctx context.Context, positions PositionMap) error {
	if err := g.h.checkOpen(); err != nil {
		return err
	}
	if err := g.checkMembers(positions); err != nil {
		return err
	}
	for _, id := range NewServoSet(keys(positions)...).IDs() {
		data, err := RegGoalPosition.encode(positions[id])
		if err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
		if err := g.h.RegWrite(ctx, id, RegGoalPosition.Address, data); err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
	}
	return nil
}

// EnableAll enables torque on all servos.
func (g *Group) EnableAll(ctx context.Context) error {
	return g.h.SyncWrite(ctx, RegTorqueEnable, g.uniform(1))
}

// DisableAll disables torque on all servos.
func (g *Group) DisableAll(ctx context.Context) error {
	return g.h.SyncWrite(ctx, RegTorqueEnable, g.uniform(0))
}

// MoveTo sets goal positions and waits for every servo to stop.
// Returns the final positions of the commanded servos.
func (g *Group) MoveTo(ctx context.Context, positions PositionMap, timeout time.Duration) (PositionMap, error) {
	if err := g.SetPositions(ctx, positions); err != nil {
		return nil, err
	}

	all, err := g.WaitForStop(ctx, timeout)
	if err != nil {
		return nil, err
	}

	result := make(PositionMap, len(positions))
	for id := range positions {
		if pos, ok := all[id]; ok {
			result[id] = pos
		}
	}
	return result, nil
}

// WaitForStop polls the moving flag of every member with one sync read
// until all report stopped, then returns their positions.
func (g *Group) WaitForStop(ctx context.Context, timeout time.Duration) (PositionMap, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	deadline := time.After(timeout)

	for {
		moving, err := g.h.SyncRead(ctx, RegMoving, g.set.IDs())
		if IsHandleClosed(err) {
			return nil, err
		}
		if err == nil && !anyNonZero(moving) {
			return g.Positions(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			pos, _ := g.Positions(ctx)
			return pos, fmt.Errorf("%w: servos still moving after %v", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// ReadRegister reads a named register from every member.
func (g *Group) ReadRegister(ctx context.Context, name string) (map[int]int, error) {
	if err := g.h.checkOpen(); err != nil {
		return nil, err
	}
	reg, ok := RegisterByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown name %q", ErrInvalidRegister, name)
	}
	return g.h.SyncRead(ctx, reg, g.set.IDs())
}

// WriteRegister writes a named register on the servos present in values.
func (g *Group) WriteRegister(ctx context.Context, name string, values map[int]int) error {
	if err := g.h.checkOpen(); err != nil {
		return err
	}
	reg, ok := RegisterByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown name %q", ErrInvalidRegister, name)
	}
	if err := g.checkMembers(values); err != nil {
		return err
	}
	return g.h.SyncWrite(ctx, reg, values)
}

func (g *Group) writeGoals(ctx context.Context, positions, second PositionMap, block func(pos, v int) ([]byte, error)) error {
	if err := g.h.checkOpen(); err != nil {
		return err
	}
	servoData := make(map[int][]byte)
	for id, pos := range positions {
		v, ok := second[id]
		if !ok {
			continue
		}
		if !g.set.Contains(id) {
			return fmt.Errorf("servo ID %d not in group", id)
		}
		data, err := block(pos, v)
		if err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
		servoData[id] = data
	}
	if len(servoData) == 0 {
		return nil
	}
	return g.h.SyncWriteBytes(ctx, RegGoalPosition.Address, 6, servoData)
}

func (g *Group) checkMembers(values map[int]int) error {
	for id := range values {
		if !g.set.Contains(id) {
			return fmt.Errorf("servo ID %d not in group", id)
		}
	}
	return nil
}

func (g *Group) uniform(value int) map[int]int {
	values := make(map[int]int, g.set.Count())
	for _, id := range g.set.IDs() {
		values[id] = value
	}
	return values
}

func keys(m map[int]int) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func anyNonZero(m map[int]int) bool {
	for _, v := range m {
		if v != 0 {
			return true
		}
	}
	return false
}
