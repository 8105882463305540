package st3215

import (
	"context"
	"testing"
	"time"

	"github.com/Cogni-Robot/st3215/transports"
)

func TestGroup_Positions(t *testing.T) {
	sim := transports.NewSimBus(1, 2)
	copy(sim.Servo(2).Memory[RegPresentPosition.Address:], encodeWord(1500))
	h := openTest(t, sim)

	positions, err := h.Group(1, 2).Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if positions[1] != 2048 || positions[2] != 1500 {
		t.Errorf("positions: got %v", positions)
	}
}

func TestGroup_SetPositions(t *testing.T) {
	sim := transports.NewSimBus(1, 2, 3)
	h := openTest(t, sim)
	g := h.Group(1, 2)
	ctx := context.Background()

	if err := g.SetPositions(ctx, PositionMap{1: 100, 2: 200}); err != nil {
		t.Fatalf("SetPositions failed: %v", err)
	}
	if sim.Writes != 1 {
		t.Errorf("writes: got %d, want 1", sim.Writes)
	}
	for id, want := range map[byte]uint16{1: 100, 2: 200, 3: 2048} {
		if got := decodeWord(sim.Servo(id).Memory[RegGoalPosition.Address:]); got != want {
			t.Errorf("servo %d goal: got %d, want %d", id, got, want)
		}
	}

	if err := g.SetPositions(ctx, PositionMap{3: 100}); err == nil {
		t.Error("expected error writing a servo outside the group")
	}
	if err := g.SetPositions(ctx, nil); err != nil {
		t.Errorf("empty map: %v", err)
	}
}

func TestGroup_SetPositionsWithSpeed(t *testing.T) {
	sim := transports.NewSimBus(1, 2)
	h := openTest(t, sim)
	g := h.Group(1, 2)

	err := g.SetPositionsWithSpeed(context.Background(), PositionMap{1: 300, 2: 400}, PositionMap{1: 1000})
	if err != nil {
		t.Fatalf("SetPositionsWithSpeed failed: %v", err)
	}

	s1 := sim.Servo(1).Memory
	if decodeWord(s1[RegGoalPosition.Address:]) != 300 || decodeWord(s1[RegGoalVelocity.Address:]) != 1000 {
		t.Errorf("servo 1 not written as expected")
	}
	if decodeWord(sim.Servo(2).Memory[RegGoalPosition.Address:]) != 2048 {
		t.Errorf("servo 2 written without a speed")
	}
}

func TestGroup_TorqueAll(t *testing.T) {
	sim := transports.NewSimBus(4, 5)
	h := openTest(t, sim)
	g := h.GroupOf(NewServoSet(4, 5))
	ctx := context.Background()

	if err := g.EnableAll(ctx); err != nil {
		t.Fatalf("EnableAll failed: %v", err)
	}
	for _, id := range []byte{4, 5} {
		if sim.Servo(id).Memory[RegTorqueEnable.Address] != 1 {
			t.Errorf("servo %d torque not enabled", id)
		}
	}

	if err := g.DisableAll(ctx); err != nil {
		t.Fatalf("DisableAll failed: %v", err)
	}
	for _, id := range []byte{4, 5} {
		if sim.Servo(id).Memory[RegTorqueEnable.Address] != 0 {
			t.Errorf("servo %d torque not disabled", id)
		}
	}
}

func TestGroup_RegWritePositions(t *testing.T) {
	sim := transports.NewSimBus(1, 2)
	h := openTest(t, sim)
	ctx := context.Background()

	if err := h.Group(1, 2).RegWritePositions(ctx, PositionMap{1: 10, 2: 20}); err != nil {
		t.Fatalf("RegWritePositions failed: %v", err)
	}
	if err := h.Action(ctx); err != nil {
		t.Fatalf("Action failed: %v", err)
	}
	if decodeWord(sim.Servo(2).Memory[RegPresentPosition.Address:]) != 20 {
		t.Errorf("servo 2 did not move")
	}
}

func TestGroup_MoveTo(t *testing.T) {
	sim := transports.NewSimBus(1, 2)
	h := openTest(t, sim)

	final, err := h.Group(1, 2).MoveTo(context.Background(), PositionMap{2: 900}, time.Second)
	if err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}
	if len(final) != 1 || final[2] != 900 {
		t.Errorf("final positions: got %v, want map[2:900]", final)
	}
}

func TestGroup_WaitForStopTimesOut(t *testing.T) {
	sim := transports.NewSimBus(1)
	sim.Servo(1).Memory[RegMoving.Address] = 1
	h := openTest(t, sim)

	_, err := h.Group(1).WaitForStop(context.Background(), 30*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGroup_RegisterByName(t *testing.T) {
	sim := transports.NewSimBus(1, 2)
	h := openTest(t, sim)
	g := h.Group(1, 2)
	ctx := context.Background()

	if err := g.WriteRegister(ctx, "acceleration", map[int]int{1: 20, 2: 40}); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	values, err := g.ReadRegister(ctx, "acceleration")
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if values[1] != 20 || values[2] != 40 {
		t.Errorf("acceleration: got %v", values)
	}
}
