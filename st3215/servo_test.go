package st3215

import (
	"context"
	"errors"
	"testing"

	"github.com/Cogni-Robot/st3215/transports"
)

func TestServo_Telemetry(t *testing.T) {
	sim := transports.NewSimBus(1)
	mem := &sim.Servo(1).Memory
	copy(mem[RegPresentLoad.Address:], encodeWord(100|1<<10))
	copy(mem[RegPresentVelocity.Address:], encodeWord(250))
	copy(mem[RegPresentCurrent.Address:], encodeWord(10))

	h := openTest(t, sim)
	s := h.Servo(1)
	ctx := context.Background()

	pos, err := s.Position(ctx)
	if err != nil || pos != 2048 {
		t.Errorf("Position: got %d, %v; want 2048", pos, err)
	}
	speed, err := s.Speed(ctx)
	if err != nil || speed != 250 {
		t.Errorf("Speed: got %d, %v; want 250", speed, err)
	}
	load, err := s.Load(ctx)
	if err != nil || load != -100 {
		t.Errorf("Load: got %d, %v; want -100", load, err)
	}
	volts, err := s.Voltage(ctx)
	if err != nil || volts != 12.0 {
		t.Errorf("Voltage: got %v, %v; want 12.0", volts, err)
	}
	temp, err := s.Temperature(ctx)
	if err != nil || temp != 30 {
		t.Errorf("Temperature: got %d, %v; want 30", temp, err)
	}
	current, err := s.Current(ctx)
	if err != nil || current != 65.0 {
		t.Errorf("Current: got %v, %v; want 65.0", current, err)
	}
	moving, err := s.Moving(ctx)
	if err != nil || moving {
		t.Errorf("Moving: got %v, %v; want false", moving, err)
	}
}

func TestServo_Identify(t *testing.T) {
	sim := transports.NewSimBus(1)
	sim.Servo(1).Memory[RegFirmwareMajor.Address] = 3
	sim.Servo(1).Memory[RegFirmwareMinor.Address] = 10
	h := openTest(t, sim)

	s := NewServo(h, 1, &ModelSM8512BL)
	number, firmware, err := s.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if number != 777 {
		t.Errorf("model number: got %d, want 777", number)
	}
	if firmware != "3.10" {
		t.Errorf("firmware: got %q, want 3.10", firmware)
	}
	if s.Model().Name != "sts3215" {
		t.Errorf("model: got %s, want sts3215", s.Model().Name)
	}
}

func TestServo_MoveTo(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)
	s := h.Servo(1)

	if err := s.MoveTo(context.Background(), 1000, 500, 50, true); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	mem := sim.Servo(1).Memory
	if mem[RegAcceleration.Address] != 50 {
		t.Errorf("acceleration: got %d, want 50", mem[RegAcceleration.Address])
	}
	if v := decodeWord(mem[RegGoalVelocity.Address:]); v != 500 {
		t.Errorf("goal velocity: got %d, want 500", v)
	}
	if p := decodeWord(mem[RegPresentPosition.Address:]); p != 1000 {
		t.Errorf("position: got %d, want 1000", p)
	}
}

func TestServo_MoveToOutOfRange(t *testing.T) {
	mock := &transports.MockTransport{}
	h := openTest(t, mock)

	err := h.Servo(1).MoveTo(context.Background(), 5000, 0, 0, false)
	if !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("expected ErrValueOutOfRange, got %v", err)
	}
	if mock.IOCount() != 0 {
		t.Errorf("transport I/O: got %d, want 0", mock.IOCount())
	}
}

func TestServo_Torque(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)
	s := h.Servo(1)
	ctx := context.Background()

	if err := s.EnableTorque(ctx); err != nil {
		t.Fatalf("EnableTorque failed: %v", err)
	}
	on, err := s.TorqueEnabled(ctx)
	if err != nil || !on {
		t.Errorf("TorqueEnabled: got %v, %v; want true", on, err)
	}

	if err := s.DisableTorque(ctx); err != nil {
		t.Fatalf("DisableTorque failed: %v", err)
	}
	on, err = s.TorqueEnabled(ctx)
	if err != nil || on {
		t.Errorf("TorqueEnabled: got %v, %v; want false", on, err)
	}
}

func TestServo_SetMode(t *testing.T) {
	sim := transports.NewSimBus(1)
	sim.Servo(1).Memory[RegTorqueEnable.Address] = 1
	h := openTest(t, sim)
	s := h.Servo(1)
	ctx := context.Background()

	if err := s.SetMode(ctx, ModeVelocity); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	mem := sim.Servo(1).Memory
	if mem[RegOperatingMode.Address] != ModeVelocity {
		t.Errorf("mode: got %d, want %d", mem[RegOperatingMode.Address], ModeVelocity)
	}
	if mem[RegTorqueEnable.Address] != 0 {
		t.Error("torque left enabled while changing mode")
	}
	if got := sim.Servo(1).EEPROM[RegOperatingMode.Address]; got != ModeVelocity {
		t.Errorf("persisted mode: got %d, want %d", got, ModeVelocity)
	}
	if mem[RegLock.Address] != 1 {
		t.Error("EEPROM left unlocked")
	}

	if err := s.SetMode(ctx, 7); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("expected ErrValueOutOfRange, got %v", err)
	}
}

func TestServo_SetSpeedSigned(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)

	if err := h.Servo(1).SetSpeed(context.Background(), -300); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	raw := decodeWord(sim.Servo(1).Memory[RegGoalVelocity.Address:])
	if raw != 300|1<<15 {
		t.Errorf("raw goal velocity: got %#04x, want %#04x", raw, 300|1<<15)
	}
}

func TestServo_PositionLimits(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)
	s := h.Servo(1)
	ctx := context.Background()

	if err := s.SetPositionLimits(ctx, 100, 3000); err != nil {
		t.Fatalf("SetPositionLimits failed: %v", err)
	}
	lo, hi, err := s.PositionLimits(ctx)
	if err != nil {
		t.Fatalf("PositionLimits failed: %v", err)
	}
	if lo != 100 || hi != 3000 {
		t.Errorf("limits: got %d-%d, want 100-3000", lo, hi)
	}

	servo := sim.Servo(1)
	if p := decodeWord(servo.EEPROM[RegMaxAngleLimit.Address:]); p != 3000 {
		t.Errorf("persisted max limit: got %d, want 3000", p)
	}
	if servo.Memory[RegLock.Address] != 1 {
		t.Error("EEPROM left unlocked")
	}

	if err := s.SetPositionLimits(ctx, 3000, 100); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("expected ErrValueOutOfRange, got %v", err)
	}
}

func TestServo_SetBaudRate(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)
	s := h.Servo(1)

	if err := s.SetBaudRate(context.Background(), 115200); err != nil {
		t.Fatalf("SetBaudRate failed: %v", err)
	}
	if got := sim.Servo(1).EEPROM[RegBaudRate.Address]; got != 4 {
		t.Errorf("persisted baud index: got %d, want 4", got)
	}
	if sim.Servo(1).Memory[RegLock.Address] != 0 {
		t.Error("EEPROM relocked at the old baud rate")
	}
	if err := s.SetBaudRate(context.Background(), 9600); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("expected ErrValueOutOfRange, got %v", err)
	}
}

func TestServo_WaitForStopHonoursContext(t *testing.T) {
	sim := transports.NewSimBus(1)
	sim.Servo(1).Memory[RegMoving.Address] = 1
	h := openTest(t, sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Servo(1).WaitForStop(ctx, DefaultPollInterval)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestServo_EEPROMWriteNeedsUnlock(t *testing.T) {
	sim := transports.NewSimBus(1)
	h := openTest(t, sim)
	ctx := context.Background()

	if err := h.WriteRegister(ctx, 1, RegMaxAngleLimit, 2000); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if p := decodeWord(sim.Servo(1).EEPROM[RegMaxAngleLimit.Address:]); p == 2000 {
		t.Error("write persisted while EEPROM was locked")
	}

	s := h.Servo(1)
	if err := s.SetEEPROMLocked(ctx, false); err != nil {
		t.Fatalf("SetEEPROMLocked failed: %v", err)
	}
	if err := h.WriteRegister(ctx, 1, RegMaxAngleLimit, 2000); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if p := decodeWord(sim.Servo(1).EEPROM[RegMaxAngleLimit.Address:]); p != 2000 {
		t.Errorf("persisted max limit: got %d, want 2000", p)
	}
}
