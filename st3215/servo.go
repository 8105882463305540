package st3215

import (
	"context"
	"fmt"
	"time"

	"github.com/Cogni-Robot/st3215/protocol"
)

// CurrentStep is the present_current register unit in milliamps.
const CurrentStep = 6.5

// DefaultPollInterval is how often WaitForStop samples the moving flag.
const DefaultPollInterval = 20 * time.Millisecond

// Servo provides a high-level interface for controlling a single servo.
type Servo struct {
	h     *Handle
	id    int
	model *Model
}

// NewServo creates a new Servo instance.
// If model is nil, defaults to STS3215.
func NewServo(h *Handle, id int, model *Model) *Servo {
	if model == nil {
		model = &ModelSTS3215
	}
	return &Servo{
		h:     h,
		id:    id,
		model: model,
	}
}

// Servo returns the servo at id on this bus.
func (h *Handle) Servo(id int) *Servo {
	return NewServo(h, id, nil)
}

// ID returns the servo's ID.
func (s *Servo) ID() int {
	return s.id
}

// Model returns the servo's model specification.
func (s *Servo) Model() *Model {
	return s.model
}

// Ping verifies communication with the servo.
func (s *Servo) Ping(ctx context.Context) error {
	return s.h.Ping(ctx, s.id)
}

// Identify reads the model number and firmware version, and adopts the
// matching model when it is known.
func (s *Servo) Identify(ctx context.Context) (number int, firmware string, err error) {
	number, err = s.h.ReadRegister(ctx, s.id, RegModelNumber)
	if err != nil {
		return 0, "", err
	}
	major, err := s.h.ReadRegister(ctx, s.id, RegFirmwareMajor)
	if err != nil {
		return number, "", err
	}
	minor, err := s.h.ReadRegister(ctx, s.id, RegFirmwareMinor)
	if err != nil {
		return number, "", err
	}

	if model, ok := LookupModel(number); ok {
		s.model = model
	}
	return number, fmt.Sprintf("%d.%d", major, minor), nil
}

// Position Control

// Position reads the current position.
func (s *Servo) Position(ctx context.Context) (int, error) {
	return s.h.ReadRegister(ctx, s.id, RegPresentPosition)
}

// SetPosition commands the servo to move to the specified position.
func (s *Servo) SetPosition(ctx context.Context, position int) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	if err := s.checkPosition(position); err != nil {
		return err
	}
	return s.h.WriteRegister(ctx, s.id, RegGoalPosition, position)
}

// MoveTo sets acceleration, then writes goal position and speed in one
// packet. With wait set it returns once the servo reports it has stopped.
func (s *Servo) MoveTo(ctx context.Context, position, speed, acceleration int, wait bool) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	if err := s.checkPosition(position); err != nil {
		return err
	}
	if err := s.h.WriteRegister(ctx, s.id, RegAcceleration, acceleration); err != nil {
		return err
	}

	data, err := goalBlock(position, 0, speed)
	if err != nil {
		return err
	}
	if err := s.h.WriteBytes(ctx, s.id, RegGoalPosition.Address, data); err != nil {
		return err
	}

	if !wait {
		return nil
	}
	return s.WaitForStop(ctx, DefaultPollInterval)
}

// SetPositionWithTime commands the servo to reach position in the specified time.
// Time is in milliseconds.
func (s *Servo) SetPositionWithTime(ctx context.Context, position, timeMs int) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	if err := s.checkPosition(position); err != nil {
		return err
	}
	data, err := goalBlock(position, timeMs, 0)
	if err != nil {
		return err
	}
	return s.h.WriteBytes(ctx, s.id, RegGoalPosition.Address, data)
}

// WaitForStop polls the moving flag until it clears or ctx is done.
func (s *Servo) WaitForStop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		moving, err := s.Moving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Velocity Control

// Speed reads the current speed in steps per second.
// Returns a signed value; negative indicates reverse direction.
func (s *Servo) Speed(ctx context.Context) (int, error) {
	return s.h.ReadRegister(ctx, s.id, RegPresentVelocity)
}

// SetSpeed sets the goal velocity (for wheel mode).
// Positive values rotate clockwise, negative counter-clockwise.
func (s *Servo) SetSpeed(ctx context.Context, speed int) error {
	return s.h.WriteRegister(ctx, s.id, RegGoalVelocity, speed)
}

// Torque Control

// TorqueEnabled returns whether torque is enabled.
func (s *Servo) TorqueEnabled(ctx context.Context) (bool, error) {
	v, err := s.h.ReadRegister(ctx, s.id, RegTorqueEnable)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// SetTorqueEnabled enables or disables torque.
func (s *Servo) SetTorqueEnabled(ctx context.Context, enabled bool) error {
	var val int
	if enabled {
		val = 1
	}
	return s.h.WriteRegister(ctx, s.id, RegTorqueEnable, val)
}

// EnableTorque is a convenience alias for SetTorqueEnabled(true).
func (s *Servo) EnableTorque(ctx context.Context) error {
	return s.SetTorqueEnabled(ctx, true)
}

// DisableTorque is a convenience alias for SetTorqueEnabled(false).
func (s *Servo) DisableTorque(ctx context.Context) error {
	return s.SetTorqueEnabled(ctx, false)
}

// Status

// Moving returns whether the servo is currently moving.
func (s *Servo) Moving(ctx context.Context) (bool, error) {
	v, err := s.h.ReadRegister(ctx, s.id, RegMoving)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Load reads the current load in tenths of a percent of stall torque.
// Returns a signed value; negative indicates load in reverse direction.
func (s *Servo) Load(ctx context.Context) (int, error) {
	return s.h.ReadRegister(ctx, s.id, RegPresentLoad)
}

// Voltage reads the supply voltage in volts.
func (s *Servo) Voltage(ctx context.Context) (float64, error) {
	v, err := s.h.ReadRegister(ctx, s.id, RegPresentVoltage)
	if err != nil {
		return 0, err
	}
	return float64(v) / 10, nil
}

// Temperature reads the current temperature in degrees Celsius.
func (s *Servo) Temperature(ctx context.Context) (int, error) {
	return s.h.ReadRegister(ctx, s.id, RegPresentTemp)
}

// Current reads the motor current in milliamps.
func (s *Servo) Current(ctx context.Context) (float64, error) {
	v, err := s.h.ReadRegister(ctx, s.id, RegPresentCurrent)
	if err != nil {
		return 0, err
	}
	return float64(v) * CurrentStep, nil
}

// Configuration

// OperatingMode reads the current operating mode.
func (s *Servo) OperatingMode(ctx context.Context) (int, error) {
	return s.h.ReadRegister(ctx, s.id, RegOperatingMode)
}

// SetMode sets the operating mode (ModePosition, ModeVelocity, ModePWM or
// ModeStep). Torque is disabled first.
func (s *Servo) SetMode(ctx context.Context, mode int) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	if mode < ModePosition || mode > ModeStep {
		return fmt.Errorf("%w: operating mode %d", ErrValueOutOfRange, mode)
	}
	if err := s.DisableTorque(ctx); err != nil {
		return fmt.Errorf("failed to disable torque: %w", err)
	}
	return s.unlocked(ctx, func() error {
		return s.h.WriteRegister(ctx, s.id, RegOperatingMode, mode)
	})
}

// PositionLimits reads the min and max position limits.
func (s *Servo) PositionLimits(ctx context.Context) (lo, hi int, err error) {
	lo, err = s.h.ReadRegister(ctx, s.id, RegMinAngleLimit)
	if err != nil {
		return 0, 0, err
	}
	hi, err = s.h.ReadRegister(ctx, s.id, RegMaxAngleLimit)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// SetPositionLimits sets the min and max position limits.
func (s *Servo) SetPositionLimits(ctx context.Context, lo, hi int) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	if lo > hi {
		return fmt.Errorf("%w: min limit %d above max %d", ErrValueOutOfRange, lo, hi)
	}
	return s.unlocked(ctx, func() error {
		if err := s.h.WriteRegister(ctx, s.id, RegMinAngleLimit, lo); err != nil {
			return err
		}
		return s.h.WriteRegister(ctx, s.id, RegMaxAngleLimit, hi)
	})
}

// SetBaudRate changes the servo's baud rate.
// Takes the actual baud rate value (e.g., 1000000) not the index.
// The servo answers at the new rate once the write is acknowledged, so the
// EEPROM lock is left clear; reopen the bus and call SetEEPROMLocked.
func (s *Servo) SetBaudRate(ctx context.Context, baudRate int) error {
	if err := s.h.checkOpen(); err != nil {
		return err
	}
	idx := s.model.BaudRateIndex(baudRate)
	if idx < 0 {
		return fmt.Errorf("%w: baud rate %d not supported by model %s", ErrValueOutOfRange, baudRate, s.model.Name)
	}

	// Safety: disable torque first
	if err := s.DisableTorque(ctx); err != nil {
		return fmt.Errorf("failed to disable torque: %w", err)
	}

	if err := s.SetEEPROMLocked(ctx, false); err != nil {
		return err
	}
	return s.h.WriteRegister(ctx, s.id, RegBaudRate, idx)
}

// SetEEPROMLocked sets the Lock register. EEPROM writes made while it is
// clear persist across power cycles.
func (s *Servo) SetEEPROMLocked(ctx context.Context, locked bool) error {
	v := 0
	if locked {
		v = 1
	}
	if err := s.h.WriteRegister(ctx, s.id, RegLock, v); err != nil {
		verb := "unlock"
		if locked {
			verb = "lock"
		}
		return fmt.Errorf("failed to %s EEPROM: %w", verb, err)
	}
	return nil
}

// unlocked runs fn with the EEPROM lock clear and sets it again afterwards,
// even when fn fails.
func (s *Servo) unlocked(ctx context.Context, fn func() error) error {
	if err := s.SetEEPROMLocked(ctx, false); err != nil {
		return err
	}
	err := fn()
	if lockErr := s.SetEEPROMLocked(ctx, true); err == nil {
		err = lockErr
	}
	return err
}

func (s *Servo) checkPosition(position int) error {
	if position < 0 || position > s.model.MaxPosition {
		return fmt.Errorf("%w: position %d (valid range: 0-%d)", ErrValueOutOfRange, position, s.model.MaxPosition)
	}
	return nil
}

// goalBlock encodes goal position, goal time and goal velocity as the six
// contiguous bytes starting at RegGoalPosition.
func goalBlock(position, timeMs, speed int) ([]byte, error) {
	data := make([]byte, 0, 6)
	for _, field := range []struct {
		reg   Register
		value int
	}{
		{RegGoalPosition, position},
		{RegGoalTime, timeMs},
		{RegGoalVelocity, speed},
	} {
		b, err := field.reg.encode(field.value)
		if err != nil {
			return nil, err
		}
		data = append(data, b...)
	}
	return data, nil
}

// Word and sign-magnitude helpers

func encodeWord(value uint16) []byte {
	return protocol.EncodeWord(value)
}

func decodeWord(data []byte) uint16 {
	return protocol.DecodeWord(data)
}

func decodeSignMagnitude(value, signBit int) int {
	if signBit == 0 {
		return value
	}
	return protocol.DecodeSignMagnitude(value, signBit)
}

func encodeSignMagnitude(value, signBit int) int {
	if signBit == 0 {
		return value
	}
	return protocol.EncodeSignMagnitude(value, signBit)
}
