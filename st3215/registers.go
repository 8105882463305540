package st3215

import (
	"fmt"
	"slices"
)

// Register is one entry of the STS3215 control table.
type Register struct {
	Name     string
	Address  byte
	Size     int // 1 or 2 bytes
	ReadOnly bool
	// SignBit indicates which bit is the sign bit for sign-magnitude encoding.
	// 0 means the value is unsigned.
	SignBit int
}

// EEPROM registers. Writes made while Lock is 0 persist across power cycles.
var (
	RegFirmwareMajor            = Register{Name: "firmware_major", Address: 0, Size: 1, ReadOnly: true}
	RegFirmwareMinor            = Register{Name: "firmware_minor", Address: 1, Size: 1, ReadOnly: true}
	RegModelNumber              = Register{Name: "model_number", Address: 3, Size: 2, ReadOnly: true}
	RegID                       = Register{Name: "id", Address: 5, Size: 1}
	RegBaudRate                 = Register{Name: "baud_rate", Address: 6, Size: 1}
	RegResponseDelay            = Register{Name: "response_delay", Address: 7, Size: 1}
	RegResponseStatusLevel      = Register{Name: "response_status_level", Address: 8, Size: 1}
	RegMinAngleLimit            = Register{Name: "min_angle_limit", Address: 9, Size: 2}
	RegMaxAngleLimit            = Register{Name: "max_angle_limit", Address: 11, Size: 2}
	RegMaxTemp                  = Register{Name: "max_temp", Address: 13, Size: 1}
	RegMaxVoltage               = Register{Name: "max_voltage", Address: 14, Size: 1}
	RegMinVoltage               = Register{Name: "min_voltage", Address: 15, Size: 1}
	RegMaxTorque                = Register{Name: "max_torque", Address: 16, Size: 2}
	RegPhase                    = Register{Name: "phase", Address: 18, Size: 1}
	RegUnloadCondition          = Register{Name: "unload_condition", Address: 19, Size: 1}
	RegLEDAlarm                 = Register{Name: "led_alarm", Address: 20, Size: 1}
	RegPGain                    = Register{Name: "p_gain", Address: 21, Size: 1}
	RegDGain                    = Register{Name: "d_gain", Address: 22, Size: 1}
	RegIGain                    = Register{Name: "i_gain", Address: 23, Size: 1}
	RegMinStartupForce          = Register{Name: "min_startup_force", Address: 24, Size: 2}
	RegClockwiseDeadband        = Register{Name: "cw_deadband", Address: 26, Size: 1}
	RegCounterClockwiseDeadband = Register{Name: "ccw_deadband", Address: 27, Size: 1}
	RegProtectionCurrent        = Register{Name: "protection_current", Address: 28, Size: 2}
	RegAngularResolution        = Register{Name: "angular_resolution", Address: 30, Size: 1}
	RegPositionOffset           = Register{Name: "position_offset", Address: 31, Size: 2, SignBit: 11}
	RegOperatingMode            = Register{Name: "operating_mode", Address: 33, Size: 1}
	RegProtectionTorque         = Register{Name: "protection_torque", Address: 34, Size: 1}
	RegProtectionTime           = Register{Name: "protection_time", Address: 35, Size: 1}
	RegOverloadTorque           = Register{Name: "overload_torque", Address: 36, Size: 1}
	RegSpeedClosedLoop          = Register{Name: "speed_p_gain", Address: 37, Size: 1}
	RegOverCurrentTime          = Register{Name: "over_current_time", Address: 38, Size: 1}
	RegSpeedIGain               = Register{Name: "speed_i_gain", Address: 39, Size: 1}
)

// RAM registers (volatile)
var (
	RegTorqueEnable = Register{Name: "torque_enable", Address: 40, Size: 1}
	RegAcceleration = Register{Name: "acceleration", Address: 41, Size: 1}
	RegGoalPosition = Register{Name: "goal_position", Address: 42, Size: 2}
	RegGoalTime     = Register{Name: "goal_time", Address: 44, Size: 2}
	RegGoalVelocity = Register{Name: "goal_velocity", Address: 46, Size: 2, SignBit: 15}
	RegTorqueLimit  = Register{Name: "torque_limit", Address: 48, Size: 2}
	RegLock         = Register{Name: "lock", Address: 55, Size: 1}
)

// Feedback registers (read-only)
var (
	RegPresentPosition = Register{Name: "present_position", Address: 56, Size: 2, ReadOnly: true}
	RegPresentVelocity = Register{Name: "present_velocity", Address: 58, Size: 2, ReadOnly: true, SignBit: 15}
	RegPresentLoad     = Register{Name: "present_load", Address: 60, Size: 2, ReadOnly: true, SignBit: 10}
	RegPresentVoltage  = Register{Name: "present_voltage", Address: 62, Size: 1, ReadOnly: true}
	RegPresentTemp     = Register{Name: "present_temp", Address: 63, Size: 1, ReadOnly: true}
	RegAsyncWriteFlag  = Register{Name: "async_write_flag", Address: 64, Size: 1, ReadOnly: true}
	RegServoStatus     = Register{Name: "status", Address: 65, Size: 1, ReadOnly: true}
	RegMoving          = Register{Name: "moving", Address: 66, Size: 1, ReadOnly: true}
	RegPresentCurrent  = Register{Name: "present_current", Address: 69, Size: 2, ReadOnly: true}
)

// Factory
var (
	RegMaxAcceleration = Register{Name: "max_acceleration", Address: 85, Size: 1}
)

// controlTableEnd is one past the last address of the control table.
const controlTableEnd = 86

var (
	registersByAddress = make(map[byte]Register)
	registersByName    = make(map[string]Register)
)

func init() {
	for _, reg := range []Register{
		RegFirmwareMajor, RegFirmwareMinor, RegModelNumber, RegID, RegBaudRate,
		RegResponseDelay, RegResponseStatusLevel, RegMinAngleLimit, RegMaxAngleLimit,
		RegMaxTemp, RegMaxVoltage, RegMinVoltage, RegMaxTorque, RegPhase,
		RegUnloadCondition, RegLEDAlarm, RegPGain, RegDGain, RegIGain,
		RegMinStartupForce, RegClockwiseDeadband, RegCounterClockwiseDeadband,
		RegProtectionCurrent, RegAngularResolution, RegPositionOffset,
		RegOperatingMode, RegProtectionTorque, RegProtectionTime, RegOverloadTorque,
		RegSpeedClosedLoop, RegOverCurrentTime, RegSpeedIGain,
		RegTorqueEnable, RegAcceleration, RegGoalPosition, RegGoalTime,
		RegGoalVelocity, RegTorqueLimit, RegLock,
		RegPresentPosition, RegPresentVelocity, RegPresentLoad, RegPresentVoltage,
		RegPresentTemp, RegAsyncWriteFlag, RegServoStatus, RegMoving,
		RegPresentCurrent, RegMaxAcceleration,
	} {
		registersByAddress[reg.Address] = reg
		registersByName[reg.Name] = reg
	}
}

// LookupRegister returns the register at address.
func LookupRegister(address byte) (Register, bool) {
	reg, ok := registersByAddress[address]
	return reg, ok
}

// RegisterByName returns the register with the given name.
func RegisterByName(name string) (Register, bool) {
	reg, ok := registersByName[name]
	return reg, ok
}

// Registers returns the control table sorted by address.
func Registers() []Register {
	regs := make([]Register, 0, len(registersByAddress))
	for _, reg := range registersByAddress {
		regs = append(regs, reg)
	}
	slices.SortFunc(regs, func(a, b Register) int {
		return int(a.Address) - int(b.Address)
	})
	return regs
}

// resolve returns the table entry matching reg, or ErrInvalidRegister.
func (reg Register) resolve() (Register, error) {
	known, ok := registersByAddress[reg.Address]
	if !ok || known.Size != reg.Size {
		return Register{}, fmt.Errorf("%w: address %d size %d", ErrInvalidRegister, reg.Address, reg.Size)
	}
	return known, nil
}

// encode converts value to the register's wire bytes.
func (reg Register) encode(value int) ([]byte, error) {
	limit := 1 << (8 * reg.Size)
	if reg.SignBit > 0 {
		limit = 1 << reg.SignBit
		if value <= -limit || value >= limit {
			return nil, fmt.Errorf("%w: %s accepts ±%d, got %d", ErrValueOutOfRange, reg.Name, limit-1, value)
		}
		value = encodeSignMagnitude(value, reg.SignBit)
	} else if value < 0 || value >= limit {
		return nil, fmt.Errorf("%w: %s accepts 0-%d, got %d", ErrValueOutOfRange, reg.Name, limit-1, value)
	}

	if reg.Size == 1 {
		return []byte{byte(value)}, nil
	}
	return encodeWord(uint16(value)), nil
}

// decode converts the register's wire bytes to a value.
func (reg Register) decode(data []byte) (int, error) {
	if len(data) != reg.Size {
		return 0, fmt.Errorf("%s: got %d bytes, want %d", reg.Name, len(data), reg.Size)
	}

	var raw int
	if reg.Size == 1 {
		raw = int(data[0])
	} else {
		raw = int(decodeWord(data))
	}
	return decodeSignMagnitude(raw, reg.SignBit), nil
}

// Operating modes.
const (
	ModePosition = 0
	ModeVelocity = 1 // Wheel mode
	ModePWM      = 2
	ModeStep     = 3
)
