// Package protocol encodes and decodes Feetech STS instruction and status
// packets. It performs no I/O.
package protocol

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Instruction is a protocol opcode.
type Instruction byte

// Instruction codes per the Feetech SMS/STS protocol.
const (
	InstPing      Instruction = 0x01
	InstRead      Instruction = 0x02
	InstWrite     Instruction = 0x03
	InstRegWrite  Instruction = 0x04
	InstAction    Instruction = 0x05
	InstReset     Instruction = 0x06
	InstSyncRead  Instruction = 0x82
	InstSyncWrite Instruction = 0x83
)

// Reply describes what a servo sends back after an instruction.
type Reply int

const (
	ReplyNone Reply = iota // fire-and-forget
	ReplyOne               // one status packet from the addressed servo
	ReplyEach              // one status packet per id listed in the parameters
)

func (i Instruction) String() string {
	switch i {
	case InstPing:
		return "ping"
	case InstRead:
		return "read"
	case InstWrite:
		return "write"
	case InstRegWrite:
		return "reg_write"
	case InstAction:
		return "action"
	case InstReset:
		return "reset"
	case InstSyncRead:
		return "sync_read"
	case InstSyncWrite:
		return "sync_write"
	}
	return fmt.Sprintf("inst(0x%02X)", byte(i))
}

// Reply reports the reply a servo gives to a unicast instruction.
// Frames addressed to BroadcastID never get a reply, whatever the instruction.
func (i Instruction) Reply() Reply {
	switch i {
	case InstPing, InstRead, InstWrite, InstRegWrite, InstReset:
		return ReplyOne
	case InstSyncRead:
		return ReplyEach
	}
	return ReplyNone
}

// Idempotent reports whether repeating the instruction has no effect beyond
// the first delivery.
func (i Instruction) Idempotent() bool {
	switch i {
	case InstPing, InstRead, InstSyncRead:
		return true
	}
	return false
}

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxID       = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
)

const (
	// SyncWindow bounds how many bytes Decode inspects looking for a header.
	SyncWindow = 64

	// MinFrameLen is header(2) + id(1) + length(1) + instruction(1) + checksum(1).
	MinFrameLen = 6

	// MaxParams is the most parameter bytes one frame can carry: the length
	// byte counts the parameters plus instruction and checksum.
	MaxParams = 0xFF - 2
)

// Status error flags returned by servos.
type StatusError byte

const (
	ErrVoltage     StatusError = 1 << 0
	ErrAngleLimit  StatusError = 1 << 1
	ErrOverheat    StatusError = 1 << 2
	ErrRange       StatusError = 1 << 3
	ErrChecksum    StatusError = 1 << 4
	ErrOverload    StatusError = 1 << 5
	ErrInstruction StatusError = 1 << 6
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	if e&ErrVoltage != 0 {
		msgs = append(msgs, "voltage")
	}
	if e&ErrAngleLimit != 0 {
		msgs = append(msgs, "angle limit")
	}
	if e&ErrOverheat != 0 {
		msgs = append(msgs, "overheat")
	}
	if e&ErrRange != 0 {
		msgs = append(msgs, "range")
	}
	if e&ErrChecksum != 0 {
		msgs = append(msgs, "checksum")
	}
	if e&ErrOverload != 0 {
		msgs = append(msgs, "overload")
	}
	if e&ErrInstruction != 0 {
		msgs = append(msgs, "instruction")
	}

	return fmt.Sprintf("servo status error: %v", msgs)
}

// HasError returns true if any error flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// Frame is one protocol packet without its header, length and checksum.
// In status packets sent by a servo the Instruction slot holds the status byte.
type Frame struct {
	ID          byte
	Instruction Instruction
	Parameters  []byte
}

// Status returns the status flags of a frame received from a servo.
func (f Frame) Status() StatusError {
	return StatusError(f.Instruction)
}

// Len returns the wire length of the encoded frame.
func (f Frame) Len() int {
	return MinFrameLen + len(f.Parameters)
}

// Equal reports whether two frames carry the same id, instruction and parameters.
func (f Frame) Equal(o Frame) bool {
	return f.ID == o.ID && f.Instruction == o.Instruction && slices.Equal(f.Parameters, o.Parameters)
}

// Validate reports ErrFrameTooLong when the parameters do not fit the
// length byte.
func (f Frame) Validate() error {
	if len(f.Parameters) > MaxParams {
		return fmt.Errorf("%w: %s carries %d parameter bytes, max %d", ErrFrameTooLong, f.Instruction, len(f.Parameters), MaxParams)
	}
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("id=%d inst=%s params=% X", f.ID, f.Instruction, f.Parameters)
}

// Encode constructs a wire-format packet from the given frame.
// It panics if f fails Validate; callers building frames from outside
// input must check first.
func Encode(f Frame) []byte {
	if err := f.Validate(); err != nil {
		panic(err)
	}

	length := byte(len(f.Parameters) + 2) // params + instruction + checksum

	// header(2) + id(1) + length(1) + instruction(1) + params(n) + checksum(1)
	buf := make([]byte, 0, f.Len())
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, f.ID, length, byte(f.Instruction))
	buf = append(buf, f.Parameters...)

	return append(buf, Checksum(buf[2:]))
}

// EncodeFrame is shorthand for Encode(Frame{...}).
func EncodeFrame(id byte, inst Instruction, params ...byte) []byte {
	return Encode(Frame{ID: id, Instruction: inst, Parameters: params})
}

// Decode parses the first packet in data.
// It returns the frame and the number of bytes consumed, including any
// garbage skipped before the header. On ErrNoSync and ErrChecksumMismatch the
// consumed count tells the caller how many bytes can be dropped; on
// ErrTruncated it covers only the garbage before the header.
func Decode(data []byte) (Frame, int, error) {
	headerIdx, scanned := findHeader(data)
	if headerIdx < 0 {
		return Frame{}, scanned, &DecodeError{Err: ErrNoSync, Offset: scanned}
	}

	frame := data[headerIdx:]
	if len(frame) < MinFrameLen {
		return Frame{}, headerIdx, &DecodeError{Err: ErrTruncated, Offset: headerIdx, Need: MinFrameLen, Have: len(frame)}
	}

	length := int(frame[3])
	totalLen := 4 + length // header(2) + id(1) + length(1) + [length bytes]
	if len(frame) < totalLen {
		return Frame{}, headerIdx, &DecodeError{Err: ErrTruncated, Offset: headerIdx, Need: totalLen, Have: len(frame)}
	}

	expected := Checksum(frame[2 : totalLen-1])
	actual := frame[totalLen-1]
	if expected != actual {
		return Frame{}, headerIdx + totalLen, &DecodeError{
			Err:      ErrChecksumMismatch,
			Offset:   headerIdx,
			Expected: expected,
			Actual:   actual,
		}
	}

	f := Frame{
		ID:          frame[2],
		Instruction: Instruction(frame[4]),
	}
	if paramLen := length - 2; paramLen > 0 {
		f.Parameters = make([]byte, paramLen)
		copy(f.Parameters, frame[5:5+paramLen])
	}

	return f, headerIdx + totalLen, nil
}

// findHeader returns the offset of the first plausible header within
// SyncWindow bytes, or -1 and the number of bytes that can safely be dropped.
func findHeader(data []byte) (int, int) {
	limit := min(len(data), SyncWindow)
	for i := 0; i < limit; i++ {
		if data[i] != headerByte1 {
			continue
		}
		if i+1 >= len(data) {
			// Lone trailing 0xFF may be the start of a header.
			return -1, i
		}
		if data[i+1] != headerByte2 {
			continue
		}
		if i+2 < len(data) && data[i+2] == headerByte1 {
			// 0xFF is never a valid id; the header starts later.
			continue
		}
		if i+3 < len(data) && data[i+3] < 2 {
			// Length must cover at least instruction and checksum.
			continue
		}
		return i, 0
	}
	return -1, limit
}

// DecodeAll parses consecutive packets from data, skipping corrupt ones.
// It stops at the first truncated packet and returns the decoded frames and
// the number of bytes consumed.
func DecodeAll(data []byte) ([]Frame, int) {
	var frames []Frame
	offset := 0

	for offset < len(data) {
		f, n, err := Decode(data[offset:])
		if err != nil {
			if IsTruncated(err) || n == 0 {
				offset += n
				break
			}
			offset += n
			continue
		}
		frames = append(frames, f)
		offset += n
	}

	return frames, offset
}

// Checksum returns the bitwise complement of the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum
}

// EncodeWord converts a 16-bit value to little-endian bytes.
func EncodeWord(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// DecodeWord converts little-endian bytes to a 16-bit value.
func DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data)
}

// EncodeSignMagnitude converts a signed value to sign-magnitude with the
// sign at bit signBit.
func EncodeSignMagnitude(value, signBit int) int {
	if value < 0 {
		return (-value) | (1 << signBit)
	}
	return value
}

// DecodeSignMagnitude converts a sign-magnitude value with the sign at bit
// signBit to a signed value.
func DecodeSignMagnitude(value, signBit int) int {
	if value&(1<<signBit) != 0 {
		return -(value & ((1 << signBit) - 1))
	}
	return value
}
