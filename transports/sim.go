package transports

import (
	"slices"
	"sync"
	"time"

	"github.com/Cogni-Robot/st3215/protocol"
)

// Control table addresses the simulator gives meaning to.
const (
	simAddrModel    = 3
	simAddrID       = 5
	simAddrLock     = 55
	simAddrPosition = 56
	simAddrGoal     = 42
	simAddrVoltage  = 62
	simAddrTemp     = 63

	// simEEPROMEnd is the first RAM address.
	simEEPROMEnd = 40
)

// SimServo is one servo attached to a SimBus.
type SimServo struct {
	ID     byte
	Status protocol.StatusError
	Memory [256]byte

	// EEPROM is what survives a power cycle. Writes below address 40 reach
	// it only while Lock is 0.
	EEPROM [simEEPROMEnd]byte

	pendingAddr byte
	pending     []byte
}

// SimBus implements Transport by answering instruction packets the way a
// chain of STS3215 servos would.
type SimBus struct {
	mu     sync.Mutex
	servos map[byte]*SimServo
	rx     []byte

	// DropNext ignores that many upcoming requests, simulating a timeout.
	DropNext int
	// CorruptNext corrupts the checksum of that many upcoming replies.
	CorruptNext int

	Writes int
	Reads  int
	Closed bool
}

// NewSimBus returns a bus with one STS3215 at each id.
func NewSimBus(ids ...byte) *SimBus {
	b := &SimBus{servos: make(map[byte]*SimServo)}
	for _, id := range ids {
		b.Attach(id)
	}
	return b
}

// Attach adds a servo with factory defaults and returns it.
func (b *SimBus) Attach(id byte) *SimServo {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &SimServo{ID: id}
	copy(s.Memory[simAddrModel:], protocol.EncodeWord(777))
	s.Memory[simAddrID] = id
	s.Memory[simAddrLock] = 1
	copy(s.Memory[simAddrPosition:], protocol.EncodeWord(2048))
	copy(s.Memory[simAddrGoal:], protocol.EncodeWord(2048))
	s.Memory[simAddrVoltage] = 120
	s.Memory[simAddrTemp] = 30
	copy(s.EEPROM[:], s.Memory[:simEEPROMEnd])
	b.servos[id] = s
	return s
}

// Detach removes a servo from the bus.
func (b *SimBus) Detach(id byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.servos, id)
}

// Servo returns the servo at id, or nil.
func (b *SimBus) Servo(id byte) *SimServo {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.servos[id]
}

// IDs returns the ids currently attached, ascending.
func (b *SimBus) IDs() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sortedIDsLocked()
}

func (b *SimBus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Reads++
	n := copy(p, b.rx)
	b.rx = b.rx[n:]
	return n, nil
}

func (b *SimBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Writes++
	frames, _ := protocol.DecodeAll(p)
	for _, f := range frames {
		if b.DropNext > 0 {
			b.DropNext--
			continue
		}
		b.handleLocked(f)
	}
	return len(p), nil
}

func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Closed = true
	return nil
}

func (b *SimBus) SetReadTimeout(time.Duration) error {
	return nil
}

func (b *SimBus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rx = nil
	return nil
}

func (b *SimBus) handleLocked(f protocol.Frame) {
	if f.ID == protocol.BroadcastID {
		b.handleBroadcastLocked(f)
		return
	}

	s, ok := b.servos[f.ID]
	if !ok {
		return
	}

	switch f.Instruction {
	case protocol.InstPing, protocol.InstReset:
		b.replyLocked(s, nil)
	case protocol.InstRead:
		if len(f.Parameters) != 2 {
			return
		}
		addr, n := int(f.Parameters[0]), int(f.Parameters[1])
		if addr+n > len(s.Memory) || n > protocol.MaxParams {
			return
		}
		b.replyLocked(s, s.Memory[addr:addr+n])
	case protocol.InstWrite:
		if len(f.Parameters) < 2 {
			return
		}
		b.writeLocked(s, f.Parameters[0], f.Parameters[1:])
		b.replyLocked(s, nil)
	case protocol.InstRegWrite:
		if len(f.Parameters) < 2 {
			return
		}
		s.pendingAddr = f.Parameters[0]
		s.pending = slices.Clone(f.Parameters[1:])
		b.replyLocked(s, nil)
	}
}

func (b *SimBus) handleBroadcastLocked(f protocol.Frame) {
	switch f.Instruction {
	case protocol.InstPing:
		for _, id := range b.sortedIDsLocked() {
			b.replyLocked(b.servos[id], nil)
		}
	case protocol.InstWrite:
		if len(f.Parameters) < 2 {
			return
		}
		for _, id := range b.sortedIDsLocked() {
			b.writeLocked(b.servos[id], f.Parameters[0], f.Parameters[1:])
		}
	case protocol.InstAction:
		for _, s := range b.servos {
			if s.pending != nil {
				b.writeLocked(s, s.pendingAddr, s.pending)
				s.pending = nil
			}
		}
	case protocol.InstSyncWrite:
		if len(f.Parameters) < 2 {
			return
		}
		addr, n := f.Parameters[0], int(f.Parameters[1])
		for rest := f.Parameters[2:]; len(rest) >= 1+n; rest = rest[1+n:] {
			if s, ok := b.servos[rest[0]]; ok {
				b.writeLocked(s, addr, rest[1:1+n])
			}
		}
	case protocol.InstSyncRead:
		if len(f.Parameters) < 2 {
			return
		}
		addr, n := int(f.Parameters[0]), int(f.Parameters[1])
		for _, id := range f.Parameters[2:] {
			if s, ok := b.servos[id]; ok && addr+n <= len(s.Memory) && n <= protocol.MaxParams {
				b.replyLocked(s, s.Memory[addr:addr+n])
			}
		}
	}
}

func (b *SimBus) writeLocked(s *SimServo, addr byte, data []byte) {
	if int(addr)+len(data) > len(s.Memory) {
		return
	}
	copy(s.Memory[addr:], data)
	if s.Memory[simAddrLock] == 0 && addr < simEEPROMEnd {
		end := min(int(addr)+len(data), simEEPROMEnd)
		copy(s.EEPROM[addr:end], s.Memory[addr:end])
	}

	// Goal position is reached instantly.
	if addr <= simAddrGoal && int(addr)+len(data) >= simAddrGoal+2 {
		copy(s.Memory[simAddrPosition:], s.Memory[simAddrGoal:simAddrGoal+2])
	}

	if newID := s.Memory[simAddrID]; newID != s.ID {
		delete(b.servos, s.ID)
		s.ID = newID
		b.servos[newID] = s
	}
}

func (b *SimBus) replyLocked(s *SimServo, params []byte) {
	packet := protocol.Encode(protocol.Frame{
		ID:          s.ID,
		Instruction: protocol.Instruction(s.Status),
		Parameters:  slices.Clone(params),
	})
	if b.CorruptNext > 0 {
		b.CorruptNext--
		packet[len(packet)-1] ^= 0xFF
	}
	b.rx = append(b.rx, packet...)
}

func (b *SimBus) sortedIDsLocked() []byte {
	ids := make([]byte, 0, len(b.servos))
	for id := range b.servos {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
