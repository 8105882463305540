// Package st3215 drives Feetech STS3215 servos daisy-chained on one
// half-duplex serial bus.
//
// A Handle owns the bus transport from Open until Close and serialises every
// transaction on it:
//
//	h, err := st3215.Open("/dev/ttyACM0", 1000000)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Close()
//
//	servos, err := h.List(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%d servo(s): %v\n", servos.Count(), servos.IDs())
package st3215

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/st3215/protocol"
	"github.com/Cogni-Robot/st3215/transports"
)

// Handle is an open connection to a servo bus.
type Handle struct {
	port   string
	cfg    Config
	engine *engine
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	servos ServoSet
}

// openPorts tracks device paths held by live handles in this process.
var openPorts = struct {
	sync.Mutex
	paths map[string]bool
}{paths: make(map[string]bool)}

func claimPort(path string) bool {
	openPorts.Lock()
	defer openPorts.Unlock()

	if openPorts.paths[path] {
		return false
	}
	openPorts.paths[path] = true
	return true
}

func releasePort(path string) {
	openPorts.Lock()
	defer openPorts.Unlock()

	delete(openPorts.paths, path)
}

// Open opens the serial device at path for exclusive use at the given baud
// rate. A baud of 0 selects 1000000.
func Open(path string, baud int) (*Handle, error) {
	return OpenConfig(Config{Port: path, BaudRate: baud})
}

// OpenConfig opens a bus with the given configuration.
func OpenConfig(cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()

	if cfg.Transport == nil && cfg.Port == "" {
		return nil, &OpenError{Kind: ErrDeviceNotFound, Err: errors.New("either Transport or Port must be specified")}
	}

	port := cfg.Port
	if port != "" {
		port = filepath.Clean(port)
		if !claimPort(port) {
			return nil, &OpenError{Path: port, Kind: ErrDeviceBusy, Err: errors.New("already open in this process")}
		}
	}

	transport := cfg.Transport
	if transport == nil {
		t, err := transports.OpenSerial(transports.SerialConfig{
			Port:     port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Retry.Timeout,
		})
		if err != nil {
			releasePort(port)
			return nil, &OpenError{Path: port, Kind: openErrorKind(err), Err: err}
		}
		transport = t
	}

	logger := cfg.Logger.With(zap.String("port", port))
	cfg.Logger = logger
	logger.Info("bus opened", zap.Int("baud", cfg.BaudRate))

	return &Handle{
		port:   port,
		cfg:    cfg,
		engine: newEngine(transport, cfg),
		logger: logger,
	}, nil
}

func openErrorKind(err error) error {
	switch {
	case errors.Is(err, transports.ErrPortNotFound):
		return ErrDeviceNotFound
	case errors.Is(err, transports.ErrPermissionDenied):
		return ErrPermissionDenied
	case errors.Is(err, transports.ErrPortBusy):
		return ErrDeviceBusy
	}
	return nil
}

// Close releases the transport. Closing an already closed handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.port != "" {
		releasePort(h.port)
	}
	h.logger.Info("bus closed")
	return h.engine.transport.Close()
}

// Port returns the device path the handle was opened on.
func (h *Handle) Port() string {
	return h.port
}

// checkOpen returns ErrHandleClosed once Close has run. Entry points that
// validate arguments before taking the bus lock call it first.
func (h *Handle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

// Servos returns the result of the most recent scan without touching the bus.
func (h *Handle) Servos() (ServoSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ServoSet{}, ErrHandleClosed
	}
	return h.servos, nil
}

// Ping checks that a servo answers at id.
func (h *Handle) Ping(ctx context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := validateID(id); err != nil {
		return err
	}

	resp, err := h.engine.execute(ctx, protocol.PingFrame(byte(id)), h.cfg.Retry)
	if err != nil {
		return err
	}
	if resp.Status().HasError() {
		return &ServoError{ID: id, Op: "ping", Status: resp.Status()}
	}
	return nil
}

// ReadRegister reads a register from the control table and decodes it.
func (h *Handle) ReadRegister(ctx context.Context, id int, reg Register) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandleClosed
	}
	reg, err := reg.resolve()
	if err != nil {
		return 0, err
	}
	if err := validateID(id); err != nil {
		return 0, err
	}

	data, err := h.readLocked(ctx, id, reg.Address, reg.Size)
	if err != nil {
		return 0, err
	}
	return reg.decode(data)
}

// WriteRegister encodes value and writes it to a register. Writes to
// protocol.BroadcastID reach every servo and are not acknowledged.
func (h *Handle) WriteRegister(ctx context.Context, id int, reg Register, value int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	reg, err := reg.resolve()
	if err != nil {
		return err
	}
	if reg.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnlyRegister, reg.Name)
	}
	data, err := reg.encode(value)
	if err != nil {
		return err
	}
	if err := validateTarget(id); err != nil {
		return err
	}

	return h.writeLocked(ctx, id, reg.Address, data)
}

// ReadRegisterByName reads a register by its control table name.
func (h *Handle) ReadRegisterByName(ctx context.Context, id int, name string) (int, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	reg, ok := RegisterByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown name %q", ErrInvalidRegister, name)
	}
	return h.ReadRegister(ctx, id, reg)
}

// WriteRegisterByName writes a register by its control table name.
func (h *Handle) WriteRegisterByName(ctx context.Context, id int, name string, value int) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	reg, ok := RegisterByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown name %q", ErrInvalidRegister, name)
	}
	return h.WriteRegister(ctx, id, reg, value)
}

// ReadBytes reads length raw bytes starting at address.
func (h *Handle) ReadBytes(ctx context.Context, id int, address byte, length int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHandleClosed
	}
	if err := validateSpan(address, length); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	return h.readLocked(ctx, id, address, length)
}

// WriteBytes writes raw bytes starting at address.
func (h *Handle) WriteBytes(ctx context.Context, id int, address byte, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := validateSpan(address, len(data)); err != nil {
		return err
	}
	if err := validateTarget(id); err != nil {
		return err
	}

	return h.writeLocked(ctx, id, address, data)
}

// RegWrite buffers a write on the servo without executing it.
// Call Action to execute all buffered writes.
func (h *Handle) RegWrite(ctx context.Context, id int, address byte, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := validateSpan(address, len(data)); err != nil {
		return err
	}
	if err := validateTarget(id); err != nil {
		return err
	}

	req := protocol.RegWriteFrame(byte(id), address, data)
	if id == protocol.BroadcastID {
		return h.engine.send(req)
	}
	return h.ackLocked(ctx, req)
}

// Action triggers execution of all buffered RegWrite commands.
func (h *Handle) Action(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	return h.engine.send(protocol.ActionFrame())
}

// Reset restores the factory control table of servo id.
func (h *Handle) Reset(ctx context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := validateID(id); err != nil {
		return err
	}
	return h.ackLocked(ctx, protocol.ResetFrame(byte(id)))
}

// SyncWrite writes the same register on several servos with broadcast
// packets, one per batch of servos that fits a frame. values maps servo ID
// to value. Servos do not acknowledge it.
func (h *Handle) SyncWrite(ctx context.Context, reg Register, values map[int]int) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	reg, err := reg.resolve()
	if err != nil {
		return err
	}
	if reg.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnlyRegister, reg.Name)
	}

	servoData := make(map[int][]byte, len(values))
	for id, value := range values {
		data, err := reg.encode(value)
		if err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
		servoData[id] = data
	}
	return h.SyncWriteBytes(ctx, reg.Address, reg.Size, servoData)
}

// SyncWriteBytes writes dataLen raw bytes at address on several servos.
func (h *Handle) SyncWriteBytes(ctx context.Context, address byte, dataLen int, servoData map[int][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if len(servoData) == 0 {
		return nil
	}
	if err := validateSpan(address, dataLen); err != nil {
		return err
	}

	byteData := make(map[byte][]byte, len(servoData))
	for id, data := range servoData {
		if err := validateID(id); err != nil {
			return err
		}
		if len(data) != dataLen {
			return fmt.Errorf("servo %d: data length mismatch: expected %d, got %d", id, dataLen, len(data))
		}
		byteData[byte(id)] = data
	}

	frames := protocol.SyncWriteFrames(address, byte(dataLen), byteData)
	if len(frames) > 1 {
		h.logger.Debug("sync write split", zap.Int("servos", len(byteData)), zap.Int("frames", len(frames)))
	}
	for _, f := range frames {
		if err := h.engine.send(f); err != nil {
			return err
		}
	}
	return nil
}

// SyncRead reads the same register from several servos with one request.
func (h *Handle) SyncRead(ctx context.Context, reg Register, ids []int) (map[int]int, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	reg, err := reg.resolve()
	if err != nil {
		return nil, err
	}

	data, err := h.SyncReadBytes(ctx, reg.Address, reg.Size, ids)
	values := make(map[int]int, len(data))
	for id, d := range data {
		v, decErr := reg.decode(d)
		if decErr != nil {
			return values, &ServoError{ID: id, Op: "sync_read", Err: decErr}
		}
		values[id] = v
	}
	return values, err
}

// SyncReadBytes reads dataLen raw bytes at address from several servos.
// On a partial answer it returns what arrived along with the error.
func (h *Handle) SyncReadBytes(ctx context.Context, address byte, dataLen int, ids []int) (map[int][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHandleClosed
	}
	if err := validateSpan(address, dataLen); err != nil {
		return nil, err
	}
	set := NewServoSet(ids...)
	byteIDs := make([]byte, 0, set.Count())
	for _, id := range set.IDs() {
		if err := validateID(id); err != nil {
			return nil, err
		}
		byteIDs = append(byteIDs, byte(id))
	}
	if len(byteIDs) == 0 {
		return map[int][]byte{}, nil
	}

	policy := h.cfg.Retry
	result := make(map[int][]byte, len(byteIDs))
	for _, req := range protocol.SyncReadFrames(address, byte(dataLen), byteIDs) {
		if err := h.syncReadLocked(ctx, req, policy, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// syncReadLocked runs one sync read frame, repeating it while any of its
// servos has not answered, and stores the replies in result.
func (h *Handle) syncReadLocked(ctx context.Context, req protocol.Frame, policy RetryPolicy, result map[int][]byte) error {
	ids := protocol.SyncReadIDs(req)
	dataLen := int(req.Parameters[1])
	attempts := policy.attempts(req.Instruction)

	var missing int
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		frames, err := h.engine.collect(req, len(ids), policy.Timeout)
		if err != nil {
			return &TransactionError{Op: req.Instruction.String(), ID: protocol.BroadcastID, Attempts: attempt, Err: err}
		}
		for _, f := range frames {
			if !slices.Contains(ids, f.ID) {
				h.logger.Warn("sync read reply from unlisted servo", zap.Uint8("id", f.ID))
				continue
			}
			if f.Status().HasError() {
				return &ServoError{ID: int(f.ID), Op: "sync_read", Status: f.Status()}
			}
			if len(f.Parameters) != dataLen {
				continue
			}
			result[int(f.ID)] = f.Parameters
		}

		missing = -1
		for _, id := range ids {
			if _, ok := result[int(id)]; !ok {
				missing = int(id)
				break
			}
		}
		if missing < 0 {
			return nil
		}
	}

	return &TransactionError{
		Op:        req.Instruction.String(),
		ID:        missing,
		Attempts:  attempts,
		Exhausted: attempts > 1,
		Err:       &ServoError{ID: missing, Op: "sync_read", Err: ErrTimeout},
	}
}

// ChangeID moves the servo at from to id to, persisting it in EEPROM.
// It refuses when another servo already answers at to.
func (h *Handle) ChangeID(ctx context.Context, from, to int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := validateID(from); err != nil {
		return err
	}
	if err := validateID(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	present, err := h.probeLocked(ctx, to, h.cfg.scanPolicy())
	if err != nil {
		return err
	}
	if present {
		return fmt.Errorf("%w: %d", ErrIDInUse, to)
	}

	if err := h.writeLocked(ctx, from, RegTorqueEnable.Address, []byte{0}); err != nil {
		return fmt.Errorf("failed to disable torque: %w", err)
	}
	if err := h.writeLocked(ctx, from, RegLock.Address, []byte{0}); err != nil {
		return fmt.Errorf("failed to unlock EEPROM: %w", err)
	}

	err = h.writeLocked(ctx, from, RegID.Address, []byte{byte(to)})
	var mismatch *IDMismatchError
	if errors.As(err, &mismatch) && int(mismatch.Got) == to {
		// The acknowledgement already carries the new id.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to write id: %w", err)
	}

	if err := h.writeLocked(ctx, to, RegLock.Address, []byte{1}); err != nil {
		return fmt.Errorf("failed to lock EEPROM: %w", err)
	}

	if h.servos.Contains(from) {
		h.servos = h.servos.replace(from, to)
	}
	h.logger.Info("servo id changed", zap.Int("from", from), zap.Int("to", to))
	return nil
}

// Internal methods

func (h *Handle) readLocked(ctx context.Context, id int, address byte, length int) ([]byte, error) {
	resp, err := h.engine.execute(ctx, protocol.ReadFrame(byte(id), address, byte(length)), h.cfg.Retry)
	if err != nil {
		return nil, err
	}
	if resp.Status().HasError() {
		return nil, &ServoError{ID: id, Op: "read", Status: resp.Status()}
	}
	if len(resp.Parameters) != length {
		return nil, &ServoError{ID: id, Op: "read", Err: fmt.Errorf("reply carries %d bytes, want %d", len(resp.Parameters), length)}
	}
	return resp.Parameters, nil
}

func (h *Handle) writeLocked(ctx context.Context, id int, address byte, data []byte) error {
	req := protocol.WriteFrame(byte(id), address, data)
	if id == protocol.BroadcastID {
		return h.engine.send(req)
	}
	return h.ackLocked(ctx, req)
}

// ackLocked runs a transaction whose reply carries only a status byte.
func (h *Handle) ackLocked(ctx context.Context, req protocol.Frame) error {
	resp, err := h.engine.execute(ctx, req, h.cfg.Retry)
	if err != nil {
		return err
	}
	if resp.Status().HasError() {
		return &ServoError{ID: int(req.ID), Op: req.Instruction.String(), Status: resp.Status()}
	}
	return nil
}

func validateID(id int) error {
	if id < 0 || id > protocol.MaxID {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, protocol.MaxID)
	}
	return nil
}

// validateTarget accepts a unicast id or the broadcast id.
func validateTarget(id int) error {
	if id == protocol.BroadcastID {
		return nil
	}
	return validateID(id)
}

func validateSpan(address byte, length int) error {
	if length < 1 || int(address)+length > controlTableEnd {
		return fmt.Errorf("%w: %d bytes at address %d", ErrInvalidRegister, length, address)
	}
	return nil
}
