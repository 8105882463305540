package st3215

import (
	"errors"
	"fmt"

	"github.com/Cogni-Robot/st3215/protocol"
)

// Sentinel errors for common failure modes.
var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceBusy       = errors.New("device busy")

	ErrTimeout          = errors.New("communication timeout")
	ErrIDMismatch       = errors.New("response from unexpected servo")
	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrHandleClosed     = errors.New("handle is closed")
	ErrInvalidID        = errors.New("invalid servo ID")
	ErrInvalidRange     = errors.New("invalid ID range")
	ErrInvalidRegister  = errors.New("invalid register")
	ErrReadOnlyRegister = fmt.Errorf("%w: read-only", ErrInvalidRegister)
	ErrValueOutOfRange  = errors.New("value out of range")
	ErrIDInUse          = errors.New("servo ID already in use")
)

// Codec failures, re-exported from the protocol package.
var (
	ErrNoSync           = protocol.ErrNoSync
	ErrTruncated        = protocol.ErrTruncated
	ErrChecksumMismatch = protocol.ErrChecksumMismatch
	ErrFrameTooLong     = protocol.ErrFrameTooLong
)

// OpenError reports why a bus could not be opened.
type OpenError struct {
	Path string
	Kind error // ErrDeviceNotFound, ErrPermissionDenied, ErrDeviceBusy, or nil
	Err  error // Underlying transport error
}

func (e *OpenError) Error() string {
	prefix := "open"
	if e.Path != "" {
		prefix += " " + e.Path
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", prefix, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *OpenError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// TransactionError reports a request that did not complete.
type TransactionError struct {
	Op        string // Instruction name
	ID        int    // Target servo
	Attempts  int    // Attempts made
	Exhausted bool   // Every allowed attempt failed with a retryable error
	Err       error  // Cause of the last failed attempt
}

func (e *TransactionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("servo %d %s failed after %d attempts: %v", e.ID, e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("servo %d %s failed: %v", e.ID, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Is matches ErrRetriesExhausted when the retry budget was used up.
func (e *TransactionError) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Exhausted
}

// IDMismatchError reports a reply from a servo other than the one addressed.
type IDMismatchError struct {
	Want, Got byte
}

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("%v: expected %d, got %d", ErrIDMismatch, e.Want, e.Got)
}

func (e *IDMismatchError) Unwrap() error {
	return ErrIDMismatch
}

// CommError represents a transport-level failure.
type CommError struct {
	Op  string // Operation that failed (e.g., "read", "write", "ping")
	Err error  // Underlying error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// ServoError represents status flags reported by a specific servo.
type ServoError struct {
	ID     int                  // Servo ID
	Op     string               // Operation that failed
	Status protocol.StatusError // Status flags from servo (if applicable)
	Err    error                // Underlying error (if applicable)
}

func (e *ServoError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("servo %d %s failed: %s", e.ID, e.Op, e.Status.Error())
	}
	if e.Err != nil {
		return fmt.Sprintf("servo %d %s failed: %v", e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("servo %d %s failed", e.ID, e.Op)
}

func (e *ServoError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Status != 0 {
		return e.Status
	}
	return nil
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsHandleClosed returns true if the operation hit a closed handle.
func IsHandleClosed(err error) bool {
	return errors.Is(err, ErrHandleClosed)
}

// GetServoError extracts a ServoError from an error chain, if present.
func GetServoError(err error) (*ServoError, bool) {
	var servoErr *ServoError
	if errors.As(err, &servoErr) {
		return servoErr, true
	}
	return nil, false
}
