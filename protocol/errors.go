package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for decode failures.
var (
	ErrNoSync           = errors.New("no packet header found")
	ErrTruncated        = errors.New("truncated packet")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ErrFrameTooLong is returned for frames whose parameters overflow the
// length byte.
var ErrFrameTooLong = errors.New("frame too long")

// DecodeError describes why a byte sequence could not be decoded.
type DecodeError struct {
	Err    error // ErrNoSync, ErrTruncated or ErrChecksumMismatch
	Offset int   // Offset of the header, or of the end of the scanned window

	Need, Have       int  // Set for ErrTruncated
	Expected, Actual byte // Set for ErrChecksumMismatch
}

func (e *DecodeError) Error() string {
	switch e.Err {
	case ErrTruncated:
		return fmt.Sprintf("%v: need %d bytes, have %d", e.Err, e.Need, e.Have)
	case ErrChecksumMismatch:
		return fmt.Sprintf("%v: expected 0x%02X, got 0x%02X", e.Err, e.Expected, e.Actual)
	case ErrNoSync:
		return fmt.Sprintf("%v in %d bytes", e.Err, e.Offset)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTruncated returns true if more bytes are needed to complete a packet.
func IsTruncated(err error) bool {
	return errors.Is(err, ErrTruncated)
}

// IsChecksumMismatch returns true if a packet failed checksum verification.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, ErrChecksumMismatch)
}
