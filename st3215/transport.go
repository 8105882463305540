package st3215

import (
	"io"
	"time"
)

// Transport is the byte stream a Handle drives. transports.SerialTransport
// and transports.MCUTransport talk to hardware; transports.MockTransport and
// transports.SimBus stand in for it in tests.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a Read waits for the first byte.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input data.
	Flush() error
}
