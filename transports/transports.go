// Package transports provides byte-stream implementations for a servo bus:
// OS serial ports, microcontroller UARTs, and in-memory doubles for tests.
package transports

import (
	"errors"
	"time"
)

// DefaultBaudRate is the factory baud rate of STS3215 servos.
const DefaultBaudRate = 1000000

// Errors reported when a port cannot be opened.
var (
	ErrPortNotFound     = errors.New("serial port not found")
	ErrPermissionDenied = errors.New("serial port permission denied")
	ErrPortBusy         = errors.New("serial port busy")
)

// SerialConfig holds configuration for opening a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}
