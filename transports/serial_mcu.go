//go:build baremetal

package transports

import (
	"fmt"
	"machine"
	"time"
)

// MCUTransport implements Transport on a TinyGo UART.
type MCUTransport struct {
	*machine.UART
	timeout time.Duration
}

var currentTransport MCUTransport

// OpenSerial gets a UART by index ("0" or "1") with the given configuration.
func OpenSerial(cfg SerialConfig) (*MCUTransport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	switch cfg.Port {
	case "0":
		currentTransport = MCUTransport{UART: machine.UART0}
	case "1":
		currentTransport = MCUTransport{UART: machine.UART1}
	default:
		return nil, fmt.Errorf("%w: unknown UART %q", ErrPortNotFound, cfg.Port)
	}

	currentTransport.timeout = cfg.Timeout
	currentTransport.SetBaudRate(uint32(cfg.BaudRate))

	return &currentTransport, nil
}

// Read waits up to the read timeout for data to arrive.
func (t *MCUTransport) Read(p []byte) (int, error) {
	deadline := time.Now().Add(t.timeout)
	for t.Buffered() == 0 {
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return t.UART.Read(p)
}

func (t *MCUTransport) SetReadTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return nil
}

func (t *MCUTransport) Close() error {
	return nil
}

func (t *MCUTransport) Flush() error {
	for t.Buffered() > 0 {
		t.ReadByte()
	}
	return nil
}
