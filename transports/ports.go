//go:build !baremetal

package transports

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string
	VID     string
	PID     string
	Product string
	IsUSB   bool
}

// USB-to-serial bridges shipped on Feetech/Waveshare servo driver boards.
var busAdapterVIDPID = map[string]bool{
	"1A86:7523": true, // CH340
	"1A86:55D3": true, // CH343
	"1A86:55D4": true, // CH9102
	"0403:6001": true, // FT232R
	"0403:6014": true, // FT232H
	"10C4:EA60": true, // CP210x
}

// IsBusAdapter returns true if the port is a USB bridge commonly used to
// drive a Feetech servo bus.
func (p PortInfo) IsBusAdapter() bool {
	if !p.IsUSB {
		return false
	}
	return busAdapterVIDPID[strings.ToUpper(p.VID)+":"+strings.ToUpper(p.PID)]
}

// ListPorts returns every serial port the operating system reports.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if p == nil {
			continue
		}
		infos = append(infos, PortInfo{
			Name:    p.Name,
			VID:     p.VID,
			PID:     p.PID,
			Product: p.Product,
			IsUSB:   p.IsUSB,
		})
	}
	return infos, nil
}

// FindBusPort returns the first port that looks like a servo bus adapter,
// e.g. "/dev/ttyACM0" on Linux.
func FindBusPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsBusAdapter() {
			return p.Name, nil
		}
	}
	return "", errors.Join(ErrPortNotFound, errors.New("no servo bus adapter detected"))
}
