package modbus

import (
	"errors"
	"fmt"
	"slices"

	"go.bug.st/serial/enumerator"
)

// SerialPortNone is offered by selection lists to run against the simulated drive
const SerialPortNone = "none (simulated)"

// ErrNoUSBSerial is returned when no USB serial adapter is connected
var ErrNoUSBSerial = errors.New("no USB serial ports found")

// SerialPorts lists the names of connected USB serial adapters
func SerialPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	var ports []string
	for _, port := range details {
		if !port.IsUSB {
			continue
		}
		ports = append(ports, port.Name)
	}

	if len(ports) == 0 {
		return nil, ErrNoUSBSerial
	}

	slices.Sort(ports)
	return ports, nil
}

// PortDetails describes one serial port for display
type PortDetails struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// DescribePorts lists every serial port, USB or not
func DescribePorts() ([]PortDetails, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	result := make([]PortDetails, 0, len(details))
	for _, port := range details {
		result = append(result, PortDetails{
			Name:         port.Name,
			USB:          port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
		})
	}
	return result, nil
}
