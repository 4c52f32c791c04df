// Package modbus implements the register transport used to talk to the drive: a Modbus-RTU client
// over a serial port and helpers to find serial ports.
package modbus

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// Transport reads and writes drive registers. 32-bit values span two consecutive 16-bit registers.
// Implementations do not retry on their own behalf beyond what is documented.
type Transport interface {
	WriteRegister(address uint16, value int32, width flowcal.Width) error
	ReadRegister(address uint16, words int, signed bool) (int32, error)
	Close() error
}

var (
	// ErrClosed is returned for operations after Close
	ErrClosed = errors.New("transport closed")
	// ErrTimeout is returned when the drive does not answer in time
	ErrTimeout = errors.New("timeout waiting for response")
	// ErrCRC is returned for a response with a bad checksum
	ErrCRC = errors.New("response checksum mismatch")
	// ErrValueRange is returned when a value does not fit in the register width
	ErrValueRange = errors.New("value does not fit register width")
)

// WordOrder is the order of the two 16-bit words of a 32-bit register on the bus
type WordOrder = flowcal.WordOrder

const (
	LowWordFirst  = flowcal.LowWordFirst
	HighWordFirst = flowcal.HighWordFirst
)

// ParseWordOrder parses "low_first" or "high_first"
func ParseWordOrder(s string) (WordOrder, error) {
	return flowcal.ParseWordOrder(s)
}

// Config holds the serial link and Modbus settings
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM5")
	Device   string
	BaudRate int
	Parity   serial.Parity
	StopBits serial.StopBits
	SlaveID  byte
	// Timeout is the maximum time to wait for a complete response
	Timeout   time.Duration
	WordOrder WordOrder
}

// DefaultConfig returns the settings of the reference drive
func DefaultConfig(device string) Config {
	return Config{
		Device:    device,
		BaudRate:  19200,
		Parity:    serial.EvenParity,
		StopBits:  serial.OneStopBit,
		SlaveID:   1,
		Timeout:   500 * time.Millisecond,
		WordOrder: LowWordFirst,
	}
}

// ExceptionError is a Modbus exception response from the drive
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception %d (%s) for function 0x%02X", e.Code, exceptionName(e.Code), e.Function)
}

func exceptionName(code byte) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "server device failure"
	case 6:
		return "server device busy"
	default:
		return "unknown"
	}
}
