package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
)

const (
	funcReadHolding   byte = 0x03
	funcWriteSingle   byte = 0x06
	funcWriteMultiple byte = 0x10

	exceptionFlag byte = 0x80
)

// Port is the part of a serial port used by the RTU client. go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(time.Duration) error
}

// RTUClient is a Modbus-RTU master for a single drive. Transactions are serialized, so it is safe to
// share between goroutines, but the drive itself has one target register and callers must not run
// sequences concurrently.
type RTUClient struct {
	port       Port
	cfg        Config
	frameDelay time.Duration
	logger     *zap.SugaredLogger

	mtx    sync.Mutex
	closed bool
}

var _ Transport = &RTUClient{}

// Open opens the serial port described by the config
func Open(cfg Config, logger *zap.SugaredLogger) (*RTUClient, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is required")
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("error opening serial port %s: %w", cfg.Device, err)
	}

	return NewRTUClient(port, cfg, logger)
}

// NewRTUClient creates a client on an already opened port
func NewRTUClient(port Port, cfg Config, logger *zap.SugaredLogger) (*RTUClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// short read timeout so a silent drive is noticed by the response deadline
	err := port.SetReadTimeout(10 * time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("error setting read timeout: %w", err)
	}

	return &RTUClient{
		port:       port,
		cfg:        cfg,
		frameDelay: frameDelay(cfg.BaudRate),
		logger:     logger.With("device", cfg.Device, "slave", cfg.SlaveID),
	}, nil
}

// frameDelay is the 3.5 character silent interval that separates RTU frames
func frameDelay(baud int) time.Duration {
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return time.Duration(float64(time.Second) * 11 * 3.5 / float64(baud))
}

// WriteRegister writes a 16-bit value with function 0x06 or a 32-bit value with function 0x10
func (c *RTUClient) WriteRegister(address uint16, value int32, width flowcal.Width) error {
	switch width {
	case flowcal.Width16:
		if value < math.MinInt16 || value > math.MaxUint16 {
			return fmt.Errorf("%w: %d in 16-bit register %d", ErrValueRange, value, address)
		}
		return c.writeSingle(address, uint16(value))
	case flowcal.Width32:
		return c.writeMultiple(address, c.splitWords(uint32(value)))
	}
	return fmt.Errorf("invalid register width %d", width)
}

// ReadRegister reads one or two words with function 0x03
func (c *RTUClient) ReadRegister(address uint16, words int, signed bool) (int32, error) {
	if words != 1 && words != 2 {
		return 0, fmt.Errorf("invalid word count %d", words)
	}

	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:], address)
	binary.BigEndian.PutUint16(req[2:], uint16(words))

	resp, err := c.transact(funcReadHolding, req, 3+2*words+2)
	if err != nil {
		return 0, err
	}

	if int(resp[2]) != 2*words {
		return 0, fmt.Errorf("unexpected byte count %d for %d words", resp[2], words)
	}
	data := resp[3 : 3+2*words]

	if words == 1 {
		w := binary.BigEndian.Uint16(data)
		if signed {
			return int32(int16(w)), nil
		}
		return int32(w), nil
	}

	first := binary.BigEndian.Uint16(data[0:])
	second := binary.BigEndian.Uint16(data[2:])
	return int32(c.joinWords(first, second)), nil
}

// Close closes the serial port. It can be called more than once.
func (c *RTUClient) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.port.Close()
}

func (c *RTUClient) writeSingle(address uint16, value uint16) error {
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:], address)
	binary.BigEndian.PutUint16(req[2:], value)

	resp, err := c.transact(funcWriteSingle, req, 8)
	if err != nil {
		return err
	}

	if binary.BigEndian.Uint16(resp[2:]) != address || binary.BigEndian.Uint16(resp[4:]) != value {
		return fmt.Errorf("write echo mismatch for register %d", address)
	}
	return nil
}

func (c *RTUClient) writeMultiple(address uint16, words []uint16) error {
	req := make([]byte, 5, 5+2*len(words))
	binary.BigEndian.PutUint16(req[0:], address)
	binary.BigEndian.PutUint16(req[2:], uint16(len(words)))
	req[4] = byte(2 * len(words))
	for _, w := range words {
		req = binary.BigEndian.AppendUint16(req, w)
	}

	resp, err := c.transact(funcWriteMultiple, req, 8)
	if err != nil {
		return err
	}

	if binary.BigEndian.Uint16(resp[2:]) != address || int(binary.BigEndian.Uint16(resp[4:])) != len(words) {
		return fmt.Errorf("write echo mismatch for register %d", address)
	}
	return nil
}

func (c *RTUClient) splitWords(v uint32) []uint16 {
	lo, hi := uint16(v), uint16(v>>16)
	if c.cfg.WordOrder == HighWordFirst {
		return []uint16{hi, lo}
	}
	return []uint16{lo, hi}
}

func (c *RTUClient) joinWords(first, second uint16) uint32 {
	if c.cfg.WordOrder == HighWordFirst {
		return uint32(first)<<16 | uint32(second)
	}
	return uint32(second)<<16 | uint32(first)
}

// transact sends one request PDU and returns the complete, checked response frame
func (c *RTUClient) transact(function byte, data []byte, respLen int) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	frame := make([]byte, 0, 2+len(data)+2)
	frame = append(frame, c.cfg.SlaveID, function)
	frame = append(frame, data...)
	frame = appendCRC(frame)

	time.Sleep(c.frameDelay)

	err := c.port.ResetInputBuffer()
	if err != nil {
		return nil, fmt.Errorf("error resetting input buffer: %w", err)
	}

	c.logger.Debugw("tx", "frame", fmt.Sprintf("% X", frame))

	_, err = c.port.Write(frame)
	if err != nil {
		return nil, fmt.Errorf("error writing frame: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Timeout)

	// slave, function and first data byte tell if this is an exception
	header := make([]byte, 3)
	err = c.readFull(header, deadline)
	if err != nil {
		return nil, err
	}

	if header[0] != c.cfg.SlaveID {
		return nil, fmt.Errorf("response from unexpected slave %d", header[0])
	}

	if header[1] == function|exceptionFlag {
		rest := make([]byte, 2)
		err = c.readFull(rest, deadline)
		if err != nil {
			return nil, err
		}
		resp := append(header, rest...)
		if !checkCRC(resp) {
			return nil, ErrCRC
		}
		return nil, &ExceptionError{Function: function, Code: header[2]}
	}

	if header[1] != function {
		return nil, fmt.Errorf("unexpected function 0x%02X in response", header[1])
	}

	resp := make([]byte, respLen)
	copy(resp, header)
	err = c.readFull(resp[3:], deadline)
	if err != nil {
		return nil, err
	}

	c.logger.Debugw("rx", "frame", fmt.Sprintf("% X", resp))

	if !checkCRC(resp) {
		return nil, ErrCRC
	}
	return resp, nil
}

// readFull reads until buf is full or the deadline passes. Serial reads return (0, nil) on timeout,
// which io.ReadFull would spin on forever.
func (c *RTUClient) readFull(buf []byte, deadline time.Time) error {
	total := 0
	for total < len(buf) {
		n, err := c.port.Read(buf[total:])
		if err != nil {
			return fmt.Errorf("error reading response: %w", err)
		}
		total += n
		if n == 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
	}
	return nil
}
