package controller

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/modbus"
	"github.com/Lars-Olof-Turesson/flowcal/units"
)

// Controller runs motion profiles on the syringe pump. It owns the transport to the drive and is not
// safe for concurrent runs: callers must make sure only one run, homing or console command is active.
type Controller struct {
	transport modbus.Transport
	registers flowcal.RegisterMap
	conv      units.Converter
	syringe   units.Syringe
	clock     flowcal.Clock
	logger    *zap.SugaredLogger

	journal   *runJournal
	publisher Publisher

	// maxHomingIterations bounds the homing search. Zero means unbounded.
	maxHomingIterations int

	// startTime is used for console timestamps
	startTime time.Time
	// manualTarget is the last target written from the console
	manualTarget int32
}

// New creates a Controller for an opened transport
func New(transport modbus.Transport, cal flowcal.Calibration, logger *zap.SugaredLogger) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	err := cal.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Controller{
		transport: transport,
		registers: flowcal.DefaultRegisterMap(),
		conv:      units.NewConverter(cal),
		syringe:   units.NewSyringe(cal),
		clock:     flowcal.SystemClock{},
		logger:    logger,
		journal:   newRunJournal(noopJournal{}, "", logger),
		publisher: noopPublisher{},
	}, nil
}

// SetClock replaces the playback clock
func (c *Controller) SetClock(clock flowcal.Clock) {
	c.clock = clock
}

// SetRegisterMap replaces the register layout for drives that differ from the reference drive
func (c *Controller) SetRegisterMap(rm flowcal.RegisterMap) {
	c.registers = rm
}

// SetHomingLimit bounds the number of homing iterations. Zero disables the bound.
func (c *Controller) SetHomingLimit(iterations int) {
	c.maxHomingIterations = iterations
}

// SetJournal records every run as a session named after sessionName
func (c *Controller) SetJournal(journal Journal, sessionName string) {
	c.journal = newRunJournal(journal, sessionName, c.logger)
}

// SetPublisher publishes a summary of every run
func (c *Controller) SetPublisher(publisher Publisher) {
	c.publisher = publisher
}

// Converter returns the unit converter built from the calibration
func (c *Controller) Converter() units.Converter {
	return c.conv
}

// Syringe returns the syringe geometry
func (c *Controller) Syringe() units.Syringe {
	return c.syringe
}

// Close closes the publisher and the transport
func (c *Controller) Close() error {
	return multierr.Combine(
		c.publisher.Close(),
		c.transport.Close(),
	)
}

func (c *Controller) write(step flowcal.Step, reg flowcal.Register, value int32) error {
	err := c.transport.WriteRegister(reg.Address, value, reg.Width)
	if err != nil {
		return &flowcal.DeviceError{Step: step, Op: "write", Register: reg.Address, Err: err}
	}
	return nil
}

func (c *Controller) read(step flowcal.Step, reg flowcal.Register) (int32, error) {
	v, err := c.transport.ReadRegister(reg.Address, int(reg.Width), reg.Signed)
	if err != nil {
		return 0, &flowcal.DeviceError{Step: step, Op: "read", Register: reg.Address, Err: err}
	}
	return v, nil
}

func (c *Controller) setMode(step flowcal.Step, mode flowcal.Mode) error {
	return c.write(step, c.registers.Mode, int32(mode))
}

// resetDrive turns the motor off and zeroes speed, position and target
func (c *Controller) resetDrive(step flowcal.Step) error {
	err := c.setMode(step, flowcal.ModeOff)
	if err != nil {
		return err
	}

	for _, reg := range []flowcal.Register{c.registers.Speed, c.registers.Position, c.registers.TargetInput} {
		err = c.write(step, reg, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// readLinearPosition reads the secondary position sensor [mm]
func (c *Controller) readLinearPosition(step flowcal.Step) (float64, error) {
	raw, err := c.read(step, c.registers.LinearPosition)
	if err != nil {
		return 0, err
	}
	return c.conv.LinearPosition(uint16(raw)), nil
}

// Stop turns the motor off
func (c *Controller) Stop() error {
	return c.setMode(flowcal.StepStop, flowcal.ModeOff)
}

// ts returns the console timestamp
func (c *Controller) ts() string {
	if c.startTime.IsZero() {
		return "[-]"
	}
	return "[" + c.clock.Now().Sub(c.startTime).Truncate(time.Millisecond).String() + "]"
}
