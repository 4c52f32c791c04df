// Package simdrive is a simulated servo drive with a syringe on its shaft. It implements
// modbus.Transport so the controller can be run and tested without hardware.
package simdrive

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/modbus"
	"github.com/Lars-Olof-Turesson/flowcal/units"
)

const eventCount = 20

// Config sets up the simulated hardware
type Config struct {
	Calibration flowcal.Calibration
	// Registers is the layout of the drive, including the word order of its 32-bit registers
	Registers flowcal.RegisterMap
	// Piston is the initial physical position seen by the linear sensor [mm]
	Piston float64
	// Pressure is the constant raw sample returned by the pressure input
	Pressure uint16
}

// DefaultConfig returns a drive with the reference calibration and the piston 2 mm beyond home
func DefaultConfig() Config {
	cal := flowcal.DefaultCalibration()
	return Config{
		Calibration: cal,
		Registers:   flowcal.DefaultRegisterMap(),
		Piston:      cal.HomePosition + 2,
		Pressure:    1200,
	}
}

// Write is one register write seen by the drive
type Write struct {
	Address uint16
	Value   int32
	Width   flowcal.Width
}

// Drive is the simulated drive. Logical registers (position, speed, target, time, mode, status,
// analog inputs) are held whole and can be addressed through either of their words. Everything else
// is plain 16-bit storage.
//
// Motion is ideal: in PositionRamp the shaft jumps to each new target, in SpeedRamp it turns at the
// commanded rate. Time only passes when the clock is read, so the sample log is filled in lazily at
// each bus operation.
type Drive struct {
	mtx    sync.Mutex
	rm     flowcal.RegisterMap
	conv   units.Converter
	clock  flowcal.Clock
	logger *zap.SugaredLogger

	words   map[uint16]uint16
	logical map[uint16]flowcal.Register

	mode     flowcal.Mode
	piston   float64
	ticks    float64
	speed    int32
	target   int32
	pressure uint16
	timeZero time.Time
	lastMove time.Time

	torqueFault bool
	beeps       int

	log sampleLog

	failures map[uint16]error
	writes   []Write
	reads    int
	closed   bool
}

type sampleLog struct {
	running bool
	start   time.Time
	period  time.Duration
	next    int
	sources [flowcal.LogChannels]uint16
}

var _ modbus.Transport = &Drive{}

// New creates a simulated drive reading time from clock
func New(cfg Config, clock flowcal.Clock, logger *zap.SugaredLogger) *Drive {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	rm := cfg.Registers
	now := clock.Now()
	d := &Drive{
		rm:       rm,
		conv:     units.NewConverter(cfg.Calibration),
		clock:    clock,
		logger:   logger.Named("simdrive"),
		words:    map[uint16]uint16{},
		mode:     flowcal.ModeOff,
		piston:   cfg.Piston,
		pressure: cfg.Pressure,
		timeZero: now,
		lastMove: now,
		failures: map[uint16]error{},
	}

	d.logical = map[uint16]flowcal.Register{}
	for _, reg := range []flowcal.Register{
		rm.Position, rm.Speed, rm.TargetInput, rm.TargetPresent, rm.Time,
		rm.Mode, rm.Status, rm.Torque, rm.Pressure, rm.LinearPosition,
	} {
		d.logical[reg.Address] = reg
	}

	return d
}

// WriteRegister implements modbus.Transport
func (d *Drive) WriteRegister(address uint16, value int32, width flowcal.Width) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	err := d.precheck(address)
	if err != nil {
		return err
	}

	if width == flowcal.Width16 && (value < math.MinInt16 || value > math.MaxUint16) {
		return fmt.Errorf("%w: %d in 16-bit register %d", modbus.ErrValueRange, value, address)
	}

	d.writes = append(d.writes, Write{Address: address, Value: value, Width: width})
	d.apply(address, value, width)
	d.evaluateEvents()
	return nil
}

// ReadRegister implements modbus.Transport
func (d *Drive) ReadRegister(address uint16, words int, signed bool) (int32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	err := d.precheck(address)
	if err != nil {
		return 0, err
	}
	d.reads++

	switch words {
	case 1:
		w := d.word(address)
		if signed {
			return int32(int16(w)), nil
		}
		return int32(w), nil
	case 2:
		if _, ok := d.logical[address]; ok {
			return d.value(address), nil
		}
		return d.join(d.word(address), d.word(address+1)), nil
	}
	return 0, fmt.Errorf("invalid word count %d", words)
}

// Close implements modbus.Transport. Operations after Close fail with modbus.ErrClosed.
func (d *Drive) Close() error {
	d.mtx.Lock()
	d.closed = true
	d.mtx.Unlock()
	return nil
}

// FailRegister makes every following operation on address fail with err. A nil err clears it.
func (d *Drive) FailRegister(address uint16, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err == nil {
		delete(d.failures, address)
		return
	}
	d.failures[address] = err
}

// TriggerTorqueFault raises the torque-limit status bit as if the piston had hit an obstacle
func (d *Drive) TriggerTorqueFault() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.advance(d.clock.Now())
	d.torqueFault = true
	d.evaluateEvents()
}

// Piston returns the physical piston position [mm]
func (d *Drive) Piston() float64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.piston
}

// Mode returns the current operating mode
func (d *Drive) Mode() flowcal.Mode {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.mode
}

// Writes returns a copy of every write received so far
func (d *Drive) Writes() []Write {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]Write(nil), d.writes...)
}

// Reads returns the number of reads received so far
func (d *Drive) Reads() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.reads
}

// Beeps returns how many times Beep mode was entered
func (d *Drive) Beeps() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.beeps
}

func (d *Drive) precheck(address uint16) error {
	if d.closed {
		return modbus.ErrClosed
	}
	if err, ok := d.failures[address]; ok {
		return err
	}
	d.advance(d.clock.Now())
	return nil
}

// advance moves simulated time to now, taking every log sample that fell due on the way
func (d *Drive) advance(now time.Time) {
	for d.log.running && d.log.next < flowcal.LogCapacity {
		at := d.log.start.Add(time.Duration(d.log.next) * d.log.period)
		if at.After(now) {
			break
		}
		d.move(at)
		d.sample()
	}
	d.move(now)
}

// move integrates SpeedRamp motion up to t
func (d *Drive) move(t time.Time) {
	dt := t.Sub(d.lastMove).Seconds()
	if dt <= 0 {
		return
	}
	d.lastMove = t

	if d.mode != flowcal.ModeSpeedRamp || d.speed == 0 {
		return
	}

	cal := d.conv.Calibration()
	ticksPerSecond := float64(d.speed) * cal.VelocityResolution / cal.SpeedScale
	d.shift(ticksPerSecond * dt)
}

// shift turns the shaft by delta ticks. Positive ticks retract the piston.
func (d *Drive) shift(delta float64) {
	d.ticks += delta
	d.piston -= delta * d.conv.MMPerTick()
}

func (d *Drive) sample() {
	for ch, source := range d.log.sources {
		addr := d.rm.LogWindow[ch] + uint16(d.log.next)
		d.words[addr] = d.word(source)
	}
	d.log.next++
}

// word is the bus word at address. Both words of a logical 32-bit register follow the register
// map's word order, for bus reads and log samples alike.
func (d *Drive) word(address uint16) uint16 {
	if reg, ok := d.logical[address]; ok {
		if reg.Width == flowcal.Width32 {
			first, _ := d.split(d.value(address))
			return first
		}
		return uint16(d.value(address))
	}
	if reg, ok := d.logical[address-1]; ok && reg.Width == flowcal.Width32 {
		_, second := d.split(d.value(address - 1))
		return second
	}
	return d.words[address]
}

// split returns the words of a 32-bit value at its base address and the address after it
func (d *Drive) split(v int32) (first, second uint16) {
	low, high := uint16(v), uint16(uint32(v)>>16)
	if d.rm.WordOrder == flowcal.HighWordFirst {
		return high, low
	}
	return low, high
}

// join is the inverse of split
func (d *Drive) join(first, second uint16) int32 {
	if d.rm.WordOrder == flowcal.HighWordFirst {
		return int32(uint32(first)<<16 | uint32(second))
	}
	return int32(uint32(second)<<16 | uint32(first))
}

func (d *Drive) value(address uint16) int32 {
	switch address {
	case d.rm.Position.Address:
		return int32(math.Round(d.ticks))
	case d.rm.Speed.Address:
		return d.speed
	case d.rm.TargetInput.Address, d.rm.TargetPresent.Address:
		return d.target
	case d.rm.Time.Address:
		return int32(d.lastMove.Sub(d.timeZero).Seconds() * d.conv.Calibration().DeviceTicksPerSecond)
	case d.rm.Mode.Address:
		return int32(d.mode)
	case d.rm.Status.Address:
		if d.torqueFault {
			return flowcal.TorqueStatusMask
		}
		return 0
	case d.rm.Torque.Address:
		if d.torqueFault {
			return int32(d.conv.Calibration().MaxTorque)
		}
		return 0
	case d.rm.Pressure.Address:
		return int32(d.pressure)
	case d.rm.LinearPosition.Address:
		return int32(d.conv.LinearPositionToRaw(d.piston))
	}
	return 0
}

func (d *Drive) apply(address uint16, value int32, width flowcal.Width) {
	switch address {
	case d.rm.Position.Address:
		// rebases the counter, the shaft does not move
		d.ticks = float64(value)
	case d.rm.Speed.Address:
		d.speed = value
	case d.rm.TargetInput.Address:
		d.setTarget(value)
	case d.rm.Time.Address:
		d.timeZero = d.lastMove.Add(-time.Duration(float64(value) / d.conv.Calibration().DeviceTicksPerSecond * float64(time.Second)))
	case d.rm.Mode.Address:
		d.setMode(flowcal.Mode(value))
	case d.rm.Status.Address:
		d.torqueFault = value&flowcal.TorqueStatusMask != 0
	case d.rm.LogState.Address:
		d.store(address, value, width)
		d.setLogState(value)
	default:
		d.store(address, value, width)
	}
}

func (d *Drive) store(address uint16, value int32, width flowcal.Width) {
	if width == flowcal.Width32 {
		d.words[address], d.words[address+1] = d.split(value)
		return
	}
	d.words[address] = uint16(value)
}

func (d *Drive) setTarget(value int32) {
	d.target = value
	switch d.mode {
	case flowcal.ModePositionRamp:
		d.shift(float64(value) - d.ticks)
	case flowcal.ModeSpeedRamp:
		d.speed = value
	}
}

func (d *Drive) setMode(mode flowcal.Mode) {
	if mode == d.mode {
		return
	}
	d.logger.Debugw("mode", "from", d.mode, "to", mode)
	d.mode = mode

	switch mode {
	case flowcal.ModePositionRamp:
		d.shift(float64(d.target) - d.ticks)
	case flowcal.ModeSpeedRamp:
		d.speed = d.target
	case flowcal.ModeBeep:
		d.beeps++
	case flowcal.ModeOff, flowcal.ModeShutdown:
		d.speed = 0
	}
}

func (d *Drive) setLogState(state int32) {
	switch state {
	case flowcal.LogStateRunning:
		factor := int32(int16(d.words[d.rm.LogPeriod.Address])) + 1
		if factor < 1 {
			factor = 1
		}
		period := time.Duration(float64(factor) / d.conv.Calibration().DeviceTicksPerSecond * float64(time.Second))

		var sources [flowcal.LogChannels]uint16
		for ch, reg := range d.rm.LogSelect {
			sources[ch] = d.words[reg.Address]
		}

		d.log = sampleLog{
			running: true,
			start:   d.lastMove,
			period:  period,
			sources: sources,
		}
		d.logger.Debugw("log started", "period", period, "sources", sources)
		// the first sample is taken immediately
		d.sample()
	case flowcal.LogStateStopped:
		d.log.running = false
		d.logger.Debugw("log stopped", "samples", d.log.next)
	}
}

// evaluateEvents runs every armed AND-trigger event rule against the current registers
func (d *Drive) evaluateEvents() {
	for n := range uint16(eventCount) {
		ev := d.rm.Event(n)
		if int32(d.words[ev.Control.Address]) != flowcal.EventTriggerAnd {
			continue
		}

		trigger := d.value(uint16(int16(d.words[ev.TriggerReg.Address])))
		mask := int32(int16(d.words[ev.TriggerData.Address]))
		if trigger&mask == 0 {
			continue
		}

		dst := uint16(int16(d.words[ev.DestReg.Address]))
		src := int32(d.words[ev.SourceData.Address])
		if srcReg := uint16(int16(d.words[ev.SourceReg.Address])); srcReg != uint16(flowcal.NoRegister) {
			src = d.value(srcReg)
		}

		d.logger.Debugw("event fired", "event", n, "register", dst, "value", src)
		d.apply(dst, src, flowcal.Width16)
	}
}
