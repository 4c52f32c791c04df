package flowcal

import "fmt"

// Width is the number of 16-bit bus words a register spans
type Width int

const (
	Width16 Width = 1
	Width32 Width = 2
)

// Register is one addressable drive register. 32-bit registers span two consecutive bus addresses and
// must always be written and read as a pair, otherwise values are truncated or lose their sign.
type Register struct {
	Address uint16
	Width   Width
	Signed  bool
}

// WordOrder is the order of the two 16-bit words of a 32-bit register on the bus
type WordOrder int

const (
	// LowWordFirst places the low word at the register's base address
	LowWordFirst WordOrder = iota
	// HighWordFirst places the high word at the register's base address
	HighWordFirst
)

func (w WordOrder) String() string {
	if w == HighWordFirst {
		return "high_first"
	}
	return "low_first"
}

// ParseWordOrder parses "low_first" or "high_first". An empty string is LowWordFirst.
func ParseWordOrder(s string) (WordOrder, error) {
	switch s {
	case "", "low_first":
		return LowWordFirst, nil
	case "high_first":
		return HighWordFirst, nil
	}
	return LowWordFirst, fmt.Errorf("invalid word order: %q", s)
}

func reg16(addr uint16) Register  { return Register{Address: addr, Width: Width16} }
func sreg16(addr uint16) Register { return Register{Address: addr, Width: Width16, Signed: true} }
func sreg32(addr uint16) Register { return Register{Address: addr, Width: Width32, Signed: true} }

// Log buffer geometry and control values
const (
	LogCapacity = 500
	LogChannels = 4

	LogStateStopped int32 = 0
	LogStateRunning int32 = 2
)

// Event rule constants used by the torque interlock
const (
	// TorqueStatusMask selects the "torque limit reached" bit of the status register
	TorqueStatusMask int32 = 0b000000000100000
	// EventTriggerAnd makes an event fire when (trigger register AND trigger data) is non-zero
	EventTriggerAnd int32 = 0xF007
	// NoRegister is written where an event rule has no source register
	NoRegister int32 = 0
)

// EventRegisters are the six registers that describe one device-resident event rule
type EventRegisters struct {
	TriggerData Register
	TriggerReg  Register
	Control     Register
	DestReg     Register
	SourceData  Register
	SourceReg   Register
}

// Quantity tells how a logged channel is converted to physical units
type Quantity int

const (
	QuantityTicks Quantity = iota
	QuantityTickRate
	QuantityPressure
	QuantityLinearPosition
)

func (q Quantity) String() string {
	switch q {
	case QuantityTicks:
		return "position"
	case QuantityTickRate:
		return "velocity"
	case QuantityPressure:
		return "pressure"
	case QuantityLinearPosition:
		return "linear_position"
	default:
		return "unknown"
	}
}

// LogChannel describes what one of the four log slots mirrors. Source is the value written to the
// channel's select register. Signed channels carry two's-complement words and must be reinterpreted
// before conversion; analog channels are plain unsigned samples.
type LogChannel struct {
	Name     string
	Source   uint16
	Signed   bool
	Quantity Quantity
}

// RegisterMap is the drive's register layout. It is built once and passed by value.
type RegisterMap struct {
	// WordOrder is how the drive lays out 32-bit registers on the bus
	WordOrder WordOrder

	TargetInput    Register
	TargetPresent  Register
	Position       Register
	Speed          Register
	Torque         Register
	MotorTorqueMax Register
	Current        Register
	Time           Register
	Pressure       Register
	LinearPosition Register
	Acceleration   Register
	Deceleration   Register
	Mode           Register
	Status         Register

	LogState  Register
	LogPeriod Register
	// LogSelect are the channel select registers, one per log slot
	LogSelect [LogChannels]Register
	// LogWindow are the first addresses of each slot's sample window
	LogWindow [LogChannels]uint16

	EventControl uint16
	EventTrgReg  uint16
	EventTrgData uint16
	EventSrcReg  uint16
	EventSrcData uint16
	EventDstReg  uint16
}

// DefaultRegisterMap returns the register layout of the reference drive
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		TargetInput:    sreg32(450),
		TargetPresent:  sreg32(463),
		Position:       sreg32(200),
		Speed:          sreg16(202),
		Torque:         sreg16(203),
		MotorTorqueMax: sreg16(204),
		Current:        sreg16(223),
		Time:           sreg32(420),
		Pressure:       reg16(170),
		LinearPosition: reg16(172),
		Acceleration:   sreg16(353),
		Deceleration:   sreg16(354),
		Mode:           sreg16(400),
		Status:         reg16(410),

		LogState:  sreg16(900),
		LogPeriod: sreg16(902),
		LogSelect: [LogChannels]Register{reg16(905), reg16(906), reg16(907), reg16(908)},
		LogWindow: [LogChannels]uint16{1000, 2000, 3000, 4000},

		EventControl: 680,
		EventTrgReg:  700,
		EventTrgData: 720,
		EventSrcReg:  740,
		EventSrcData: 760,
		EventDstReg:  780,
	}
}

// Event returns the registers of event rule n (0-19)
func (rm RegisterMap) Event(n uint16) EventRegisters {
	return EventRegisters{
		TriggerData: sreg16(rm.EventTrgData + n),
		TriggerReg:  sreg16(rm.EventTrgReg + n),
		Control:     reg16(rm.EventControl + n),
		DestReg:     sreg16(rm.EventDstReg + n),
		SourceData:  reg16(rm.EventSrcData + n),
		SourceReg:   sreg16(rm.EventSrcReg + n),
	}
}

// LowWord is the bus address of the register's low 16 bits
func (rm RegisterMap) LowWord(reg Register) uint16 {
	if reg.Width == Width32 && rm.WordOrder == HighWordFirst {
		return reg.Address + 1
	}
	return reg.Address
}

// LogChannels returns the channel selection used when playing back in the given mode. A log slot
// records one bus word, so 32-bit registers are logged through their low word.
func (rm RegisterMap) LogChannels(mode Mode) ([LogChannels]LogChannel, error) {
	target := LogChannel{Name: "target", Source: rm.LowWord(rm.TargetInput), Signed: true}
	pressure := LogChannel{Name: "pressure", Source: rm.Pressure.Address, Quantity: QuantityPressure}
	linear := LogChannel{Name: "linear_position", Source: rm.LinearPosition.Address, Quantity: QuantityLinearPosition}

	switch mode {
	case ModePositionRamp:
		target.Quantity = QuantityTicks
		return [LogChannels]LogChannel{
			{Name: "position", Source: rm.LowWord(rm.Position), Signed: true, Quantity: QuantityTicks},
			target,
			pressure,
			linear,
		}, nil
	case ModeSpeedRamp:
		target.Quantity = QuantityTickRate
		return [LogChannels]LogChannel{
			{Name: "velocity", Source: rm.LowWord(rm.Speed), Signed: true, Quantity: QuantityTickRate},
			target,
			pressure,
			linear,
		}, nil
	}
	return [LogChannels]LogChannel{}, &ModeError{Input: mode.String()}
}
