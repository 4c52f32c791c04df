// Package flowcal holds the types shared by every part of the syringe pump controller: operating
// modes, the drive's register map, the hardware calibration and the motion profile.
package flowcal

import "strings"

// Mode is the operating mode written to the drive's mode register
type Mode int16

const (
	ModeOff          Mode = 0
	ModeShutdown     Mode = 4
	ModePositionRamp Mode = 21
	ModeSpeedRamp    Mode = 33
	ModeBeep         Mode = 60
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "Off"
	case ModeShutdown:
		return "Shutdown"
	case ModePositionRamp:
		return "PositionRamp"
	case ModeSpeedRamp:
		return "SpeedRamp"
	case ModeBeep:
		return "Beep"
	default:
		return "Unknown"
	}
}

// Playable tells if a motion profile can be played back in this mode
func (m Mode) Playable() bool {
	return m == ModePositionRamp || m == ModeSpeedRamp
}

// ParseMode parses the name of a playable mode. It accepts the String() form and the short
// forms "position" and "speed"/"velocity"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "PositionRamp", "position", "pos":
		return ModePositionRamp, nil
	case "SpeedRamp", "speed", "velocity":
		return ModeSpeedRamp, nil
	}
	return ModeOff, &ModeError{Input: s}
}

var modes = []Mode{ModeOff, ModeShutdown, ModePositionRamp, ModeSpeedRamp, ModeBeep}

// MarshalText encodes the mode by name
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes any mode name produced by String, or a playable mode's short form
func (m *Mode) UnmarshalText(text []byte) error {
	for _, mode := range modes {
		if strings.EqualFold(mode.String(), string(text)) {
			*m = mode
			return nil
		}
	}

	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
