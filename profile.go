package flowcal

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a time-indexed motion profile. Times are seconds from the start of playback and Values
// are targets in physical units (mm for position runs, mm/s for velocity runs). The player only
// borrows a Profile for the duration of a run.
type Profile struct {
	Times  []float64 `yaml:"times" json:"times"`
	Values []float64 `yaml:"values" json:"values"`
}

// Point is one (time, value) pair
type Point struct {
	Time  float64
	Value float64
}

// NewProfile builds a Profile from points
func NewProfile(points ...Point) Profile {
	p := Profile{
		Times:  make([]float64, len(points)),
		Values: make([]float64, len(points)),
	}
	for i, pt := range points {
		p.Times[i] = pt.Time
		p.Values[i] = pt.Value
	}
	return p
}

// Len is the number of points
func (p Profile) Len() int {
	return len(p.Times)
}

// Duration is the last timestamp of the profile
func (p Profile) Duration() float64 {
	if len(p.Times) == 0 {
		return 0
	}
	return p.Times[len(p.Times)-1]
}

// Validate checks the invariants the player relies on: equal lengths, at least one point, finite
// numbers, a first timestamp at or after zero and strictly increasing timestamps
func (p Profile) Validate() error {
	if len(p.Times) != len(p.Values) {
		return ErrInputLengthMismatch
	}
	if len(p.Times) == 0 {
		return ErrEmptyProfile
	}
	for i := range p.Times {
		if !finite(p.Times[i]) {
			return fmt.Errorf("%w: times[%d] = %v", ErrInvalidValue, i, p.Times[i])
		}
		if !finite(p.Values[i]) {
			return fmt.Errorf("%w: values[%d] = %v", ErrInvalidValue, i, p.Values[i])
		}
	}
	if p.Times[0] < 0 {
		return fmt.Errorf("%w: first timestamp %v is negative", ErrInvalidValue, p.Times[0])
	}
	for i := 1; i < len(p.Times); i++ {
		if p.Times[i] <= p.Times[i-1] {
			return ErrNonIncreasingTimes
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Unit is the physical unit of a profile's values. It decides how the profile is played.
type Unit string

const (
	UnitPosition Unit = "mm"
	UnitVelocity Unit = "mm/s"
	UnitFlow     Unit = "ml/s"
	UnitVolume   Unit = "ml"
)

// Units lists every supported profile unit
var Units = []Unit{UnitPosition, UnitVelocity, UnitFlow, UnitVolume}

// ParseUnit parses a profile unit
func ParseUnit(s string) (Unit, error) {
	for _, u := range Units {
		if string(u) == s {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown profile unit %q", s)
}

// Mode is the drive mode used to play values of this unit
func (u Unit) Mode() Mode {
	switch u {
	case UnitPosition, UnitVolume:
		return ModePositionRamp
	case UnitVelocity, UnitFlow:
		return ModeSpeedRamp
	}
	return ModeOff
}

// ProfileFile is the YAML form of a profile
type ProfileFile struct {
	Unit    Unit `yaml:"unit"`
	Profile `yaml:",inline"`
}

// LoadProfile reads a YAML profile file. The unit defaults to mm.
func LoadProfile(path string) (ProfileFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProfileFile{}, fmt.Errorf("error reading profile: %w", err)
	}

	pf := ProfileFile{Unit: UnitPosition}
	err = yaml.Unmarshal(data, &pf)
	if err != nil {
		return ProfileFile{}, fmt.Errorf("error parsing profile: %w", err)
	}

	_, err = ParseUnit(string(pf.Unit))
	if err != nil {
		return ProfileFile{}, err
	}

	err = pf.Validate()
	if err != nil {
		return ProfileFile{}, fmt.Errorf("invalid profile %s: %w", path, err)
	}

	return pf, nil
}
