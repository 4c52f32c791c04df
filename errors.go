package flowcal

import (
	"errors"
	"fmt"
)

var (
	// ErrInputLengthMismatch is returned when two parallel series differ in length
	ErrInputLengthMismatch = errors.New("input series not of equal length")

	// ErrEmptyProfile is returned when a motion profile has no points
	ErrEmptyProfile = errors.New("motion profile is empty")

	// ErrNonIncreasingTimes is returned when profile timestamps are not strictly increasing
	ErrNonIncreasingTimes = errors.New("profile timestamps must be strictly increasing")

	// ErrInvalidValue is returned for a profile time or value that is NaN or infinite, or a negative
	// first timestamp
	ErrInvalidValue = errors.New("invalid profile value")

	// ErrTargetOutOfRange is returned when a profile value converts to a target beyond the drive's
	// register range or the calibrated piston travel
	ErrTargetOutOfRange = errors.New("profile target out of range")

	// ErrProfileTooLong is returned when a profile is too long for the log period register
	ErrProfileTooLong = errors.New("profile too long to log")

	// ErrOutOfPhysicalRange is returned when the linear sensor reads outside the travel limits before
	// a run. No motion is attempted after it.
	ErrOutOfPhysicalRange = errors.New("measurement from linear sensor is out of physical range")

	// ErrDeviceCommunication matches every transport failure that aborted a run
	ErrDeviceCommunication = errors.New("device communication failed")

	// ErrHomingTimeout is returned when the homing search exceeds its configured iteration bound
	ErrHomingTimeout = errors.New("homing did not converge")

	// ErrInvalidMode is returned when a mode cannot be used for playback
	ErrInvalidMode = errors.New("invalid mode")
)

// ModeError reports an unknown or non-playable mode
type ModeError struct {
	Input string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidMode, e.Input)
}

func (e *ModeError) Is(target error) bool {
	return target == ErrInvalidMode
}

// Step names the phase of a run in which a device operation failed
type Step string

const (
	StepInterlock Step = "interlock"
	StepHoming    Step = "homing"
	StepReset     Step = "reset"
	StepLogSetup  Step = "log_setup"
	StepPlayback  Step = "playback"
	StepStop      Step = "stop"
	StepRetrieve  Step = "retrieve"
	StepManual    Step = "manual"
)

// DeviceError wraps a transport failure with the register and run step it happened in
type DeviceError struct {
	Step     Step
	Op       string
	Register uint16
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: error during %s %s register %d: %v", ErrDeviceCommunication, e.Step, e.Op, e.Register, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is makes every DeviceError match ErrDeviceCommunication
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceCommunication
}

// RangeError reports a sensor reading outside the calibrated travel
type RangeError struct {
	Position float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %.3f mm not in [%.3f, %.3f]", ErrOutOfPhysicalRange, e.Position, e.Min, e.Max)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfPhysicalRange
}
