package flowcal

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Calibration has the gains, biases and limits of the mechanical build and the drive. It is loaded
// once at startup and never changed afterwards.
type Calibration struct {
	// Pitch is the circumference of the drive gear [mm]
	Pitch float64 `yaml:"pitch"`
	// TicksPerRev is the number of drive positions per revolution
	TicksPerRev float64 `yaml:"ticks_per_rev"`
	// VelocityResolution divides the position resolution for the speed register
	VelocityResolution float64 `yaml:"velocity_resolution"`
	// SpeedScale is the speed register's fixed scale relative to ticks per second
	SpeedScale float64 `yaml:"speed_scale"`
	// DeviceTicksPerSecond is the increment of the drive's time register per second
	DeviceTicksPerSecond float64 `yaml:"device_ticks_per_second"`
	// TorqueScale is the number of raw torque units [mNm] per Nm
	TorqueScale float64 `yaml:"torque_scale"`

	PressureGain  float64 `yaml:"pressure_gain"`
	PressureBias  float64 `yaml:"pressure_bias"`
	LinearPosGain float64 `yaml:"linear_pos_gain"`
	LinearPosBias float64 `yaml:"linear_pos_bias"`

	// MaxTorque is the torque limit written before every run [mNm]
	MaxTorque int16 `yaml:"max_torque"`

	// HomePosition and HomeTolerance are read from the linear sensor [mm]
	HomePosition  float64 `yaml:"home_position"`
	HomeTolerance float64 `yaml:"home_tolerance"`
	// HomeCoarseThreshold is the distance from home above which coarse steps are used [mm]
	HomeCoarseThreshold float64 `yaml:"home_coarse_threshold"`
	HomeCoarseStep      int32   `yaml:"home_coarse_step"`
	HomeFineStep        int32   `yaml:"home_fine_step"`

	// MinPosition and MaxPosition are the physical travel limits seen by the linear sensor [mm]
	MinPosition float64 `yaml:"min_position"`
	MaxPosition float64 `yaml:"max_position"`

	// SyringeDiameter is the inner diameter of the syringe [mm]
	SyringeDiameter float64 `yaml:"syringe_diameter"`
}

// DefaultCalibration returns the calibration of the reference pump
func DefaultCalibration() Calibration {
	return Calibration{
		Pitch:                32,
		TicksPerRev:          4096,
		VelocityResolution:   16,
		SpeedScale:           10,
		DeviceTicksPerSecond: 2000,
		TorqueScale:          1000,

		PressureGain:  1,
		PressureBias:  0,
		LinearPosGain: 100.0 / 65420.0,
		LinearPosBias: 0,

		MaxTorque: 200,

		HomePosition:        10.0,
		HomeTolerance:       0.01,
		HomeCoarseThreshold: 0.5,
		HomeCoarseStep:      20,
		HomeFineStep:        1,

		MinPosition: 1.3,
		MaxPosition: 91.0,

		SyringeDiameter: 34,
	}
}

// Validate checks the values that are used as divisors or bounds
func (c Calibration) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("pitch", c.Pitch)
	positive("ticks_per_rev", c.TicksPerRev)
	positive("velocity_resolution", c.VelocityResolution)
	positive("speed_scale", c.SpeedScale)
	positive("device_ticks_per_second", c.DeviceTicksPerSecond)
	positive("torque_scale", c.TorqueScale)
	positive("linear_pos_gain", c.LinearPosGain)
	positive("home_tolerance", c.HomeTolerance)
	positive("syringe_diameter", c.SyringeDiameter)

	if c.HomeCoarseStep <= 0 || c.HomeFineStep <= 0 {
		errs = append(errs, fmt.Errorf("homing steps must be positive, got coarse=%d fine=%d", c.HomeCoarseStep, c.HomeFineStep))
	}
	if c.MinPosition >= c.MaxPosition {
		errs = append(errs, fmt.Errorf("min_position %v must be below max_position %v", c.MinPosition, c.MaxPosition))
	}
	if c.HomePosition < c.MinPosition || c.HomePosition > c.MaxPosition {
		errs = append(errs, fmt.Errorf("home_position %v outside travel [%v, %v]", c.HomePosition, c.MinPosition, c.MaxPosition))
	}

	return errors.Join(errs...)
}

// LoadCalibration reads a YAML calibration file. Keys missing from the file keep their default value.
func LoadCalibration(path string) (Calibration, error) {
	cal := DefaultCalibration()
	if path == "" {
		return cal, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("error reading calibration: %w", err)
	}

	err = yaml.Unmarshal(data, &cal)
	if err != nil {
		return Calibration{}, fmt.Errorf("error parsing calibration: %w", err)
	}

	err = cal.Validate()
	if err != nil {
		return Calibration{}, fmt.Errorf("invalid calibration: %w", err)
	}

	return cal, nil
}
