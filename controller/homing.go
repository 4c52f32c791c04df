package controller

import (
	"fmt"
	"math"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// HomingState is the state of the homing search
type HomingState int

const (
	HomingSearching HomingState = iota
	HomingAtHome
)

func (s HomingState) String() string {
	switch s {
	case HomingSearching:
		return "Searching"
	case HomingAtHome:
		return "AtHome"
	default:
		return "Unknown"
	}
}

// homingStep decides the next move from a linear sensor reading. It returns the change of the
// commanded position in ticks, or HomingAtHome when the reading is strictly within tolerance.
func homingStep(cal flowcal.Calibration, position float64) (int32, HomingState) {
	diff := position - cal.HomePosition
	if math.Abs(diff) < cal.HomeTolerance {
		return 0, HomingAtHome
	}

	step := cal.HomeFineStep
	if math.Abs(diff) > cal.HomeCoarseThreshold {
		step = cal.HomeCoarseStep
	}

	// positive ticks retract the piston
	if diff > 0 {
		return step, HomingSearching
	}
	return -step, HomingSearching
}

// Home moves the piston until the linear sensor reads the calibrated home position. The search nudges
// the commanded position in coarse steps while far from home and fine steps when close. It returns the
// number of iterations used.
//
// A first reading outside the physical travel fails with flowcal.ErrOutOfPhysicalRange before
// anything moves. When a homing limit is set, exceeding it fails with flowcal.ErrHomingTimeout. Every
// later failure turns the motor off the same way a failed run does.
func (c *Controller) Home() (int, error) {
	iterations, err := c.home()
	if err != nil {
		return iterations, c.abort(err)
	}
	return iterations, nil
}

// home leaves the motor as it is on failure; the caller stops it
func (c *Controller) home() (int, error) {
	cal := c.conv.Calibration()

	position, err := c.readLinearPosition(flowcal.StepHoming)
	if err != nil {
		return 0, err
	}
	if position < cal.MinPosition || position > cal.MaxPosition {
		return 0, &flowcal.RangeError{Position: position, Min: cal.MinPosition, Max: cal.MaxPosition}
	}

	c.logger.Infow("homing", "position", position, "home", cal.HomePosition)

	err = c.resetDrive(flowcal.StepHoming)
	if err != nil {
		return 0, err
	}
	err = c.setMode(flowcal.StepHoming, flowcal.ModePositionRamp)
	if err != nil {
		return 0, err
	}

	var commanded int32
	state := HomingSearching
	iterations := 0
	for state == HomingSearching {
		if c.maxHomingIterations > 0 && iterations >= c.maxHomingIterations {
			return iterations, fmt.Errorf("%w: %d iterations, last reading %.3f mm", flowcal.ErrHomingTimeout, iterations, position)
		}

		position, err = c.readLinearPosition(flowcal.StepHoming)
		if err != nil {
			return iterations, err
		}
		iterations++

		var delta int32
		delta, state = homingStep(cal, position)
		c.logger.Debugw("homing step", "iteration", iterations, "position", position, "commanded", commanded, "delta", delta)
		if state == HomingAtHome {
			break
		}

		commanded += delta
		err = c.write(flowcal.StepHoming, c.registers.TargetInput, commanded)
		if err != nil {
			return iterations, err
		}
	}

	err = c.setMode(flowcal.StepHoming, flowcal.ModeOff)
	if err != nil {
		return iterations, err
	}
	for _, reg := range []flowcal.Register{c.registers.Position, c.registers.TargetInput} {
		err = c.write(flowcal.StepHoming, reg, 0)
		if err != nil {
			return iterations, err
		}
	}

	c.logger.Infow("homed", "position", position, "iterations", iterations)
	return iterations, nil
}
