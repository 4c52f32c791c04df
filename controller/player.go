package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Lars-Olof-Turesson/flowcal"
)

const publishTimeout = 5 * time.Second

// rawTarget is a profile point in drive units, due at an offset from the start of playback
type rawTarget struct {
	at    time.Duration
	value int32
}

// playbackState is the state of the target schedule at one clock reading
type playbackState int

const (
	playbackWaiting playbackState = iota
	playbackDue
	playbackDone
)

// playback walks the schedule of raw targets against a clock
type playback struct {
	targets   []rawTarget
	start     time.Time
	next      int
	delivered []float64
}

func newPlayback(targets []rawTarget, start time.Time) *playback {
	return &playback{
		targets:   targets,
		start:     start,
		delivered: make([]float64, 0, len(targets)),
	}
}

func (p *playback) poll(now time.Time) playbackState {
	if p.next >= len(p.targets) {
		return playbackDone
	}
	if now.Sub(p.start) >= p.targets[p.next].at {
		return playbackDue
	}
	return playbackWaiting
}

func (p *playback) current() rawTarget {
	return p.targets[p.next]
}

// advance records the delivery of the current target
func (p *playback) advance(now time.Time) {
	p.delivered = append(p.delivered, now.Sub(p.start).Seconds())
	p.next++
}

// rawTargets validates the profile and converts it to drive units. Nothing is written to the drive.
// Position targets must keep the piston inside its travel limits and every target must fit the
// 32-bit target register.
func (c *Controller) rawTargets(profile flowcal.Profile, mode flowcal.Mode) ([]rawTarget, error) {
	err := profile.Validate()
	if err != nil {
		return nil, err
	}

	var convert func(float64) (int32, error)
	switch mode {
	case flowcal.ModePositionRamp:
		convert = c.positionTarget
	case flowcal.ModeSpeedRamp:
		convert = c.conv.VelocityTickRate
	default:
		return nil, &flowcal.ModeError{Input: mode.String()}
	}

	targets := make([]rawTarget, len(profile.Values))
	for i, v := range profile.Values {
		value, err := convert(v)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		targets[i] = rawTarget{
			at:    time.Duration(profile.Times[i] * float64(time.Second)),
			value: value,
		}
	}
	return targets, nil
}

// positionTarget converts a position relative to home [mm] to ticks
func (c *Controller) positionTarget(mm float64) (int32, error) {
	cal := c.conv.Calibration()
	piston := cal.HomePosition + mm
	if piston < cal.MinPosition || piston > cal.MaxPosition {
		return 0, fmt.Errorf("%w: %g mm puts the piston at %g mm, outside [%g, %g]",
			flowcal.ErrTargetOutOfRange, mm, piston, cal.MinPosition, cal.MaxPosition)
	}
	return c.conv.PositionTicks(mm)
}

// RunPositions plays a profile of positions [mm]
func (c *Controller) RunPositions(profile flowcal.Profile) (*RunResult, error) {
	return c.RunSequence(profile, flowcal.ModePositionRamp)
}

// RunVelocities plays a profile of velocities [mm/s]
func (c *Controller) RunVelocities(profile flowcal.Profile) (*RunResult, error) {
	return c.RunSequence(profile, flowcal.ModeSpeedRamp)
}

// RunFlow plays a profile of flows [ml/s] as velocities through the syringe
func (c *Controller) RunFlow(profile flowcal.Profile) (*RunResult, error) {
	velocities := flowcal.Profile{
		Times:  profile.Times,
		Values: c.syringe.FlowsToVelocities(profile.Values),
	}
	return c.RunSequence(velocities, flowcal.ModeSpeedRamp)
}

// RunSequence plays a motion profile and returns the drive's log of the run. The mode decides if the
// profile values are positions [mm] or velocities [mm/s].
//
// The run arms the torque interlock, homes, resets the drive and starts its log, then writes every
// target as soon as its time has passed. Writes are not paced beyond the bus round trip, so targets
// closer together than one round trip are written back to back. The call blocks until the log is
// retrieved.
//
// An invalid profile fails before anything is written. A failed bus operation aborts the run and
// turns the motor off; the returned error matches flowcal.ErrDeviceCommunication and names the step
// and register. If turning the motor off fails too, both errors are returned and the motor state is
// unknown.
func (c *Controller) RunSequence(profile flowcal.Profile, mode flowcal.Mode) (*RunResult, error) {
	if !mode.Playable() {
		return nil, &flowcal.ModeError{Input: mode.String()}
	}

	targets, err := c.rawTargets(profile, mode)
	if err != nil {
		return nil, err
	}

	plan, err := c.planLog(profile.Duration(), mode)
	if err != nil {
		return nil, err
	}

	run := &RunResult{
		ID:      uuid.NewString(),
		Mode:    mode,
		Started: time.Now(),
	}
	logger := c.logger.With("run", run.ID, "mode", mode)
	logger.Infow("starting run", "targets", len(targets), "duration", profile.Duration(), "period", plan.period())

	c.journal.begin(run, plan.channels)
	defer c.journal.done()

	result, err := c.play(run, targets, plan)
	if err != nil {
		err = c.abort(err)
		run.Finished = time.Now()
		logger.Errorw("run failed", "error", err)
		c.journal.event("run failed: " + err.Error())
		c.publish(run, err)
		return nil, err
	}

	logger.Infow("run complete", "max_time", result.Summary.MaxTime, "max_volume", result.Summary.MaxVolume)
	c.publish(result, nil)
	return result, nil
}

// play runs every device step of a run. run carries the identity of the run into the result.
func (c *Controller) play(run *RunResult, targets []rawTarget, plan logPlan) (*RunResult, error) {
	err := c.ArmTorqueInterlock()
	if err != nil {
		return nil, err
	}
	err = c.ClampTorque()
	if err != nil {
		return nil, err
	}

	c.journal.stage("Homing")
	iterations, err := c.home()
	if err != nil {
		return nil, err
	}
	c.journal.event(fmt.Sprintf("homed in %d iterations", iterations))

	err = c.resetDrive(flowcal.StepReset)
	if err != nil {
		return nil, err
	}
	err = c.write(flowcal.StepReset, c.registers.Time, 0)
	if err != nil {
		return nil, err
	}

	err = c.startLog(plan)
	if err != nil {
		return nil, err
	}

	c.journal.stage("Playback")
	err = c.setMode(flowcal.StepPlayback, run.Mode)
	if err != nil {
		return nil, err
	}
	pb := newPlayback(targets, c.clock.Now())
	started := time.Now()

	for {
		now := c.clock.Now()
		state := pb.poll(now)
		if state == playbackDone {
			break
		}
		if state == playbackWaiting {
			continue
		}

		err = c.write(flowcal.StepPlayback, c.registers.TargetInput, pb.current().value)
		if err != nil {
			return nil, err
		}
		pb.advance(c.clock.Now())
	}

	err = c.stopLog()
	if err != nil {
		return nil, err
	}
	err = c.write(flowcal.StepStop, c.registers.TargetInput, 0)
	if err != nil {
		return nil, err
	}
	err = c.setMode(flowcal.StepStop, flowcal.ModeOff)
	if err != nil {
		return nil, err
	}
	elapsed := c.clock.Now().Sub(pb.start)
	c.journal.start(started)

	c.journal.stage("Retrieve")
	samples, err := c.retrieveLog(plan)
	if err != nil {
		return nil, err
	}

	result, err := c.newRunResult(plan, samples)
	if err != nil {
		return nil, err
	}
	result.ID = run.ID
	result.Mode = run.Mode
	result.Started = run.Started
	result.Finished = time.Now()
	result.DeliveryTimes = pb.delivered

	c.logger.Debugw("playback finished", "run", run.ID, "elapsed", elapsed)
	return result, nil
}

// abort turns the motor off after a failed run. A failed stop is combined with the run error.
func (c *Controller) abort(err error) error {
	if errors.Is(err, flowcal.ErrOutOfPhysicalRange) {
		// nothing has moved
		return err
	}

	stopErr := c.setMode(flowcal.StepStop, flowcal.ModeOff)
	if stopErr != nil {
		c.logger.Errorw("error stopping motor, state unknown", "error", stopErr)
		return multierr.Append(err, stopErr)
	}
	return err
}

func (c *Controller) publish(result *RunResult, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pubErr := c.publisher.PublishRun(ctx, telemetrySummary(result, err))
	if pubErr != nil {
		c.logger.Warnw("error publishing run", "run", result.ID, "error", pubErr)
	}
}

// RunProfile plays a profile in the given unit. Volume profiles [ml] are played as positions.
func (c *Controller) RunProfile(profile flowcal.Profile, unit flowcal.Unit) (*RunResult, error) {
	switch unit {
	case flowcal.UnitPosition:
		return c.RunPositions(profile)
	case flowcal.UnitVelocity:
		return c.RunVelocities(profile)
	case flowcal.UnitFlow:
		return c.RunFlow(profile)
	case flowcal.UnitVolume:
		positions := flowcal.Profile{
			Times:  profile.Times,
			Values: c.syringe.VolumesToPositions(profile.Values),
		}
		return c.RunPositions(positions)
	}
	return nil, fmt.Errorf("unknown profile unit %q", unit)
}
