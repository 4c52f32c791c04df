package controller

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/simdrive"
	"github.com/Lars-Olof-Turesson/flowcal/telemetry"
	"github.com/Lars-Olof-Turesson/flowcal/twchart"
)

func newTestController(t *testing.T, piston float64) (*Controller, *simdrive.Drive) {
	t.Helper()
	c, drive, _ := newTestSetup(t, piston, flowcal.DefaultRegisterMap())
	return c, drive
}

// newTestSetup wires a controller to a simulated drive sharing a clock that steps 1 ms per reading
func newTestSetup(t *testing.T, piston float64, rm flowcal.RegisterMap) (*Controller, *simdrive.Drive, *simdrive.Clock) {
	t.Helper()

	clock := simdrive.NewClock(time.Millisecond)
	cfg := simdrive.DefaultConfig()
	cfg.Piston = piston
	cfg.Registers = rm
	logger := zaptest.NewLogger(t).Sugar()
	drive := simdrive.New(cfg, clock, logger)

	c, err := New(drive, cfg.Calibration, logger)
	require.NoError(t, err)
	c.SetClock(clock)
	c.SetRegisterMap(rm)

	return c, drive, clock
}

// targetWrites returns the values written to the target register
func targetWrites(drive *simdrive.Drive) []int32 {
	var values []int32
	for _, w := range drive.Writes() {
		if w.Address == 450 {
			values = append(values, w.Value)
		}
	}
	return values
}

type recordingJournal struct {
	sessions []string
	stages   []string
	events   []string
	started  bool
	done     int

	// onStart runs inside SetStartTime
	onStart func()
}

func (j *recordingJournal) CreateSession(_ context.Context, name string, probes twchart.Probes) (string, error) {
	j.sessions = append(j.sessions, name)
	return "session", nil
}

func (j *recordingJournal) SetStartTime(context.Context, time.Time) error {
	j.started = true
	if j.onStart != nil {
		j.onStart()
	}
	return nil
}

func (j *recordingJournal) AddEvent(_ context.Context, note string, _ time.Time) error {
	j.events = append(j.events, note)
	return nil
}

func (j *recordingJournal) AddStage(_ context.Context, name string, _ time.Time) error {
	j.stages = append(j.stages, name)
	return nil
}

func (j *recordingJournal) Done(context.Context) error {
	j.done++
	return errors.New("journal unavailable")
}

type recordingPublisher struct {
	summaries []telemetry.RunSummary
	closed    bool
}

func (p *recordingPublisher) PublishRun(_ context.Context, summary telemetry.RunSummary) error {
	p.summaries = append(p.summaries, summary)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestNew(t *testing.T) {
	t.Run("NilTransport", func(t *testing.T) {
		_, err := New(nil, flowcal.DefaultCalibration(), nil)
		require.Error(t, err)
	})

	t.Run("InvalidCalibration", func(t *testing.T) {
		cal := flowcal.DefaultCalibration()
		cal.Pitch = 0
		drive := simdrive.New(simdrive.DefaultConfig(), simdrive.NewClock(time.Millisecond), nil)
		_, err := New(drive, cal, nil)
		require.ErrorContains(t, err, "pitch")
	})

	t.Run("Close", func(t *testing.T) {
		c, drive := newTestController(t, 12)
		publisher := &recordingPublisher{}
		c.SetPublisher(publisher)

		require.NoError(t, c.Close())
		assert.True(t, publisher.closed)

		_, err := drive.ReadRegister(172, 1, false)
		require.Error(t, err)
	})
}

func TestArmTorqueInterlock(t *testing.T) {
	c, drive := newTestController(t, 12)

	require.NoError(t, c.ArmTorqueInterlock())

	expected := []simdrive.Write{
		{Address: 720, Value: 32, Width: flowcal.Width16},
		{Address: 700, Value: 410, Width: flowcal.Width16},
		{Address: 680, Value: 0xF007, Width: flowcal.Width16},
		{Address: 780, Value: 400, Width: flowcal.Width16},
		{Address: 760, Value: 0, Width: flowcal.Width16},
		{Address: 740, Value: 0, Width: flowcal.Width16},
	}
	assert.Equal(t, expected, drive.Writes())

	t.Run("StopsMotorOnTorqueLimit", func(t *testing.T) {
		require.NoError(t, c.setMode(flowcal.StepManual, flowcal.ModePositionRamp))
		assert.Equal(t, flowcal.ModePositionRamp, drive.Mode())

		drive.TriggerTorqueFault()
		assert.Equal(t, flowcal.ModeOff, drive.Mode())
	})

	t.Run("ClampTorque", func(t *testing.T) {
		require.NoError(t, c.ClampTorque())
		writes := drive.Writes()
		assert.Equal(t, simdrive.Write{Address: 204, Value: 200, Width: flowcal.Width16}, writes[len(writes)-1])
	})
}

func TestHomingStep(t *testing.T) {
	cal := flowcal.DefaultCalibration()

	tests := []struct {
		name     string
		position float64
		delta    int32
		state    HomingState
	}{
		{"FarAbove", cal.HomePosition + 5, 20, HomingSearching},
		{"FarBelow", cal.HomePosition - 5, -20, HomingSearching},
		{"NearAbove", cal.HomePosition + 0.2, 1, HomingSearching},
		{"NearBelow", cal.HomePosition - 0.2, -1, HomingSearching},
		{"AtThreshold", cal.HomePosition + 0.5, 1, HomingSearching},
		{"WithinTolerance", cal.HomePosition + 0.005, 0, HomingAtHome},
		{"Exact", cal.HomePosition, 0, HomingAtHome},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, state := homingStep(cal, tt.position)
			assert.Equal(t, tt.delta, delta)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestHome(t *testing.T) {
	cal := flowcal.DefaultCalibration()

	tests := []struct {
		name   string
		piston float64
	}{
		{"Above", cal.HomePosition + 5},
		{"Below", cal.HomePosition - 5},
		{"Near", cal.HomePosition + 0.3},
		{"AtHome", cal.HomePosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drive := newTestController(t, tt.piston)

			iterations, err := c.Home()
			require.NoError(t, err)
			assert.Greater(t, iterations, 0)
			assert.Less(t, iterations, 200)

			assert.InDelta(t, cal.HomePosition, drive.Piston(), 0.02)
			assert.Equal(t, flowcal.ModeOff, drive.Mode())

			ticks, err := drive.ReadRegister(200, 2, true)
			require.NoError(t, err)
			assert.Equal(t, int32(0), ticks)
		})
	}

	t.Run("OutOfRange", func(t *testing.T) {
		c, drive := newTestController(t, cal.MaxPosition+2)

		_, err := c.Home()
		require.ErrorIs(t, err, flowcal.ErrOutOfPhysicalRange)

		var rangeErr *flowcal.RangeError
		require.ErrorAs(t, err, &rangeErr)
		assert.InDelta(t, cal.MaxPosition+2, rangeErr.Position, 0.01)
		assert.Empty(t, drive.Writes())
	})

	t.Run("Timeout", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+20)
		c.SetHomingLimit(5)

		iterations, err := c.Home()
		require.ErrorIs(t, err, flowcal.ErrHomingTimeout)
		assert.Equal(t, 5, iterations)
		assert.Equal(t, flowcal.ModeOff, drive.Mode())
		assert.Equal(t, 1, stopsAfterLastStart(drive))
	})

	t.Run("SensorFailure", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+5)
		drive.FailRegister(172, errors.New("no response"))

		_, err := c.Home()
		require.ErrorIs(t, err, flowcal.ErrDeviceCommunication)

		var devErr *flowcal.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, flowcal.StepHoming, devErr.Step)
		assert.Equal(t, uint16(172), devErr.Register)
	})
}

func TestPlanLog(t *testing.T) {
	c, _ := newTestController(t, 12)

	tests := []struct {
		name     string
		duration float64
		factor   int32
		period   float64
	}{
		{"Short", 0.1, 1, 0.0005},
		{"Exact", 0.25, 1, 0.0005},
		{"TwoSeconds", 2, 8, 0.004},
		{"Rounded", 2.1, 9, 0.0045},
		{"Zero", 0, 1, 0.0005},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := c.planLog(tt.duration, flowcal.ModePositionRamp)
			require.NoError(t, err)
			assert.Equal(t, tt.factor, plan.factor)
			assert.Equal(t, tt.factor-1, plan.periodRegister())
			assert.InDelta(t, tt.period, plan.period(), 1e-12)

			offsets := plan.offsets()
			assert.Len(t, offsets, flowcal.LogCapacity)
			assert.InDelta(t, 499*tt.period, offsets[499], 1e-9)
		})
	}

	t.Run("TooLong", func(t *testing.T) {
		_, err := c.planLog(10000, flowcal.ModePositionRamp)
		require.ErrorIs(t, err, flowcal.ErrProfileTooLong)
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := c.planLog(1, flowcal.ModeBeep)
		require.ErrorIs(t, err, flowcal.ErrInvalidMode)
	})
}

func TestDecodeWord(t *testing.T) {
	assert.Equal(t, -1.0, decodeWord(65535, true))
	assert.Equal(t, 65535.0, decodeWord(65535, false))
	assert.Equal(t, -1280.0, decodeWord(uint16(0xFB00), true))
	assert.Equal(t, 1200.0, decodeWord(1200, false))
}

func TestRunPositions(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, drive := newTestController(t, cal.HomePosition+2)

	journal := &recordingJournal{}
	publisher := &recordingPublisher{}
	c.SetJournal(journal, "calibration")
	c.SetPublisher(publisher)

	profile := flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: 0},
		flowcal.Point{Time: 1, Value: 10},
		flowcal.Point{Time: 2, Value: 0},
	)

	result, err := c.RunPositions(profile)
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, flowcal.ModePositionRamp, result.Mode)
	assert.InDelta(t, 0.004, result.Period, 1e-12)

	require.Len(t, result.Times, flowcal.LogCapacity)
	assert.Equal(t, 0.0, result.Times[0])
	assert.InDelta(t, 1.996, result.Times[499], 1e-9)
	assert.InDelta(t, 1.996, result.Summary.MaxTime, 1e-9)

	for _, series := range [][]float64{result.Positions, result.Targets, result.Pressures, result.LinearPositions, result.Volumes} {
		assert.Len(t, series, flowcal.LogCapacity)
	}
	assert.Len(t, result.Flows, flowcal.LogCapacity-1)
	assert.Empty(t, result.Velocities)

	assert.Equal(t, 0.0, result.Positions[0])
	assert.InDelta(t, 10, slices.Max(result.Positions), 1e-9)
	assert.InDelta(t, 10, slices.Max(result.Targets), 1e-9)
	assert.Equal(t, 1200.0, result.Pressures[0])
	assert.Greater(t, slices.Max(result.LinearPositions), cal.HomePosition+9)

	require.Len(t, result.DeliveryTimes, 3)
	assert.GreaterOrEqual(t, result.DeliveryTimes[0], 0.0)
	assert.GreaterOrEqual(t, result.DeliveryTimes[1], 1.0)
	assert.GreaterOrEqual(t, result.DeliveryTimes[2], 2.0)
	assert.Less(t, result.DeliveryTimes[2], 2.1)

	assert.Equal(t, flowcal.ModeOff, drive.Mode())

	t.Run("Journal", func(t *testing.T) {
		require.Len(t, journal.sessions, 1)
		assert.Equal(t, "calibration "+result.ID, journal.sessions[0])
		assert.Equal(t, []string{"Homing", "Playback", "Retrieve"}, journal.stages)
		assert.True(t, journal.started)
		assert.Equal(t, 1, journal.done)
	})

	t.Run("Published", func(t *testing.T) {
		require.Len(t, publisher.summaries, 1)
		summary := publisher.summaries[0]
		assert.Equal(t, result.ID, summary.RunID)
		assert.Equal(t, "PositionRamp", summary.Mode)
		assert.Equal(t, flowcal.LogCapacity, summary.Samples)
		assert.Empty(t, summary.Error)
	})
}

func TestRunVelocities(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, drive := newTestController(t, cal.HomePosition+2)

	profile := flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: 2},
		flowcal.Point{Time: 1, Value: 0},
	)

	result, err := c.RunVelocities(profile)
	require.NoError(t, err)

	assert.InDelta(t, 0.002, result.Period, 1e-12)
	require.Len(t, result.Velocities, flowcal.LogCapacity)
	assert.Empty(t, result.Positions)
	assert.InDelta(t, 2, slices.Max(result.Velocities), 1e-9)
	assert.InDelta(t, 2, slices.Max(result.Targets), 1e-9)

	// about 2 mm of travel in one second
	moved := result.LinearPositions[499] - result.LinearPositions[0]
	assert.InDelta(t, 2, moved, 0.05)
	assert.Greater(t, result.Summary.MaxFlow, 0.0)
	assert.Greater(t, result.Summary.MaxVolume, result.Summary.MinVolume)

	assert.Equal(t, flowcal.ModeOff, drive.Mode())
}

func TestRunFlow(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, _ := newTestController(t, cal.HomePosition+2)

	flow := c.Syringe().VelocityToFlow(2)
	result, err := c.RunFlow(flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: flow},
		flowcal.Point{Time: 1, Value: 0},
	))
	require.NoError(t, err)

	assert.Equal(t, flowcal.ModeSpeedRamp, result.Mode)
	assert.InDelta(t, 2, slices.Max(result.Velocities), 1e-9)
	delivered := (result.Summary.MaxVolume - result.Summary.MinVolume) / result.Times[499]
	assert.InDelta(t, flow, delivered, flow*0.05)
}

func TestRunSequenceRejectsInput(t *testing.T) {
	tests := []struct {
		name    string
		profile flowcal.Profile
		mode    flowcal.Mode
		err     error
	}{
		{
			"Empty",
			flowcal.Profile{},
			flowcal.ModePositionRamp,
			flowcal.ErrEmptyProfile,
		},
		{
			"LengthMismatch",
			flowcal.Profile{Times: []float64{0, 1}, Values: []float64{1}},
			flowcal.ModePositionRamp,
			flowcal.ErrInputLengthMismatch,
		},
		{
			"NonIncreasing",
			flowcal.Profile{Times: []float64{0, 1, 1}, Values: []float64{1, 2, 3}},
			flowcal.ModeSpeedRamp,
			flowcal.ErrNonIncreasingTimes,
		},
		{
			"Mode",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: 1}),
			flowcal.ModeBeep,
			flowcal.ErrInvalidMode,
		},
		{
			"PositionBeyondRegister",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: 0}, flowcal.Point{Time: 0.1, Value: 1e8}),
			flowcal.ModePositionRamp,
			flowcal.ErrTargetOutOfRange,
		},
		{
			"PositionBeyondTravel",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: 0}, flowcal.Point{Time: 1, Value: 85}),
			flowcal.ModePositionRamp,
			flowcal.ErrTargetOutOfRange,
		},
		{
			"PositionBelowTravel",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: -9}),
			flowcal.ModePositionRamp,
			flowcal.ErrTargetOutOfRange,
		},
		{
			"VelocityBeyondRegister",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: 0}, flowcal.Point{Time: 1, Value: 1e9}),
			flowcal.ModeSpeedRamp,
			flowcal.ErrTargetOutOfRange,
		},
		{
			"NaNTimeAndValue",
			flowcal.Profile{Times: []float64{0, math.NaN(), 2}, Values: []float64{0, 1, math.NaN()}},
			flowcal.ModePositionRamp,
			flowcal.ErrInvalidValue,
		},
		{
			"TrailingNaNTime",
			flowcal.Profile{Times: []float64{0, math.NaN()}, Values: []float64{0, 1}},
			flowcal.ModePositionRamp,
			flowcal.ErrInvalidValue,
		},
		{
			"InfVelocity",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: math.Inf(1)}),
			flowcal.ModeSpeedRamp,
			flowcal.ErrInvalidValue,
		},
		{
			"NegativeStart",
			flowcal.NewProfile(flowcal.Point{Time: -1, Value: 0}, flowcal.Point{Time: 1, Value: 1}),
			flowcal.ModePositionRamp,
			flowcal.ErrInvalidValue,
		},
		{
			"TooLongToLog",
			flowcal.NewProfile(flowcal.Point{Time: 0, Value: 0}, flowcal.Point{Time: 1e7, Value: 0}),
			flowcal.ModePositionRamp,
			flowcal.ErrProfileTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drive := newTestController(t, 12)

			_, err := c.RunSequence(tt.profile, tt.mode)
			require.ErrorIs(t, err, tt.err)
			assert.Empty(t, drive.Writes())
			assert.Zero(t, drive.Reads())
		})
	}
}

func TestRunSequenceAborts(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	profile := flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: 0},
		flowcal.Point{Time: 0.5, Value: 5},
	)

	t.Run("OutOfRange", func(t *testing.T) {
		c, drive := newTestController(t, cal.MinPosition-1)
		publisher := &recordingPublisher{}
		c.SetPublisher(publisher)

		_, err := c.RunPositions(profile)
		require.ErrorIs(t, err, flowcal.ErrOutOfPhysicalRange)

		for _, w := range drive.Writes() {
			assert.NotEqual(t, uint16(400), w.Address, "mode must not be written")
		}
		require.Len(t, publisher.summaries, 1)
		assert.NotEmpty(t, publisher.summaries[0].Error)
	})

	t.Run("LogSetupFailure", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+1)
		drive.FailRegister(900, errors.New("no response"))

		_, err := c.RunPositions(profile)
		require.ErrorIs(t, err, flowcal.ErrDeviceCommunication)

		var devErr *flowcal.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, flowcal.StepLogSetup, devErr.Step)
		assert.Equal(t, "write", devErr.Op)
		assert.Equal(t, uint16(900), devErr.Register)

		writes := drive.Writes()
		assert.Equal(t, simdrive.Write{Address: 400, Value: 0, Width: flowcal.Width16}, writes[len(writes)-1])
		assert.Equal(t, flowcal.ModeOff, drive.Mode())
	})

	t.Run("RetrieveFailure", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+1)
		drive.FailRegister(3000, errors.New("crc mismatch"))

		_, err := c.RunPositions(profile)
		var devErr *flowcal.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, flowcal.StepRetrieve, devErr.Step)
		assert.Equal(t, "read", devErr.Op)
	})

	t.Run("StopFailsToo", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+1)
		drive.FailRegister(400, errors.New("no response"))

		_, err := c.RunPositions(profile)
		require.ErrorIs(t, err, flowcal.ErrDeviceCommunication)

		errs := multierr.Errors(err)
		require.Len(t, errs, 2)

		var devErr *flowcal.DeviceError
		require.ErrorAs(t, errs[0], &devErr)
		assert.Equal(t, flowcal.StepHoming, devErr.Step)
		require.ErrorAs(t, errs[1], &devErr)
		assert.Equal(t, flowcal.StepStop, devErr.Step)
	})
}

// stopsAfterLastStart counts the mode Off writes after the last write that started the motor
func stopsAfterLastStart(drive *simdrive.Drive) int {
	stops := 0
	for _, w := range drive.Writes() {
		if w.Address != 400 {
			continue
		}
		if w.Value == int32(flowcal.ModeOff) {
			stops++
		} else {
			stops = 0
		}
	}
	return stops
}

func TestRunHomingTimeout(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, drive := newTestController(t, cal.HomePosition+20)
	c.SetHomingLimit(5)

	_, err := c.RunPositions(flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: 0},
		flowcal.Point{Time: 0.5, Value: 5},
	))
	require.ErrorIs(t, err, flowcal.ErrHomingTimeout)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, flowcal.ModeOff, drive.Mode())
	assert.Equal(t, 1, stopsAfterLastStart(drive))
}

func TestRunWordOrder(t *testing.T) {
	cal := flowcal.DefaultCalibration()

	for _, order := range []flowcal.WordOrder{flowcal.LowWordFirst, flowcal.HighWordFirst} {
		t.Run(order.String(), func(t *testing.T) {
			rm := flowcal.DefaultRegisterMap()
			rm.WordOrder = order
			c, drive, _ := newTestSetup(t, cal.HomePosition+2, rm)

			result, err := c.RunPositions(flowcal.NewProfile(
				flowcal.Point{Time: 0, Value: 0},
				flowcal.Point{Time: 1, Value: 10},
				flowcal.Point{Time: 2, Value: 0},
			))
			require.NoError(t, err)

			assert.Equal(t, 0.0, result.Positions[0])
			assert.InDelta(t, 10, slices.Max(result.Positions), 1e-9)
			assert.InDelta(t, 10, slices.Max(result.Targets), 1e-9)
			assert.Greater(t, slices.Max(result.LinearPositions), cal.HomePosition+9)
			assert.Less(t, slices.Max(result.LinearPositions), cal.HomePosition+11)

			// the drive followed the decoded target back to home
			assert.InDelta(t, cal.HomePosition, drive.Piston(), cal.HomeTolerance+0.01)
			ticks, err := drive.ReadRegister(rm.Position.Address, 2, true)
			require.NoError(t, err)
			assert.Equal(t, int32(0), ticks)
		})
	}
}

func TestPlaybackSchedule(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	targets := []rawTarget{
		{at: 0, value: 1},
		{at: time.Millisecond, value: 2},
		{at: 1500 * time.Microsecond, value: 3},
		{at: 10 * time.Millisecond, value: 4},
	}

	tests := []struct {
		name   string
		now    time.Duration
		states []playbackState
	}{
		{"BeforeStart", -time.Millisecond, []playbackState{playbackWaiting}},
		{"PastThreeDeadlines", 5 * time.Millisecond, []playbackState{playbackDue, playbackDue, playbackDue, playbackWaiting}},
		{"StillWaiting", 9 * time.Millisecond, []playbackState{playbackWaiting}},
		{"LastDeadline", 10 * time.Millisecond, []playbackState{playbackDue, playbackDone}},
		{"AfterDone", time.Second, []playbackState{playbackDone}},
	}

	pb := newPlayback(targets, start)
	var written []int32
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := start.Add(tt.now)
			for _, want := range tt.states {
				state := pb.poll(now)
				require.Equal(t, want, state)
				if state == playbackDue {
					written = append(written, pb.current().value)
					pb.advance(now)
				}
			}
		})
	}

	assert.Equal(t, []int32{1, 2, 3, 4}, written)
	assert.InDeltaSlice(t, []float64{0.005, 0.005, 0.005, 0.010}, pb.delivered, 1e-12)
}

func TestRunSubMillisecondTargets(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, drive := newTestController(t, cal.HomePosition+1)

	profile := flowcal.Profile{
		Times:  []float64{0, 0.0002, 0.0004, 0.0006},
		Values: []float64{1, 2, 3, 4},
	}
	result, err := c.RunPositions(profile)
	require.NoError(t, err)

	conv := c.Converter()
	expected := []int32{conv.PositionToTick(1), conv.PositionToTick(2), conv.PositionToTick(3), conv.PositionToTick(4), 0}
	writes := targetWrites(drive)
	require.GreaterOrEqual(t, len(writes), len(expected))
	assert.Equal(t, expected, writes[len(writes)-len(expected):])

	delivered := result.DeliveryTimes
	require.Len(t, delivered, len(profile.Times))
	for i, d := range delivered {
		assert.GreaterOrEqual(t, d, profile.Times[i])
		if i > 0 {
			assert.GreaterOrEqual(t, d, delivered[i-1])
		}
	}
	assert.Less(t, delivered[len(delivered)-1]-delivered[0], 0.015)
}

func TestRunJournalStartOutsidePlayback(t *testing.T) {
	cal := flowcal.DefaultCalibration()
	c, drive, clock := newTestSetup(t, cal.HomePosition+1, flowcal.DefaultRegisterMap())

	var modeAtStart flowcal.Mode
	var targetsAtStart int
	journal := &recordingJournal{onStart: func() {
		modeAtStart = drive.Mode()
		targetsAtStart = len(targetWrites(drive))
		// a slow journal server
		clock.Advance(300 * time.Millisecond)
	}}
	c.SetJournal(journal, "calibration")

	profile := flowcal.NewProfile(
		flowcal.Point{Time: 0, Value: 1},
		flowcal.Point{Time: 0.1, Value: 2},
		flowcal.Point{Time: 0.2, Value: 3},
	)
	result, err := c.RunPositions(profile)
	require.NoError(t, err)

	assert.True(t, journal.started)
	assert.Equal(t, flowcal.ModeOff, modeAtStart)
	assert.Equal(t, len(targetWrites(drive)), targetsAtStart)

	require.Len(t, result.DeliveryTimes, 3)
	for i, d := range result.DeliveryTimes {
		assert.GreaterOrEqual(t, d, profile.Times[i])
		assert.Less(t, d, profile.Times[i]+0.01)
	}
}

func TestTelemetrySummary(t *testing.T) {
	result := &RunResult{
		ID:      "run",
		Mode:    flowcal.ModeSpeedRamp,
		Times:   []float64{0, 1},
		Summary: Summary{MaxTime: 1, MaxFlow: 2},
	}

	summary := telemetrySummary(result, nil)
	assert.Equal(t, "SpeedRamp", summary.Mode)
	assert.Equal(t, 2, summary.Samples)
	assert.Equal(t, 2.0, summary.MaxFlow)
	assert.Empty(t, summary.Error)

	summary = telemetrySummary(result, errors.New("failed"))
	assert.Equal(t, "failed", summary.Error)
}

func TestRunProfile(t *testing.T) {
	cal := flowcal.DefaultCalibration()

	t.Run("Volume", func(t *testing.T) {
		c, _ := newTestController(t, cal.HomePosition+1)

		volume := c.Syringe().PositionToVolume(4)
		result, err := c.RunProfile(flowcal.NewProfile(
			flowcal.Point{Time: 0, Value: 0},
			flowcal.Point{Time: 0.5, Value: volume},
		), flowcal.UnitVolume)
		require.NoError(t, err)
		assert.Equal(t, flowcal.ModePositionRamp, result.Mode)
		assert.InDelta(t, 4, slices.Max(result.Positions), 0.01)
	})

	t.Run("UnknownUnit", func(t *testing.T) {
		c, drive := newTestController(t, cal.HomePosition+1)

		_, err := c.RunProfile(flowcal.NewProfile(flowcal.Point{Time: 0, Value: 1}), flowcal.Unit("inch"))
		require.Error(t, err)
		assert.Empty(t, drive.Writes())
	})
}
