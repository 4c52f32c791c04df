package controller

import (
	"fmt"
	"math"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/units"
)

// LogSample is one decoded value of a log channel. Offset is seconds since logging started.
type LogSample struct {
	Offset float64 `json:"offset"`
	Value  float64 `json:"value"`
}

// logPlan is the logging setup of one run. The drive takes a sample every factor device time counts, so
// 500 samples span the whole profile whatever its length.
type logPlan struct {
	factor         int32
	ticksPerSecond float64
	channels       [flowcal.LogChannels]flowcal.LogChannel
}

// planLog chooses the channels for mode and the sampling factor for a run of duration seconds
func (c *Controller) planLog(duration float64, mode flowcal.Mode) (logPlan, error) {
	channels, err := c.registers.LogChannels(mode)
	if err != nil {
		return logPlan{}, err
	}

	tps := c.conv.Calibration().DeviceTicksPerSecond
	factor := math.Ceil(duration * tps / flowcal.LogCapacity)
	if factor < 1 {
		factor = 1
	}
	if factor-1 > math.MaxInt16 {
		return logPlan{}, fmt.Errorf("%w: %.1f s", flowcal.ErrProfileTooLong, duration)
	}

	return logPlan{
		factor:         int32(factor),
		ticksPerSecond: tps,
		channels:       channels,
	}, nil
}

// periodRegister is the value written to the log period register
func (p logPlan) periodRegister() int32 {
	return p.factor - 1
}

// period is the time between samples [s]
func (p logPlan) period() float64 {
	return float64(p.factor) / p.ticksPerSecond
}

// offsets is the time axis of the log. It is computed from the period, not read from the drive.
func (p logPlan) offsets() []float64 {
	offsets := make([]float64, flowcal.LogCapacity)
	for k := range offsets {
		offsets[k] = float64(k) * float64(p.factor) / p.ticksPerSecond
	}
	return offsets
}

// startLog selects the channels, sets the period and starts logging
func (c *Controller) startLog(plan logPlan) error {
	for ch, channel := range plan.channels {
		err := c.write(flowcal.StepLogSetup, c.registers.LogSelect[ch], int32(channel.Source))
		if err != nil {
			return err
		}
	}

	err := c.write(flowcal.StepLogSetup, c.registers.LogPeriod, plan.periodRegister())
	if err != nil {
		return err
	}

	return c.write(flowcal.StepLogSetup, c.registers.LogState, flowcal.LogStateRunning)
}

func (c *Controller) stopLog() error {
	return c.write(flowcal.StepStop, c.registers.LogState, flowcal.LogStateStopped)
}

// retrieveLog reads the 500 words of every channel window and decodes them
func (c *Controller) retrieveLog(plan logPlan) ([flowcal.LogChannels][]LogSample, error) {
	var samples [flowcal.LogChannels][]LogSample
	offsets := plan.offsets()

	for ch, channel := range plan.channels {
		samples[ch] = make([]LogSample, flowcal.LogCapacity)
		for k := range flowcal.LogCapacity {
			address := c.registers.LogWindow[ch] + uint16(k)
			raw, err := c.read(flowcal.StepRetrieve, flowcal.Register{Address: address, Width: flowcal.Width16})
			if err != nil {
				return samples, err
			}
			samples[ch][k] = LogSample{Offset: offsets[k], Value: decodeWord(uint16(raw), channel.Signed)}
		}
	}

	return samples, nil
}

// decodeWord interprets a log word. Signed channels hold the low word of a two's-complement value.
func decodeWord(word uint16, signed bool) float64 {
	if signed {
		return float64(units.ToSigned16(word))
	}
	return float64(word)
}

// physical converts a decoded log value to the channel's physical unit
func (c *Controller) physical(channel flowcal.LogChannel, value float64) float64 {
	switch channel.Quantity {
	case flowcal.QuantityTicks:
		return c.conv.TickToPosition(int32(value))
	case flowcal.QuantityTickRate:
		return c.conv.TickRateToVelocity(int32(value))
	case flowcal.QuantityPressure:
		return c.conv.Pressure(uint16(value))
	case flowcal.QuantityLinearPosition:
		return c.conv.LinearPosition(uint16(value))
	}
	return value
}
