// Package units converts between physical units (mm, mm/s, ml, ml/s, pressure) and the raw units used
// by the drive (ticks, ticks per second, unsigned 16-bit analog samples, time counts). Every function
// is pure and built from a flowcal.Calibration.
package units

import (
	"fmt"
	"math"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// Affine maps a raw sample to a physical value with value = raw*Gain + Bias
type Affine struct {
	Gain float64
	Bias float64
}

// ToPhysical converts a raw sample
func (a Affine) ToPhysical(raw float64) float64 {
	return raw*a.Gain + a.Bias
}

// FromPhysical is the inverse of ToPhysical
func (a Affine) FromPhysical(v float64) float64 {
	return (v - a.Bias) / a.Gain
}

// Converter converts drive values using one calibration
type Converter struct {
	cal      flowcal.Calibration
	pressure Affine
	linear   Affine
}

// NewConverter creates a Converter for the calibration
func NewConverter(cal flowcal.Calibration) Converter {
	return Converter{
		cal:      cal,
		pressure: Affine{Gain: cal.PressureGain, Bias: cal.PressureBias},
		linear:   Affine{Gain: cal.LinearPosGain, Bias: cal.LinearPosBias},
	}
}

// Calibration returns the calibration the converter was built from
func (c Converter) Calibration() flowcal.Calibration {
	return c.cal
}

// PositionToTick converts mm to drive ticks. Positive displacement is negative ticks on this drive.
// Results beyond the int32 range saturate; PositionTicks reports them instead.
func (c Converter) PositionToTick(mm float64) int32 {
	return saturateInt32(c.positionTicks(mm))
}

// PositionTicks converts mm to drive ticks and fails with flowcal.ErrTargetOutOfRange when the result
// is not a number or does not fit a 32-bit register
func (c Converter) PositionTicks(mm float64) (int32, error) {
	return checkedInt32(c.positionTicks(mm), mm)
}

func (c Converter) positionTicks(mm float64) float64 {
	return -math.Round(mm * c.cal.TicksPerRev / c.cal.Pitch)
}

// TickToPosition converts drive ticks to mm
func (c Converter) TickToPosition(ticks int32) float64 {
	return -float64(ticks) * c.cal.Pitch / c.cal.TicksPerRev
}

// MMPerTick is the distance covered by one tick
func (c Converter) MMPerTick() float64 {
	return c.cal.Pitch / c.cal.TicksPerRev
}

// VelocityToTickRate converts mm/s to the speed register unit. Results beyond the int32 range
// saturate.
func (c Converter) VelocityToTickRate(mmPerSec float64) int32 {
	return saturateInt32(c.tickRate(mmPerSec))
}

// VelocityTickRate is VelocityToTickRate with the range check of PositionTicks
func (c Converter) VelocityTickRate(mmPerSec float64) (int32, error) {
	return checkedInt32(c.tickRate(mmPerSec), mmPerSec)
}

func (c Converter) tickRate(mmPerSec float64) float64 {
	return -math.Round(mmPerSec * c.cal.SpeedScale * c.cal.TicksPerRev / c.cal.Pitch / c.cal.VelocityResolution)
}

// TickRateToVelocity converts the speed register unit to mm/s
func (c Converter) TickRateToVelocity(rate int32) float64 {
	return -float64(rate) * c.cal.Pitch * c.cal.VelocityResolution / c.cal.TicksPerRev / c.cal.SpeedScale
}

// TorqueToNm converts raw torque [mNm] to Nm
func (c Converter) TorqueToNm(raw int32) float64 {
	return float64(raw) / c.cal.TorqueScale
}

// DeviceTimeToSeconds converts the drive's time register to seconds
func (c Converter) DeviceTimeToSeconds(counts int32) float64 {
	return float64(counts) / c.cal.DeviceTicksPerSecond
}

// Pressure converts an analog pressure sample
func (c Converter) Pressure(raw uint16) float64 {
	return c.pressure.ToPhysical(float64(raw))
}

// LinearPosition converts an analog linear sensor sample to mm
func (c Converter) LinearPosition(raw uint16) float64 {
	return c.linear.ToPhysical(float64(raw))
}

// LinearPositionToRaw is the inverse of LinearPosition, clamped to the 16-bit sample range
func (c Converter) LinearPositionToRaw(mm float64) uint16 {
	return clampUint16(math.Round(c.linear.FromPhysical(mm)))
}

// PressureToRaw is the inverse of Pressure, clamped to the 16-bit sample range
func (c Converter) PressureToRaw(p float64) uint16 {
	return clampUint16(math.Round(c.pressure.FromPhysical(p)))
}

// TicksToPositions converts a tick series
func (c Converter) TicksToPositions(ticks []int32) []float64 {
	return mapSlice(ticks, c.TickToPosition)
}

// TickRatesToVelocities converts a speed register series
func (c Converter) TickRatesToVelocities(rates []int32) []float64 {
	return mapSlice(rates, c.TickRateToVelocity)
}

// ToSigned16 reinterprets a raw 16-bit bus word as two's-complement
func ToSigned16(word uint16) int16 {
	return int16(word)
}

func checkedInt32(raw, physical float64) (int32, error) {
	if math.IsNaN(raw) || raw < math.MinInt32 || raw > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %g converts to %g, outside the 32-bit register range", flowcal.ErrTargetOutOfRange, physical, raw)
	}
	return int32(raw), nil
}

func saturateInt32(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= math.MinInt32:
		return math.MinInt32
	case v >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(v)
}

func clampUint16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
