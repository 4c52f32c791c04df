package units

import (
	"math"
	"slices"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// Syringe converts between piston motion and fluid volume.
// Units: position [mm], velocity [mm/s], volume [ml], flow [ml/s]
type Syringe struct {
	// Diameter is the inner diameter [mm]
	Diameter float64
}

// NewSyringe uses the syringe diameter from the calibration
func NewSyringe(cal flowcal.Calibration) Syringe {
	return Syringe{Diameter: cal.SyringeDiameter}
}

// Area is the piston cross-section [mm^2]
func (s Syringe) Area() float64 {
	r := s.Diameter / 2
	return math.Pi * r * r
}

// FlowToVelocity converts ml/s to mm/s
func (s Syringe) FlowToVelocity(flow float64) float64 {
	return flow * 1000 / s.Area()
}

// VelocityToFlow converts mm/s to ml/s
func (s Syringe) VelocityToFlow(velocity float64) float64 {
	return velocity * s.Area() / 1000
}

// PositionToVolume converts mm to ml
func (s Syringe) PositionToVolume(position float64) float64 {
	return position * s.Area() / 1000
}

// VolumeToPosition converts ml to mm
func (s Syringe) VolumeToPosition(volume float64) float64 {
	return volume * 1000 / s.Area()
}

// FlowsToVelocities converts a flow series
func (s Syringe) FlowsToVelocities(flows []float64) []float64 {
	return mapSlice(flows, s.FlowToVelocity)
}

// VelocitiesToFlows converts a velocity series
func (s Syringe) VelocitiesToFlows(velocities []float64) []float64 {
	return mapSlice(velocities, s.VelocityToFlow)
}

// PositionsToVolumes converts a position series
func (s Syringe) PositionsToVolumes(positions []float64) []float64 {
	return mapSlice(positions, s.PositionToVolume)
}

// VolumesToPositions converts a volume series
func (s Syringe) VolumesToPositions(volumes []float64) []float64 {
	return mapSlice(volumes, s.VolumeToPosition)
}

// FlowToPosition integrates a flow series into piston positions. The result is aligned with times
// and starts at 0: position[i] = position[i-1] + flow[i-1]*(times[i]-times[i-1]) * 1000/area.
func (s Syringe) FlowToPosition(times, flows []float64) ([]float64, error) {
	volumes, err := Integrate(times, flows)
	if err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return []float64{}, nil
	}

	positions := make([]float64, len(times))
	for i, v := range volumes {
		positions[i+1] = positions[i] + s.VolumeToPosition(v)
	}
	return positions, nil
}

// PositionToFlow differentiates a position series into flows. The result has one value per interval,
// so it is one shorter than the input.
func (s Syringe) PositionToFlow(times, positions []float64) ([]float64, error) {
	if len(times) != len(positions) {
		return nil, flowcal.ErrInputLengthMismatch
	}
	if len(positions) < 2 {
		return []float64{}, nil
	}

	flows := make([]float64, 0, len(positions)-1)
	for i := 1; i < len(positions); i++ {
		dt := times[i] - times[i-1]
		if dt == 0 {
			flows = append(flows, 0)
			continue
		}
		flows = append(flows, s.VelocityToFlow((positions[i]-positions[i-1])/dt))
	}
	return flows, nil
}

// Integrate returns the left-Riemann area of every interval: y[i]*(x[i+1]-x[i]). The result has
// len(x)-1 values.
func Integrate(x, y []float64) ([]float64, error) {
	if len(x) != len(y) {
		return nil, flowcal.ErrInputLengthMismatch
	}
	if len(x) < 2 {
		return []float64{}, nil
	}

	areas := make([]float64, len(x)-1)
	for i := range areas {
		areas[i] = y[i] * (x[i+1] - x[i])
	}
	return areas, nil
}

// Extent returns the minimum and maximum of a series, or zeros when it is empty
func Extent(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return slices.Min(values), slices.Max(values)
}
