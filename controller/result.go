package controller

import (
	"time"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/telemetry"
	"github.com/Lars-Olof-Turesson/flowcal/units"
)

// Summary has the statistics shown after a run
type Summary struct {
	MaxTime   float64 `json:"max_time"`
	MinFlow   float64 `json:"min_flow"`
	MaxFlow   float64 `json:"max_flow"`
	MinVolume float64 `json:"min_volume"`
	MaxVolume float64 `json:"max_volume"`
}

// RunResult is the decoded log of one run in physical units. All series except DeliveryTimes and
// Flows share the Times axis.
type RunResult struct {
	ID       string       `json:"id"`
	Mode     flowcal.Mode `json:"mode"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`

	// Period is the time between log samples [s]
	Period float64 `json:"period"`
	// DeliveryTimes is when each profile target was written, in seconds since playback started
	DeliveryTimes []float64 `json:"delivery_times"`

	Times []float64 `json:"times"`
	// Positions [mm] is logged in PositionRamp runs
	Positions []float64 `json:"positions,omitempty"`
	// Velocities [mm/s] is logged in SpeedRamp runs
	Velocities []float64 `json:"velocities,omitempty"`
	// Targets is in the unit of the mode: mm or mm/s
	Targets         []float64 `json:"targets"`
	Pressures       []float64 `json:"pressures"`
	LinearPositions []float64 `json:"linear_positions"`
	// Volumes [ml] is derived from LinearPositions
	Volumes []float64 `json:"volumes"`
	// Flows [ml/s] is the forward difference of LinearPositions, one value per sample interval
	Flows []float64 `json:"flows"`

	Summary Summary `json:"summary"`
}

// newRunResult converts decoded log samples to physical series
func (c *Controller) newRunResult(plan logPlan, samples [4][]LogSample) (*RunResult, error) {
	series := make(map[flowcal.Quantity][]float64, len(plan.channels))
	var targets []float64

	for ch, channel := range plan.channels {
		values := make([]float64, len(samples[ch]))
		for k, s := range samples[ch] {
			values[k] = c.physical(channel, s.Value)
		}
		if channel.Name == "target" {
			targets = values
			continue
		}
		series[channel.Quantity] = values
	}

	result := &RunResult{
		Period:          plan.period(),
		Times:           plan.offsets(),
		Positions:       series[flowcal.QuantityTicks],
		Velocities:      series[flowcal.QuantityTickRate],
		Targets:         targets,
		Pressures:       series[flowcal.QuantityPressure],
		LinearPositions: series[flowcal.QuantityLinearPosition],
	}

	result.Volumes = c.syringe.PositionsToVolumes(result.LinearPositions)

	flows, err := c.syringe.PositionToFlow(result.Times, result.LinearPositions)
	if err != nil {
		return nil, err
	}
	result.Flows = flows

	result.Summary = summarize(result)
	return result, nil
}

func summarize(r *RunResult) Summary {
	var s Summary
	if len(r.Times) > 0 {
		s.MaxTime = r.Times[len(r.Times)-1]
	}
	s.MinFlow, s.MaxFlow = units.Extent(r.Flows)
	s.MinVolume, s.MaxVolume = units.Extent(r.Volumes)
	return s
}

// telemetrySummary is the published form of a run. result may be partial when err is set.
func telemetrySummary(result *RunResult, err error) telemetry.RunSummary {
	summary := telemetry.RunSummary{
		RunID:     result.ID,
		Mode:      result.Mode.String(),
		Started:   result.Started,
		Finished:  result.Finished,
		Samples:   len(result.Times),
		MaxTime:   result.Summary.MaxTime,
		MinFlow:   result.Summary.MinFlow,
		MaxFlow:   result.Summary.MaxFlow,
		MinVolume: result.Summary.MinVolume,
		MaxVolume: result.Summary.MaxVolume,
	}
	if err != nil {
		summary.Error = err.Error()
	}
	return summary
}
