package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// LatencyStats are round-trip times of one kind of bus transaction
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
}

func (s LatencyStats) String() string {
	return fmt.Sprintf("n=%d min=%s max=%s mean=%s", s.Count, s.Min, s.Max, s.Mean)
}

// Latency is the result of MeasureLatency
type Latency struct {
	Read  LatencyStats `json:"read"`
	Write LatencyStats `json:"write"`
}

// MeasureLatency times n reads of the linear sensor and n writes of a zero target. The motor is turned
// off first so the writes do not move it.
func (c *Controller) MeasureLatency(n int) (Latency, error) {
	if n <= 0 {
		return Latency{}, errors.New("number of transactions must be positive")
	}

	err := c.Stop()
	if err != nil {
		return Latency{}, err
	}

	reads := make([]time.Duration, 0, n)
	writes := make([]time.Duration, 0, n)
	for range n {
		start := c.clock.Now()
		_, err = c.read(flowcal.StepManual, c.registers.LinearPosition)
		if err != nil {
			return Latency{}, err
		}
		reads = append(reads, c.clock.Now().Sub(start))

		start = c.clock.Now()
		err = c.write(flowcal.StepManual, c.registers.TargetInput, 0)
		if err != nil {
			return Latency{}, err
		}
		writes = append(writes, c.clock.Now().Sub(start))
	}

	result := Latency{Read: latencyStats(reads), Write: latencyStats(writes)}
	c.logger.Infow("measured bus latency", "read", result.Read.String(), "write", result.Write.String())
	return result, nil
}

func latencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	s := LatencyStats{Count: len(samples), Min: samples[0], Max: samples[0]}
	var total time.Duration
	for _, d := range samples {
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
		total += d
	}
	s.Mean = total / time.Duration(len(samples))
	return s
}
