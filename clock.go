package flowcal

import "time"

// Clock is the monotonic time source used to schedule playback
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock, which carries Go's monotonic reading
type SystemClock struct{}

var _ Clock = SystemClock{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
