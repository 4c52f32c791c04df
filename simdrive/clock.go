package simdrive

import (
	"sync"
	"time"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// Clock is a fake monotonic clock. Every call to Now moves it forward by a fixed step so a busy loop
// polling it makes progress without sleeping.
type Clock struct {
	mtx  sync.Mutex
	now  time.Time
	step time.Duration
}

var _ flowcal.Clock = &Clock{}

// NewClock creates a Clock that advances by step on every reading
func NewClock(step time.Duration) *Clock {
	return &Clock{
		now:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		step: step,
	}
}

// Now returns the current fake time and then advances it
func (c *Clock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Advance moves the clock forward without reading it
func (c *Clock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

// Peek returns the current fake time without advancing it
func (c *Clock) Peek() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}
