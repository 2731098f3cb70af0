// v0
// internal/flowmeter/clock.go
package flowmeter

import "time"

// Clock supplies monotonic milliseconds to the metering loop.
type Clock interface {
	NowMillis() int64
}

// MonotonicClock counts milliseconds since it was created using the runtime's
// monotonic clock reading, so wall clock adjustments do not skew pulse timing.
type MonotonicClock struct {
	origin time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{origin: time.Now()}
}

// NowMillis implements Clock.
func (c *MonotonicClock) NowMillis() int64 {
	return time.Since(c.origin).Milliseconds()
}
