// Package timer provides the clock source used for get_time and task
// accounting.
package timer

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Unit conversions for clock readings.
const (
	// MicrosPerSec is the number of microseconds in a second.
	MicrosPerSec = 1_000_000
	// MicrosPerMsec is the number of microseconds in a millisecond.
	MicrosPerMsec = 1_000
)

// Clock is a monotonic time source.
type Clock interface {
	// Micros returns microseconds since the clock epoch.
	Micros() uint64
	// Millis returns milliseconds since the clock epoch.
	Millis() uint64
}

// MonotonicClock reads CLOCK_MONOTONIC.
type MonotonicClock struct{}

// Micros implements Clock.
func (MonotonicClock) Micros() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*MicrosPerSec + uint64(ts.Nsec)/1000
}

// Millis implements Clock.
func (c MonotonicClock) Millis() uint64 {
	return c.Micros() / MicrosPerMsec
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu     sync.Mutex
	micros uint64
}

// NewManualClock creates a manual clock starting at the given microsecond.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{micros: start}
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(us uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micros += us
}

// Micros implements Clock.
func (c *ManualClock) Micros() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micros
}

// Millis implements Clock.
func (c *ManualClock) Millis() uint64 {
	return c.Micros() / MicrosPerMsec
}

// Split converts microseconds into whole seconds and the remainder.
func Split(us uint64) (sec, usec uint64) {
	return us / MicrosPerSec, us % MicrosPerSec
}
