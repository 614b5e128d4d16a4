package cleanup

import (
	"time"

	"github.com/benbjohnson/clock"
)

var (
	NextRun = nextRun

	ErrServiceClosed = errServiceClosed
)

// WithClock overrides the wall clock, for tests.
func WithClock(clk clock.Clock) Options {
	return func(o *options) {
		o.clk = clk
	}
}

// WithMaxDegradedDuration overrides the degraded state timeout, for tests.
func WithMaxDegradedDuration(d time.Duration) Options {
	return func(o *options) {
		o.maxDegradedDuration = d
	}
}
