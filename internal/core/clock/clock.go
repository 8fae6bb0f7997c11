// Package clock is the runtime's sole source of time.
//
// Every component that reads the current time, sleeps, or sets a timer does
// so through a Clock handed down from the composition root. Production code
// gets the system clock; tests get a Mock and advance it deterministically.
// No package outside this one calls time.Now for scheduling decisions.
package clock

import "github.com/benbjohnson/clock"

// Clock provides Now, After, Timer, and Ticker. It is the benbjohnson
// clock interface re-exported so subsystems import one local package.
type Clock = clock.Clock

// Mock is a virtual clock for tests. Advance it with Add; timers and
// tickers created from it fire synchronously during the advance.
type Mock = clock.Mock

// Timer re-exports the clock timer so callers can hold one without
// importing the upstream module directly.
type Timer = clock.Timer

// New returns the system clock.
func New() Clock { return clock.New() }

// NewMock returns a virtual clock starting at the zero epoch.
func NewMock() *Mock { return clock.NewMock() }
