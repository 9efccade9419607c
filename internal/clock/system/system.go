// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements job.Clock using the wall clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After waits for the duration to elapse and then sends the current time.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
