package core

import "time"

// Clock is the time source for every component that reads "now".
// Injectable so tests can pin time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

// Now returns the current UTC instant
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

// Now returns the pinned instant
func (c FixedClock) Now() time.Time {
	return c.T
}
