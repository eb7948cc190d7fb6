// Package clock abstracts time so pending-query expiry can be driven
// deterministically in tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock. time.Now carries a monotonic reading,
// so durations computed from it are immune to wall-clock steps.
type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced Clock for tests.
type MockClock struct {
	CurrentTime time.Time
}

// NewMockClock returns a MockClock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{CurrentTime: t}
}

func (c *MockClock) Now() time.Time {
	return c.CurrentTime
}

// Advance moves the clock forward by d (or backward for negative d).
func (c *MockClock) Advance(d time.Duration) {
	c.CurrentTime = c.CurrentTime.Add(d)
}
