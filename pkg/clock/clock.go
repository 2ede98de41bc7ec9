// Package clock provides wall time, monotonic elapsed time and
// correlation ID generation behind one injectable interface.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies time to components that need deterministic tests.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Since returns monotonic elapsed time from t.
	Since(t time.Time) time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now().UTC() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// System returns the real clock.
func System() Clock { return systemClock{} }

// NewCorrelationID returns a fresh UUID v4 correlation identifier.
func NewCorrelationID() string { return uuid.New().String() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake starts a fake clock at t.
func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time { return f.Current }

func (f *Fake) Since(t time.Time) time.Duration { return f.Current.Sub(t) }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
