// Package clock provides an injectable time source. All scheduling and
// endpointing decisions go through a Clock so tests can pin the wall clock.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the time source injected into workers and the dialog runtime.
type Clock interface {
	Now() time.Time
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake creates a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// LocalDate returns the YYYY-MM-DD date of the instant in the given IANA
// timezone. Journal entries and day modes are keyed by this value.
func LocalDate(timezone string, at time.Time) (string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	return at.In(loc).Format("2006-01-02"), nil
}

// LocalClock returns the weekday and HH:MM wall clock of the instant in the
// given IANA timezone, for matching against availability windows.
func LocalClock(timezone string, at time.Time) (time.Weekday, string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, "", fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	local := at.In(loc)
	return local.Weekday(), local.Format("15:04"), nil
}
