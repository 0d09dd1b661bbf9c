// Package clock provides an injectable time source so dispatch,
// election, and failure-tracking logic can be driven deterministically
// in tests instead of depending on wall-clock time directly.
package clock

import "time"

// Clock abstracts the parts of time.Now a coordination loop needs.
type Clock interface {
	Now() time.Time
	NowMs() int64
}

// Real is the production clock, backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// NowMs returns the current Unix time in milliseconds.
func (Real) NowMs() int64 { return time.Now().UnixMilli() }

// Fake is a manually-advanced clock for unit tests.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

// Now returns the fake clock's current value.
func (f *Fake) Now() time.Time { return f.t }

// NowMs returns the fake clock's current value in Unix milliseconds.
func (f *Fake) NowMs() int64 { return f.t.UnixMilli() }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.t = t }
