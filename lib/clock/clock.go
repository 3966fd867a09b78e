// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that the bridge, scheduler, and
// enrollment loops can be driven deterministically in tests.
// Production code injects Real(); tests inject Fake() and advance it
// manually.
package clock

import "time"

// Clock is the time source injected into every component that ticks,
// sleeps, or stamps events. Code under this module never calls
// time.Now, time.After, time.NewTicker, or time.Sleep directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks are dropped, not queued, when the consumer falls behind
// (matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the tick cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
