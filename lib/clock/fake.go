// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time never moves on its
// own; tests call Advance to release pending waiters. All methods are
// safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After channel or ticker tick.
type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	// period is non-zero for tickers: after firing, the waiter is
	// rescheduled period later instead of removed.
	period  time.Duration
	stopped bool
}

// NewFake returns a Fake clock starting at a fixed, arbitrary epoch.
// The starting instant is deliberately not time.Now() so tests that
// accidentally compare against the real clock fail loudly.
func NewFake() *Fake {
	return &Fake{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when the fake clock advances
// past d from now. If d <= 0 the channel fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// NewTicker returns a ticker driven by Advance. Panics if d <= 0,
// matching time.NewTicker.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: f.now.Add(d), ch: ch, period: d}
	f.waiters = append(f.waiters, waiter)
	return &Ticker{C: ch, stopFunc: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		waiter.stopped = true
	}}
}

// Sleep blocks until the fake clock advances past d. A test goroutine
// must call Advance concurrently or Sleep never returns.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves the fake clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Ticker waiters
// fire repeatedly if d spans multiple periods.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)

	for {
		// Find the earliest unfired waiter within the window.
		sort.SliceStable(f.waiters, func(i, j int) bool {
			return f.waiters[i].deadline.Before(f.waiters[j].deadline)
		})
		fired := false
		for i, waiter := range f.waiters {
			if waiter.stopped {
				continue
			}
			if waiter.deadline.After(target) {
				continue
			}
			f.now = waiter.deadline
			select {
			case waiter.ch <- f.now:
			default:
				// Consumer fell behind; drop the tick like time.Ticker.
			}
			if waiter.period > 0 {
				waiter.deadline = waiter.deadline.Add(waiter.period)
			} else {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			}
			fired = true
			break
		}
		if !fired {
			break
		}
	}
	f.now = target
}
