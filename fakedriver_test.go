// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// outcome scripts one attempt of a job on a fakeDriver.
type outcome struct {
	// Number of polls that report the attempt as running before it
	// finishes.
	polls int

	fail      bool
	submitErr error
}

type fakeAttempt struct {
	name    string
	attempt int
	outcome outcome
	polled  int
	killed  bool
	start   time.Time
}

// fakeDriver runs nothing; each attempt follows the outcome scripted for its
// job, defaulting to success after one running poll.
type fakeDriver struct {
	mu        sync.Mutex
	scripts   map[string][]outcome
	attempts  map[string]int
	live      map[*fakeAttempt]bool
	peak      int
	submitted []string
	killed    []string
	pollErr   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		scripts:  make(map[string][]outcome),
		attempts: make(map[string]int),
		live:     make(map[*fakeAttempt]bool),
	}
}

func (d *fakeDriver) script(name string, outcomes ...outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[name] = outcomes
}

func (d *fakeDriver) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.attempts[req.Name]
	d.attempts[req.Name] = n + 1
	o := outcome{polls: 1}
	if s := d.scripts[req.Name]; n < len(s) {
		o = s[n]
	}
	if o.submitErr != nil {
		return nil, o.submitErr
	}
	a := &fakeAttempt{name: req.Name, attempt: n + 1, outcome: o, start: time.Now()}
	d.live[a] = true
	d.peak = max(d.peak, len(d.live))
	d.submitted = append(d.submitted, req.Name)
	return a, nil
}

func (d *fakeDriver) Poll(ctx context.Context, h Handle) (DriverStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollErr != nil {
		return DriverUnknown, d.pollErr
	}
	a := h.(*fakeAttempt)
	if a.killed {
		return DriverFailed, nil
	}
	if a.polled < a.outcome.polls {
		a.polled++
		return DriverRunning, nil
	}
	delete(d.live, a)
	if a.outcome.fail {
		return DriverFailed, nil
	}
	return DriverSuccess, nil
}

func (d *fakeDriver) Kill(ctx context.Context, h Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := h.(*fakeAttempt)
	wasLive := d.live[a]
	a.killed = true
	delete(d.live, a)
	d.killed = append(d.killed, a.name)
	return wasLive, nil
}

func (d *fakeDriver) StartTime(h Handle) (time.Time, bool) {
	return h.(*fakeAttempt).start, true
}

func (d *fakeDriver) Diagnostic(h Handle) error {
	a := h.(*fakeAttempt)
	if a.outcome.fail {
		return errors.New("scripted failure of " + a.name)
	}
	return nil
}

func (d *fakeDriver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *fakeDriver) peakLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *fakeDriver) killedNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.killed...)
}
