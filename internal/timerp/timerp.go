// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package timerp pools the one-shot timers used for bounded waits.
package timerp

import (
	"sync"
	"time"
)

// Relies on the Go 1.23+ guarantee that Reset and Stop discard any expiry
// still pending in the channel.

var pool = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	},
}

// Get returns a timer that fires after d.
func Get(d time.Duration) *time.Timer {
	t := pool.Get().(*time.Timer)
	t.Reset(d)
	return t
}

// Put stops t and returns it to the pool. The caller must not use t
// afterwards.
func Put(t *time.Timer) {
	t.Stop()
	pool.Put(t)
}
