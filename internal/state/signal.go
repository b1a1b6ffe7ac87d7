// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package state provides the synchronization primitives shared by the queue's
// control loop and its blocking helpers.
package state

import "sync/atomic"

// Signal broadcasts "something changed" to any number of waiters. A waiter
// obtains the current generation's channel from Wait, re-checks whatever
// condition it cares about, and then blocks on the channel, which is closed
// by the next call to Notify. Notifications are never lost because the
// channel is obtained before the condition is checked.
//
// The zero value is ready to use.
type Signal struct {
	ch atomic.Pointer[chan struct{}]
}

// Wait returns a channel that will be closed by the next call to Notify.
func (s *Signal) Wait() <-chan struct{} {
	ch := s.ch.Load()
	if ch == nil {
		fresh := make(chan struct{})
		if s.ch.CompareAndSwap(nil, &fresh) {
			return fresh
		}
		ch = s.ch.Load()
	}
	return *ch
}

// Notify wakes every goroutine blocked on a channel previously returned by
// Wait.
func (s *Signal) Notify() {
	fresh := make(chan struct{})
	if old := s.ch.Swap(&fresh); old != nil {
		close(*old)
	}
}
