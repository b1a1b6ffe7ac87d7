// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

import (
	"context"
	"time"
)

// A Handle is a driver's reference to one submitted attempt of a job. The
// queue never looks inside it; it only hands it back to the driver that
// produced it.
type Handle any

// SubmitRequest carries everything a [Driver] needs to place one attempt of
// a job on its backend.
type SubmitRequest struct {
	Executable string
	Args       []string
	RunPath    string
	Name       string
	NumCPU     int
}

// Driver is the backend abstraction a [Queue] dispatches jobs through. Each
// execution environment (local processes, a cluster batch system, ...)
// provides its own implementation.
//
// A Driver must tolerate concurrent calls for distinct handles. Errors are
// treated as failures of the job concerned, which may then be retried, unless
// they wrap [ErrDriverUnreachable], in which case [Queue.Run] stops and
// returns the error.
type Driver interface {
	// Submit places a new attempt and returns its handle.
	Submit(ctx context.Context, req SubmitRequest) (Handle, error)

	// Poll reports the current backend status of an attempt.
	Poll(ctx context.Context, h Handle) (DriverStatus, error)

	// Kill requests cancellation of an attempt. It returns true if the
	// attempt was still alive when the request was made. Kill need not wait
	// for the attempt to actually terminate.
	Kill(ctx context.Context, h Handle) (bool, error)

	// StartTime returns the time the backend started executing the attempt,
	// if it is known yet.
	StartTime(h Handle) (time.Time, bool)
}

// Diagnoser may optionally be implemented by a [Driver] to explain why an
// attempt failed. The returned error is attached to the job and available
// through [Job.Diagnostic].
type Diagnoser interface {
	Diagnostic(h Handle) error
}
