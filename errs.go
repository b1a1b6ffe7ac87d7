// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

type constError string

func (e constError) Error() string {
	return string(e)
}

// ErrDuplicateName is returned by [Registry.Register] and [Queue.Submit] when
// a job with the same name has already been registered.
const ErrDuplicateName = constError("duplicate job name")

// ErrInvalidJob is returned when a [JobSpec] cannot describe a runnable job,
// for instance because it has no executable or a non-positive CPU count.
const ErrInvalidJob = constError("invalid job spec")

// ErrDriverUnreachable should be wrapped by a [Driver] that can no longer
// reach its backend at all. Unlike any other driver error, it aborts
// [Queue.Run] instead of failing a single job.
const ErrDriverUnreachable = constError("driver unreachable")

const errQueueStarted = "queue already started"
