// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// JobSpec describes a job to be registered with a [Registry] or submitted to
// a [Queue].
type JobSpec struct {
	// Name must be unique within the registry.
	Name string

	// Executable and Args form the command line the driver will launch,
	// typically an invocation of a simulator wrapper such as cmd/simrun.
	Executable string
	Args       []string

	// RunPath is the job's private working directory.
	RunPath string

	// NumCPU defaults to 1.
	NumCPU int

	// MaxSubmit bounds the number of attempts. Zero selects the queue's
	// default (see [Config.MaxSubmit]).
	MaxSubmit int

	// OnDone, if set, is called after the driver reports success. Returning
	// false turns the success into a failed attempt, which is then retried or
	// made permanent like any other failure. This allows a caller to reject a
	// run whose results it cannot use.
	OnDone func(*Job) bool

	// OnRetry, if set, is called each time a failed attempt is put back into
	// the waiting pool.
	OnRetry func(*Job)

	// OnExit, if set, is called once when the job fails permanently.
	OnExit func(*Job)
}

func (s *JobSpec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidJob)
	case s.Executable == "":
		return fmt.Errorf("%w: job %q has no executable", ErrInvalidJob, s.Name)
	case s.NumCPU < 0:
		return fmt.Errorf("%w: job %q has negative cpu count %d", ErrInvalidJob, s.Name, s.NumCPU)
	case s.MaxSubmit < 0:
		return fmt.Errorf("%w: job %q has negative max submit %d", ErrInvalidJob, s.Name, s.MaxSubmit)
	}
	return nil
}

// Job is one schedulable unit of work. Jobs are created by [Registry.Register]
// or [Queue.Submit] and never copied; all accessors are safe to call while the
// owning queue is running.
type Job struct {
	guard sync.Locker

	id   int
	spec JobSpec

	// Guarded by guard.
	status      JobStatus
	submitCount int
	handle      Handle
	startTime   time.Time
	diagnostic  error
}

func (j *Job) lock() func() {
	if j.guard == nil {
		return func() {}
	}
	j.guard.Lock()
	return j.guard.Unlock
}

// ID returns the job's submission index, starting at zero.
func (j *Job) ID() int { return j.id }

// Name returns the job's unique name.
func (j *Job) Name() string { return j.spec.Name }

// Executable returns the program the driver launches for each attempt.
func (j *Job) Executable() string { return j.spec.Executable }

// Args returns a copy of the job's command-line arguments.
func (j *Job) Args() []string { return slices.Clone(j.spec.Args) }

// RunPath returns the job's working directory.
func (j *Job) RunPath() string { return j.spec.RunPath }

// NumCPU returns the number of CPUs requested for each attempt.
func (j *Job) NumCPU() int { return j.spec.NumCPU }

// MaxSubmit returns the maximum number of attempts.
func (j *Job) MaxSubmit() int { return j.spec.MaxSubmit }

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	defer j.lock()()
	return j.status
}

// SubmitCount returns the number of attempts made so far.
func (j *Job) SubmitCount() int {
	defer j.lock()()
	return j.submitCount
}

// StartTime returns the time the current or most recent attempt started
// executing, if the driver has reported it.
func (j *Job) StartTime() (time.Time, bool) {
	defer j.lock()()
	return j.startTime, !j.startTime.IsZero()
}

// Diagnostic returns the error explaining the most recent failed attempt, or
// nil if there was none or the driver could not say.
func (j *Job) Diagnostic() error {
	defer j.lock()()
	return j.diagnostic
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s)", j.id, j.spec.Name)
}

func (j *Job) submitRequest() SubmitRequest {
	return SubmitRequest{
		Executable: j.spec.Executable,
		Args:       slices.Clone(j.spec.Args),
		RunPath:    j.spec.RunPath,
		Name:       j.spec.Name,
		NumCPU:     j.spec.NumCPU,
	}
}
