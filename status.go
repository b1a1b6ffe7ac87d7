// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

// JobStatus is the lifecycle state of a [Job].
//
// A job starts out Waiting, becomes Submitted once a [Driver] has accepted it,
// Running once the driver reports it as such, and finally one of the terminal
// states Success, FailedPermanently, or Killed. A failed attempt puts the job
// back into Waiting as long as it has submissions left; Failed itself is only
// ever observed transiently inside a single tick of [Queue.Run].
type JobStatus int

const (
	Waiting JobStatus = iota
	Submitted
	Running
	Success
	Failed
	FailedPermanently
	Killed
)

var jobStatusNames = [...]string{
	Waiting:           "waiting",
	Submitted:         "submitted",
	Running:           "running",
	Success:           "success",
	Failed:            "failed",
	FailedPermanently: "failed-permanently",
	Killed:            "killed",
}

func (s JobStatus) String() string {
	if s < 0 || int(s) >= len(jobStatusNames) {
		return "unknown"
	}
	return jobStatusNames[s]
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case Success, FailedPermanently, Killed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job currently occupies a slot with the driver.
func (s JobStatus) IsActive() bool {
	return s == Submitted || s == Running
}

// DriverStatus is what a [Driver] reports when polled.
type DriverStatus int

const (
	// DriverUnknown means the backend could not say; the job is left as is.
	DriverUnknown DriverStatus = iota
	DriverRunning
	DriverSuccess
	DriverFailed
)

func (s DriverStatus) String() string {
	switch s {
	case DriverRunning:
		return "running"
	case DriverSuccess:
		return "success"
	case DriverFailed:
		return "failed"
	default:
		return "unknown"
	}
}
