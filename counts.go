// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

// Counts is a snapshot of how many of a queue's jobs are in each status. It is
// computed from the jobs themselves each time it is requested.
type Counts struct {
	Waiting           int
	Submitted         int
	Running           int
	Success           int
	FailedPermanently int
	Killed            int
}

func countJobs(jobs []*Job) Counts {
	var c Counts
	for _, j := range jobs {
		c.add(j.status)
	}
	return c
}

func (c *Counts) add(s JobStatus) {
	switch s {
	case Waiting, Failed:
		c.Waiting++
	case Submitted:
		c.Submitted++
	case Running:
		c.Running++
	case Success:
		c.Success++
	case FailedPermanently:
		c.FailedPermanently++
	case Killed:
		c.Killed++
	}
}

// Pending returns the number of jobs waiting to be dispatched, including
// those sitting out a retry backoff.
func (c Counts) Pending() int { return c.Waiting }

// Active returns the number of jobs occupying a driver slot.
func (c Counts) Active() int { return c.Submitted + c.Running }

// Complete returns the number of jobs in a terminal status.
func (c Counts) Complete() int { return c.Success + c.FailedPermanently + c.Killed }

// Total returns the number of registered jobs.
func (c Counts) Total() int { return c.Pending() + c.Active() + c.Complete() }

// ByStatus returns the non-zero counts keyed by status, suitable for progress
// displays.
func (c Counts) ByStatus() map[JobStatus]int {
	m := make(map[JobStatus]int, 6)
	for s, n := range map[JobStatus]int{
		Waiting:           c.Waiting,
		Submitted:         c.Submitted,
		Running:           c.Running,
		Success:           c.Success,
		FailedPermanently: c.FailedPermanently,
		Killed:            c.Killed,
	} {
		if n > 0 {
			m[s] = n
		}
	}
	return m
}
