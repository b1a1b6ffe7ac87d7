// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package runner

import (
	"fmt"

	"github.com/petenewcomb/jobq-go/internal/cerr"
	"github.com/petenewcomb/jobq-go/report"
)

// ErrMissingInput is returned when a case's data file does not exist.
const ErrMissingInput = cerr.Error("missing input data file")

// ErrUnreadableInput is returned when a case's data file exists but cannot
// be read.
const ErrUnreadableInput = cerr.Error("unreadable input data file")

// ErrNoMPI is returned when more than one CPU is requested from a simulator
// installation that has no MPI launcher configured.
const ErrNoMPI = cerr.Error("simulator is not MPI enabled")

// ErrUnknownSimulator is returned by [Config.Simulator] when the requested
// simulator or version is not configured.
const ErrUnknownSimulator = cerr.Error("unknown simulator")

// TopologyMismatchError reports that the batch system's host allocation does
// not match the requested CPU count.
type TopologyMismatchError struct {
	NumCPU    int
	MCPUHosts string
	Hosts     string
}

func (e *TopologyMismatchError) Error() string {
	return fmt.Sprintf("host allocation does not match %d cpus: LSB_MCPU_HOSTS=%q LSB_HOSTS=%q",
		e.NumCPU, e.MCPUHosts, e.Hosts)
}

// ExitError reports that the simulator process exited with a non-zero
// status. The completion report is not consulted in that case.
type ExitError struct {
	Executable string
	Code       int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("simulator %s exited with status %d", e.Executable, e.Code)
}

// SimulationError reports that the simulator exited normally but its
// completion report counts errors or bugs.
type SimulationError struct {
	Case   string
	Result report.Result
}

func (e *SimulationError) Error() string {
	return e.Case + ": " + e.Result.Error()
}
