// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package local provides a [jobq.Driver] that runs each job as a child
// process of the current one.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petenewcomb/jobq-go"
	"github.com/petenewcomb/jobq-go/internal/telemetry"
	"go.uber.org/zap"
)

// Driver launches attempts with [os/exec]. Each attempt's standard output and
// error are appended to "<name>.stdout" and "<name>.stderr" in the job's run
// directory, which is created if necessary.
//
// The zero value is ready to use.
type Driver struct {
	// Logger defaults to the global zap logger.
	Logger *zap.Logger

	mu    sync.Mutex
	procs map[uuid.UUID]*process
}

type process struct {
	id    uuid.UUID
	name  string
	cmd   *exec.Cmd
	start time.Time
	done  chan struct{}

	// Valid once done is closed.
	err error
}

var _ jobq.Driver = (*Driver)(nil)
var _ jobq.Diagnoser = (*Driver)(nil)

func (d *Driver) logger() *zap.Logger {
	return telemetry.Logger(d.Logger)
}

func handle(h jobq.Handle) (*process, error) {
	p, ok := h.(*process)
	if !ok || p == nil {
		return nil, fmt.Errorf("not a local process handle: %T", h)
	}
	return p, nil
}

// Submit starts the job's executable and returns without waiting for it.
// NumCPU is ignored; parallel jobs are expected to launch their own MPI
// processes.
func (d *Driver) Submit(ctx context.Context, req jobq.SubmitRequest) (jobq.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runPath := req.RunPath
	if runPath == "" {
		runPath = "."
	}
	if err := os.MkdirAll(runPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating run path: %w", err)
	}
	stdout, err := openLog(runPath, req.Name+".stdout")
	if err != nil {
		return nil, err
	}
	defer stdout.Close()
	stderr, err := openLog(runPath, req.Name+".stderr")
	if err != nil {
		return nil, err
	}
	defer stderr.Close()

	// The process outlives ctx, which only bounds the submission itself.
	cmd := exec.Command(req.Executable, req.Args...)
	cmd.Dir = runPath
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Executable, err)
	}

	p := &process{
		id:    uuid.New(),
		name:  req.Name,
		cmd:   cmd,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	d.mu.Lock()
	if d.procs == nil {
		d.procs = make(map[uuid.UUID]*process)
	}
	d.procs[p.id] = p
	d.mu.Unlock()

	d.logger().Debug("Process started",
		zap.String("name", p.name),
		zap.Stringer("handle", p.id),
		zap.Int("pid", cmd.Process.Pid))
	go d.wait(p)
	return p, nil
}

func openLog(dir, name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (d *Driver) wait(p *process) {
	p.err = p.cmd.Wait()
	close(p.done)
	d.mu.Lock()
	delete(d.procs, p.id)
	d.mu.Unlock()
	d.logger().Debug("Process exited",
		zap.String("name", p.name),
		zap.Stringer("handle", p.id),
		zap.Int("exit_code", p.cmd.ProcessState.ExitCode()))
}

// Poll reports whether the process is still running and, if not, whether it
// exited with status zero.
func (d *Driver) Poll(ctx context.Context, h jobq.Handle) (jobq.DriverStatus, error) {
	p, err := handle(h)
	if err != nil {
		return jobq.DriverUnknown, err
	}
	select {
	case <-p.done:
		if p.err != nil {
			return jobq.DriverFailed, nil
		}
		return jobq.DriverSuccess, nil
	default:
		return jobq.DriverRunning, nil
	}
}

// Kill sends the process a kill signal. It returns false if the process had
// already exited.
func (d *Driver) Kill(ctx context.Context, h jobq.Handle) (bool, error) {
	p, err := handle(h)
	if err != nil {
		return false, err
	}
	select {
	case <-p.done:
		return false, nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.done:
			return false, nil
		default:
			return false, err
		}
	}
	d.logger().Debug("Process killed", zap.String("name", p.name), zap.Stringer("handle", p.id))
	return true, nil
}

// StartTime returns the time the process was started.
func (d *Driver) StartTime(h jobq.Handle) (time.Time, bool) {
	p, err := handle(h)
	if err != nil {
		return time.Time{}, false
	}
	return p.start, true
}

// Diagnostic returns the error from waiting on an exited process, typically
// an [*exec.ExitError].
func (d *Driver) Diagnostic(h jobq.Handle) error {
	p, err := handle(h)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Running returns the number of processes that have not exited yet.
func (d *Driver) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.procs)
}

// Shutdown kills every process still running and waits for them to exit or
// for ctx to be done.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	procs := make([]*process, 0, len(d.procs))
	for _, p := range d.procs {
		procs = append(procs, p)
	}
	d.mu.Unlock()

	for _, p := range procs {
		if _, err := d.Kill(ctx, p); err != nil {
			d.logger().Warn("Cannot kill process", zap.String("name", p.name), zap.Error(err))
		}
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
