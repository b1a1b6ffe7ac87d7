// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package runner executes a single reservoir simulation and decides whether
// it succeeded. It prepares the simulator's environment and, for parallel
// runs, the MPI machine file, launches the simulator in the case's run
// directory, and then classifies the outcome from the exit status and the
// simulator's own completion report. Success is recorded by writing an
// "<base>.OK" file next to the case.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/petenewcomb/jobq-go/internal/telemetry"
	"github.com/petenewcomb/jobq-go/report"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultSummaryInterval = time.Second
	DefaultSummaryTimeout  = 15 * time.Second
)

// Run-directory file extensions.
const (
	ExtMachineFile = ".mpi"
	ExtOK          = ".OK"
	ExtEndReport   = ".ECLEND"
	ExtReport      = ".PRT"
	ExtSummary     = ".UNSMRY"
)

// Option configures a [Runner].
type Option func(*Runner)

// WithNumCPU sets the number of processes. More than one requires an MPI
// enabled simulator.
func WithNumCPU(n int) Option {
	return func(r *Runner) { r.numCPU = n }
}

// WithCheckStatus controls whether the completion report is checked. When
// disabled, any run that could be launched is recorded as complete.
func WithCheckStatus(check bool) Option {
	return func(r *Runner) { r.checkStatus = check }
}

// WithLogger sets the logger; the default is the global zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithLookupEnv replaces [os.LookupEnv] for reading the batch system's host
// allocation.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(r *Runner) { r.lookupEnv = f }
}

// WithHostname replaces [os.Hostname] for the local machine list.
func WithHostname(f func() (string, error)) Option {
	return func(r *Runner) { r.hostname = f }
}

// WithSummaryWait sets how often and for how long a parallel run's summary
// output is sampled before the run is accepted.
func WithSummaryWait(interval, timeout time.Duration) Option {
	return func(r *Runner) {
		r.summaryInterval = interval
		r.summaryTimeout = timeout
	}
}

// WithSummaryProbe replaces the function that measures the summary output.
// It returns false if the output cannot be measured yet.
func WithSummaryProbe(f func(Case) (int64, bool)) Option {
	return func(r *Runner) { r.summaryProbe = f }
}

// WithOutput redirects the simulator's standard output and error. By default
// they are inherited.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// Runner runs one case on one simulator installation. A Runner is meant to
// be used once, from a single goroutine.
type Runner struct {
	sim             Simulator
	c               Case
	numCPU          int
	checkStatus     bool
	logger          *zap.Logger
	metrics         *telemetry.RunnerMetrics
	lookupEnv       func(string) (string, bool)
	hostname        func() (string, error)
	summaryInterval time.Duration
	summaryTimeout  time.Duration
	summaryProbe    func(Case) (int64, bool)
	stdout          io.Writer
	stderr          io.Writer

	// Set by PrepareEnvironment.
	env []string
}

// New creates a runner for case c on sim.
func New(sim Simulator, c Case, opts ...Option) (*Runner, error) {
	r := &Runner{
		sim:             sim,
		c:               c,
		numCPU:          1,
		checkStatus:     true,
		lookupEnv:       os.LookupEnv,
		hostname:        os.Hostname,
		summaryInterval: DefaultSummaryInterval,
		summaryTimeout:  DefaultSummaryTimeout,
		summaryProbe:    summarySize,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.Logger(r.logger).With(
		zap.String("case", c.String()),
		zap.String("simulator", sim.Name),
		zap.String("version", sim.Version))
	r.metrics = telemetry.NewRunnerMetrics()

	if r.numCPU < 1 {
		return nil, fmt.Errorf("invalid cpu count %d", r.numCPU)
	}
	if r.numCPU > 1 && !sim.MPIEnabled() {
		return nil, fmt.Errorf("%w: %d cpus requested from %s %s", ErrNoMPI, r.numCPU, sim.Name, sim.Version)
	}
	return r, nil
}

// Case returns the case being run.
func (r *Runner) Case() Case { return r.c }

// NumCPU returns the number of processes the simulator is launched with.
func (r *Runner) NumCPU() int { return r.numCPU }

// PrepareEnvironment computes the simulator process's environment from the
// current one and the installation's overrides. For parallel runs it also
// writes the machine file. The runner's own process environment is never
// modified.
func (r *Runner) PrepareEnvironment() error {
	r.env = mergeEnv(os.Environ(), r.sim.Env)
	if r.numCPU == 1 {
		return nil
	}

	localhost, err := r.hostname()
	if err != nil {
		r.logger.Warn("Cannot determine hostname, using localhost", zap.Error(err))
		localhost = "localhost"
	}
	hosts, err := MachineList(r.numCPU, r.lookupEnv, localhost)
	if err != nil {
		return err
	}
	path := r.c.Path(ExtMachineFile)
	if err := os.WriteFile(path, []byte(strings.Join(hosts, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing machine file: %w", err)
	}
	r.logger.Debug("Machine file written", zap.String("path", path), zap.Strings("hosts", hosts))
	return nil
}

// mergeEnv applies overrides to base, a list of "key=value" entries. Empty
// override values remove the variable. New variables are appended in key
// order.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		v, ok := overrides[k]
		switch {
		case !ok:
			env = append(env, kv)
		case v != "" && !seen[k]:
			env = append(env, k+"="+v)
		}
		seen[k] = true
	}
	var added []string
	for k, v := range overrides {
		if !seen[k] && v != "" {
			added = append(added, k+"="+v)
		}
	}
	slices.Sort(added)
	return append(env, added...)
}

func (r *Runner) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if r.numCPU == 1 {
		cmd = exec.CommandContext(ctx, r.sim.Executable, r.c.Base)
	} else {
		cmd = exec.CommandContext(ctx, r.sim.MPIRun,
			"-machinefile", r.c.Base+ExtMachineFile,
			"-np", fmt.Sprint(r.numCPU),
			r.sim.Executable, r.c.Base)
	}
	cmd.Dir = r.c.RunPath
	cmd.Env = r.env
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	return cmd
}

// Execute launches the simulator in the run directory and waits for it to
// exit. A non-zero exit code is not an error here; see [Runner.Classify].
// Errors are reserved for a missing or unreadable data file, a simulator
// that cannot be started, and cancellation of ctx.
func (r *Runner) Execute(ctx context.Context) (exitCode int, duration time.Duration, err error) {
	dataPath := filepath.Join(r.c.RunPath, r.c.DataFile)
	f, err := os.Open(dataPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingInput, dataPath)
	case err != nil:
		return 0, 0, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
	}
	f.Close()

	cmd := r.command(ctx)
	r.logger.Info("Starting simulator", zap.Strings("argv", cmd.Args), zap.Int("num_cpu", r.numCPU))
	start := time.Now()
	err = cmd.Run()
	duration = time.Since(start)
	r.metrics.ExecDuration.Record(ctx, duration)

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return 0, duration, ctx.Err()
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil:
		return 0, duration, fmt.Errorf("starting simulator: %w", err)
	}
	r.logger.Info("Simulator exited", zap.Int("exit_code", exitCode), zap.Duration("duration", duration))
	return exitCode, duration, nil
}

// Classify decides the outcome of a run that exited with exitCode, and
// writes the OK file if it succeeded. The returned result is nil if the
// report was not consulted.
//
// A failing run yields an [*ExitError] or a [*SimulationError]; any other
// error means the outcome could not be determined, for instance because the
// report is missing or malformed.
func (r *Runner) Classify(ctx context.Context, exitCode int) (*report.Result, error) {
	if !r.checkStatus {
		return nil, r.writeOK("simulation complete - NOT checked for errors.")
	}
	if exitCode != 0 {
		return nil, &ExitError{Executable: r.sim.Executable, Code: exitCode}
	}

	res, err := r.readReport()
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return &res, &SimulationError{Case: r.c.String(), Result: res}
	}

	if r.numCPU > 1 {
		if _, err := r.waitSummary(ctx); err != nil {
			return &res, err
		}
	}
	return &res, r.writeOK("simulation OK")
}

// readReport reads the counters from the end report, falling back to the
// full report, and the error blocks from the full report.
func (r *Runner) readReport() (report.Result, error) {
	path := r.c.Path(ExtEndReport)
	if _, err := os.Stat(path); err != nil {
		path = r.c.Path(ExtReport)
	}
	f, err := os.Open(path)
	if err != nil {
		return report.Result{}, fmt.Errorf("reading completion report: %w", err)
	}
	defer f.Close()
	errs, bugs, err := report.ParseCounters(f)
	if err != nil {
		return report.Result{}, fmt.Errorf("%s: %w", path, err)
	}

	res := report.Result{Errors: errs, Bugs: bugs}
	if errs > 0 {
		text, err := os.ReadFile(r.c.Path(ExtReport))
		if err != nil {
			r.logger.Warn("Cannot read error blocks", zap.Error(err))
		} else {
			res.Blocks = report.ErrorBlocks(string(text))
		}
	}
	return res, nil
}

// waitSummary gives a parallel run's summary output a bounded amount of time
// to stop growing. It reports whether the output stabilized; running out of
// time is not an error.
func (r *Runner) waitSummary(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		r.metrics.SummaryWaitTimes.Record(ctx, time.Since(start))
	}()

	ticker := time.NewTicker(r.summaryInterval)
	defer ticker.Stop()
	var prev int64
	for time.Since(start) <= r.summaryTimeout {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		size, ok := r.summaryProbe(r.c)
		if !ok || size == 0 {
			continue
		}
		if size == prev {
			r.logger.Debug("Summary output stable", zap.Int64("size", size))
			return true, nil
		}
		prev = size
	}
	r.logger.Warn("Summary output did not stabilize; accepting run",
		zap.Duration("timeout", r.summaryTimeout), zap.Int64("size", prev))
	return false, nil
}

func summarySize(c Case) (int64, bool) {
	fi, err := os.Stat(c.Path(ExtSummary))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

func (r *Runner) writeOK(status string) error {
	msg := status
	if r.sim.Name != "" {
		msg = strings.ToUpper(r.sim.Name) + " " + status
	}
	if err := os.WriteFile(r.c.Path(ExtOK), []byte(msg), 0o644); err != nil {
		return fmt.Errorf("writing OK file: %w", err)
	}
	return nil
}

// Run prepares the environment, executes the simulator, and classifies the
// outcome. It returns nil only if the run succeeded and the OK file was
// written.
func (r *Runner) Run(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "simrun.Run",
		attribute.String("case", r.c.String()),
		attribute.String("simulator", r.sim.Name),
		attribute.String("version", r.sim.Version),
		attribute.Int("num_cpu", r.numCPU))
	defer func() {
		if err != nil {
			r.metrics.Failures.Add(ctx)
			r.logger.Error("Simulation failed", zap.Error(err))
		}
		telemetry.EndSpan(span, err)
	}()
	r.metrics.Runs.Add(ctx)

	if err := r.PrepareEnvironment(); err != nil {
		return err
	}
	code, _, err := r.Execute(ctx)
	if err != nil {
		return err
	}
	res, err := r.Classify(ctx, code)
	if err != nil {
		return err
	}
	if res != nil {
		r.logger.Info("Simulation OK", zap.Int("errors", res.Errors), zap.Int("bugs", res.Bugs))
	} else {
		r.logger.Info("Simulation complete, not checked for errors")
	}
	return nil
}
