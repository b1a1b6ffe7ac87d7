// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Command simrun runs one reservoir simulation case and exits non-zero unless
// the simulator's completion report shows a clean run.
//
// Usage:
//
//	simrun -config sims.yml -simulator eclipse [-version 2019.1] [-num-cpu 4] CASE
//
// The configuration may also be given through the SIMRUN_CONFIG environment
// variable. On success a CASE.OK file is written next to the case.
//
// Exit status is 0 on success, 1 when the simulation failed, 2 on a usage
// error, and 3 when the run could not be set up at all (bad configuration,
// missing input, or an unusable host allocation). Retrying status 3 cannot
// help.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/petenewcomb/jobq-go/internal/telemetry"
	"github.com/petenewcomb/jobq-go/runner"
	"go.uber.org/zap"
)

const configEnv = "SIMRUN_CONFIG"

const (
	exitFailed = 1
	exitUsage  = 2
	exitConfig = 3
)

// configError marks errors in the command's own configuration.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitStatus(err error) int {
	var ce *configError
	var tme *runner.TopologyMismatchError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return exitUsage
	case errors.As(err, &ce),
		errors.As(err, &tme),
		errors.Is(err, runner.ErrMissingInput),
		errors.Is(err, runner.ErrUnreadableInput),
		errors.Is(err, runner.ErrNoMPI),
		errors.Is(err, runner.ErrUnknownSimulator):
		return exitConfig
	default:
		return exitFailed
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(os.Stderr, "simrun:", err)
	}
	os.Exit(exitStatus(err))
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("simrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(configEnv), "simulator configuration `file` (default $"+configEnv+")")
	simName := fs.String("simulator", "eclipse", "simulator `name`")
	version := fs.String("version", "", "simulator `version` (default: the configured default)")
	numCPU := fs.Int("num-cpu", 1, "number of MPI processes")
	ignoreErrors := fs.Bool("ignore-errors", false, "do not check the completion report")
	trace := fs.Bool("trace", false, "write trace spans to standard error")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: simrun [flags] CASE")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return flag.ErrHelp
	}
	if *configPath == "" {
		return &configError{fmt.Errorf("no simulator configuration: use -config or set %s", configEnv)}
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if *trace {
		shutdown, err := telemetry.InstallStdoutTracing(stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("Cannot flush traces", zap.Error(err))
			}
		}()
	}

	cfg, err := runner.LoadConfig(*configPath)
	if err != nil {
		return &configError{err}
	}
	sim, err := cfg.Simulator(*simName, *version)
	if err != nil {
		return err
	}
	c, err := runner.ResolveCase(fs.Arg(0))
	if err != nil {
		return err
	}
	r, err := runner.New(sim, c,
		runner.WithNumCPU(*numCPU),
		runner.WithCheckStatus(!*ignoreErrors),
		runner.WithLogger(logger))
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
