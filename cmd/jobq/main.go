// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Command jobq runs a batch of jobs described by a YAML job file as local
// processes, bounding how many run at once and retrying failures.
//
// Usage:
//
//	jobq [-max-running N] [-progress 30s] jobs.yml
//
// The first interrupt stops new jobs from starting and kills the running
// ones; a second one abandons them. The exit status is non-zero unless every
// job succeeded.
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
	"time"

	"github.com/petenewcomb/jobq-go"
	"github.com/petenewcomb/jobq-go/internal/telemetry"
	"github.com/petenewcomb/jobq-go/local"
	"go.uber.org/zap"
)

func main() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	err := run(context.Background(), os.Args[1:], os.Stderr, sigs)
	signal.Stop(sigs)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobq:", err)
		os.Exit(1)
	}
}

// errJobsFailed is returned when the batch completed but not every job
// succeeded.
var errJobsFailed = errors.New("not all jobs succeeded")

func run(ctx context.Context, args []string, stderr io.Writer, sigs <-chan os.Signal) error {
	fs := flag.NewFlagSet("jobq", flag.ContinueOnError)
	fs.SetOutput(stderr)
	maxRunning := fs.Int("max-running", -1, "override the job file's max_running (0 = unlimited)")
	progress := fs.Duration("progress", 30*time.Second, "interval between progress reports (0 disables)")
	trace := fs.Bool("trace", false, "write trace spans to standard error")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: jobq [flags] JOBFILE")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return flag.ErrHelp
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

	jf, err := loadJobFile(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg := jf.queueConfig()
	if *maxRunning >= 0 {
		cfg.MaxRunning = *maxRunning
	}
	cfg.Logger = logger

	driver := &local.Driver{Logger: logger}
	q := jobq.NewQueue(driver, cfg)
	for i := range jf.Jobs {
		if _, err := q.Submit(jf.Jobs[i].spec()); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchSignals(ctx, q, sigs, cancel, logger)
	if *progress > 0 {
		go reportProgress(ctx, q, *progress, logger)
	}

	runErr := q.Run(ctx)
	if runErr != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := driver.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Processes left running", zap.Int("count", driver.Running()), zap.Error(err))
		}
	}

	c := q.Counts()
	logger.Info("Batch done",
		zap.Int("success", c.Success),
		zap.Int("failed", c.FailedPermanently),
		zap.Int("killed", c.Killed),
		zap.Int("not_started", c.Waiting))
	for id := range q.Len() {
		if j := q.Job(id); j.Status() != jobq.Success {
			logger.Warn("Job did not succeed",
				zap.String("name", j.Name()),
				zap.Stringer("status", j.Status()),
				zap.Int("attempts", j.SubmitCount()),
				zap.Error(j.Diagnostic()))
		}
	}
	if runErr != nil {
		return runErr
	}
	if c.Success != c.Total() {
		return errJobsFailed
	}
	return nil
}

// watchSignals kills every job on the first signal and abandons the queue
// on the second.
func watchSignals(ctx context.Context, q *jobq.Queue, sigs <-chan os.Signal, cancel context.CancelFunc, logger *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case sig := <-sigs:
		logger.Warn("Killing all jobs", zap.Stringer("signal", sig))
	}
	go func() {
		if !q.KillAll(ctx) {
			logger.Warn("Cannot kill jobs")
		}
	}()
	select {
	case <-ctx.Done():
	case sig := <-sigs:
		logger.Warn("Abandoning queue", zap.Stringer("signal", sig))
		cancel()
	}
}

func reportProgress(ctx context.Context, q *jobq.Queue, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fields := []zap.Field{zap.Int("total", q.Len())}
		for status, n := range q.Counts().ByStatus() {
			fields = append(fields, zap.Int(status.String(), n))
		}
		logger.Info("Progress", fields...)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
