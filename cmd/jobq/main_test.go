// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeJobFile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadJobFile(t *testing.T) {
	chk := require.New(t)
	path := writeJobFile(t, `
max_running: 3
max_submit: 2
poll_interval: 250ms
retry_backoff: 1m
submit_rate: 0.5
jobs:
  - name: a
    executable: /bin/true
  - name: b
    executable: /bin/sh
    args: [-c, "exit 0"]
    run_path: /abs/b
    num_cpu: 4
    max_submit: 5
`)
	jf, err := loadJobFile(path)
	chk.NoError(err)
	chk.Len(jf.Jobs, 2)
	chk.Equal(filepath.Join(filepath.Dir(path), "a"), jf.Jobs[0].RunPath)
	chk.Equal("/abs/b", jf.Jobs[1].RunPath)

	cfg := jf.queueConfig()
	chk.Equal(3, cfg.MaxRunning)
	chk.Equal(2, cfg.MaxSubmit)
	chk.Equal(2, cfg.Size)
	chk.Equal(250*time.Millisecond, cfg.PollInterval)
	chk.Equal(time.Minute, cfg.RetryBackoff)
	chk.InDelta(0.5, float64(cfg.SubmitRate), 1e-9)

	spec := jf.Jobs[1].spec()
	chk.Equal([]string{"-c", "exit 0"}, spec.Args)
	chk.Equal(4, spec.NumCPU)
	chk.Equal(5, spec.MaxSubmit)
}

func TestLoadJobFileErrors(t *testing.T) {
	chk := require.New(t)
	_, err := loadJobFile(writeJobFile(t, "max_running: 2\n"))
	chk.ErrorContains(err, "no jobs")
	_, err = loadJobFile(writeJobFile(t, "jobs: {"))
	chk.Error(err)
	_, err = loadJobFile(filepath.Join(t.TempDir(), "missing.yml"))
	chk.ErrorIs(err, os.ErrNotExist)
}

func TestRunBatch(t *testing.T) {
	chk := require.New(t)
	path := writeJobFile(t, `
poll_interval: 5ms
jobs:
  - name: ok
    executable: /bin/sh
    args: [-c, "touch done"]
  - name: also-ok
    executable: /bin/sh
    args: [-c, "exit 0"]
`)
	var stderr bytes.Buffer
	chk.NoError(run(context.Background(), []string{"-progress", "0", path}, &stderr, nil))
	chk.FileExists(filepath.Join(filepath.Dir(path), "ok", "done"))
}

func TestRunBatchWithFailure(t *testing.T) {
	chk := require.New(t)
	path := writeJobFile(t, `
poll_interval: 5ms
max_submit: 2
jobs:
  - name: ok
    executable: /bin/sh
    args: [-c, "exit 0"]
  - name: bad
    executable: /bin/sh
    args: [-c, "exit 1"]
`)
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-progress", "1ms", path}, &stderr, nil)
	chk.ErrorIs(err, errJobsFailed)
}

func TestRunBatchInterrupted(t *testing.T) {
	chk := require.New(t)
	path := writeJobFile(t, `
poll_interval: 5ms
jobs:
  - name: sleeper
    executable: /bin/sh
    args: [-c, "exec sleep 60"]
`)
	sigs := make(chan os.Signal, 1)
	done := make(chan error, 1)
	var stderr bytes.Buffer
	go func() { done <- run(context.Background(), []string{"-progress", "0", path}, &stderr, sigs) }()

	// Give the job time to start before interrupting.
	time.Sleep(100 * time.Millisecond)
	sigs <- syscall.SIGINT
	select {
	case err := <-done:
		chk.ErrorIs(err, errJobsFailed)
	case <-time.After(10 * time.Second):
		chk.Fail("batch did not stop after interrupt")
	}
}

func TestRunUsage(t *testing.T) {
	chk := require.New(t)
	var stderr bytes.Buffer
	chk.Error(run(context.Background(), nil, &stderr, nil))
	chk.Contains(stderr.String(), "usage: jobq")
}
