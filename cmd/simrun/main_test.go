// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/petenewcomb/jobq-go/runner"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, script string) (configPath, casePath string) {
	t.Helper()
	dir := t.TempDir()
	sim := filepath.Join(dir, "fakesim")
	require.NoError(t, os.WriteFile(sim, []byte("#!/bin/sh\n"+script), 0o755))
	configPath = filepath.Join(dir, "sims.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("simulators:\n  fake:\n    versions:\n      \"1\":\n        executable: "+sim+"\n"), 0o644))
	casePath = filepath.Join(dir, "CASE")
	require.NoError(t, os.WriteFile(casePath+".DATA", nil, 0o644))
	return configPath, casePath
}

func TestRunSuccess(t *testing.T) {
	chk := require.New(t)
	configPath, casePath := setup(t, `printf ' Errors 0\n Bugs 0\n' > "$1.PRT"`)

	var stderr bytes.Buffer
	chk.NoError(run(context.Background(), []string{"-config", configPath, "-simulator", "fake", casePath}, &stderr))
	chk.FileExists(casePath + runner.ExtOK)
}

func TestRunSimulationFailure(t *testing.T) {
	chk := require.New(t)
	configPath, casePath := setup(t, `printf ' Errors 2\n Bugs 0\n' > "$1.PRT"`)

	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-config", configPath, "-simulator", "fake", casePath}, &stderr)
	var simErr *runner.SimulationError
	chk.ErrorAs(err, &simErr)
	chk.NoFileExists(casePath + runner.ExtOK)

	// The same run passes when errors are ignored.
	chk.NoError(run(context.Background(), []string{"-config", configPath, "-simulator", "fake", "-ignore-errors", casePath}, &stderr))
	chk.FileExists(casePath + runner.ExtOK)
}

func TestRunUsage(t *testing.T) {
	chk := require.New(t)
	var stderr bytes.Buffer
	err := run(context.Background(), nil, &stderr)
	chk.True(errors.Is(err, flag.ErrHelp))
	chk.Contains(stderr.String(), "usage: simrun")

	t.Setenv(configEnv, "")
	err = run(context.Background(), []string{"CASE"}, &stderr)
	chk.ErrorContains(err, configEnv)
}

func TestRunNoMPI(t *testing.T) {
	chk := require.New(t)
	configPath, casePath := setup(t, "exit 0\n")
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-config", configPath, "-simulator", "fake", "-num-cpu", "2", casePath}, &stderr)
	chk.ErrorIs(err, runner.ErrNoMPI)
}

func TestExitStatus(t *testing.T) {
	chk := require.New(t)
	configPath, casePath := setup(t, `printf ' Errors 2\n Bugs 0\n' > "$1.PRT"`)
	var stderr bytes.Buffer
	status := func(args ...string) int {
		return exitStatus(run(context.Background(), args, &stderr))
	}

	chk.Equal(exitUsage, status())
	chk.Equal(exitFailed, status("-config", configPath, "-simulator", "fake", casePath))
	chk.Equal(0, status("-config", configPath, "-simulator", "fake", "-ignore-errors", casePath))

	// Setup problems get their own status so that callers do not retry them.
	chk.Equal(exitConfig, status("-config", configPath, "-simulator", "fake", casePath+"-missing"))
	chk.Equal(exitConfig, status("-config", configPath, "-simulator", "nosuch", casePath))
	chk.Equal(exitConfig, status("-config", configPath, "-simulator", "fake", "-num-cpu", "2", casePath))
	chk.Equal(exitConfig, status("-config", filepath.Join(t.TempDir(), "missing.yml"), casePath))
}
