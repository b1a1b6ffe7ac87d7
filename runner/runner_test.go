// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const cleanReport = " Errors                 0\n Bugs                   0\n"

const errorBlock = ` @--  ERROR  AT TIME        0.0   DAYS    ( 1-JAN-2000):
 @           UNABLE TO OPEN INCLUDED FILE`

// writeScript creates an executable shell script in dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// newCase creates a run directory holding an empty CASE.DATA.
func newCase(t *testing.T) Case {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CASE.DATA"), nil, 0o644))
	c, err := ResolveCase(filepath.Join(dir, "CASE"))
	require.NoError(t, err)
	return c
}

func newTestRunner(t *testing.T, sim Simulator, c Case, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithOutput(io.Discard, io.Discard),
	}, opts...)
	r, err := New(sim, c, opts...)
	require.NoError(t, err)
	return r
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRunSerialSuccess(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	sim := Simulator{
		Name: "fakesim",
		Executable: writeScript(t, t.TempDir(), "fakesim", `
echo "$1" > argv
echo "$SIM_MARKER" > marker
printf '`+cleanReport+`' > "$1.PRT"
`),
		Env: map[string]string{"SIM_MARKER": "from-config"},
	}

	r := newTestRunner(t, sim, c)
	chk.NoError(r.Run(context.Background()))

	chk.Equal("CASE\n", readFile(t, filepath.Join(c.RunPath, "argv")))
	chk.Equal("from-config\n", readFile(t, filepath.Join(c.RunPath, "marker")))
	chk.Equal("FAKESIM simulation OK", readFile(t, c.Path(ExtOK)))
	_, ok := os.LookupEnv("SIM_MARKER")
	chk.False(ok, "runner must not modify its own environment")
}

func TestRunSimulationErrors(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	prt := errorBlock + "\n Errors 1\n Bugs 0\n"
	sim := Simulator{
		Name:       "fakesim",
		Executable: writeScript(t, t.TempDir(), "fakesim", "cat > \"$1.PRT\" <<'EOF'\n"+prt+"EOF\n"),
	}

	r := newTestRunner(t, sim, c)
	err := r.Run(context.Background())
	var simErr *SimulationError
	chk.ErrorAs(err, &simErr)
	chk.Equal(1, simErr.Result.Errors)
	chk.Equal([]string{errorBlock}, simErr.Result.Blocks)
	chk.Contains(err.Error(), "UNABLE TO OPEN INCLUDED FILE")
	chk.NoFileExists(c.Path(ExtOK))
}

func TestRunBugs(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	sim := Simulator{Executable: writeScript(t, t.TempDir(), "sim", `printf ' Errors 0\n Bugs 2\n' > "$1.PRT"`)}

	err := newTestRunner(t, sim, c).Run(context.Background())
	var simErr *SimulationError
	chk.ErrorAs(err, &simErr)
	chk.Equal(2, simErr.Result.Bugs)
	chk.NoFileExists(c.Path(ExtOK))
}

func TestRunNonZeroExit(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	sim := Simulator{Executable: writeScript(t, t.TempDir(), "sim", "printf ' Errors 0\\n' > \"$1.PRT\"\nexit 3\n")}

	err := newTestRunner(t, sim, c).Run(context.Background())
	var exitErr *ExitError
	chk.ErrorAs(err, &exitErr)
	chk.Equal(3, exitErr.Code)
	chk.NoFileExists(c.Path(ExtOK))
}

func TestRunWithoutStatusCheck(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	sim := Simulator{Name: "flow", Executable: writeScript(t, t.TempDir(), "sim", "exit 1\n")}

	r := newTestRunner(t, sim, c, WithCheckStatus(false))
	chk.NoError(r.Run(context.Background()))
	chk.Equal("FLOW simulation complete - NOT checked for errors.", readFile(t, c.Path(ExtOK)))
}

func TestClassifyPrefersEndReport(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	chk.NoError(os.WriteFile(c.Path(ExtReport), []byte(errorBlock+"\n Errors 1\n"), 0o644))
	chk.NoError(os.WriteFile(c.Path(ExtEndReport), []byte(cleanReport), 0o644))

	r := newTestRunner(t, Simulator{Executable: "unused"}, c)
	res, err := r.Classify(context.Background(), 0)
	chk.NoError(err)
	chk.False(res.Failed())
	chk.FileExists(c.Path(ExtOK))
}

func TestClassifyErrorsFromEndReportBlocksFromReport(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	chk.NoError(os.WriteFile(c.Path(ExtReport), []byte(errorBlock+"\n"), 0o644))
	chk.NoError(os.WriteFile(c.Path(ExtEndReport), []byte(" Errors 1\n Bugs 0\n"), 0o644))

	r := newTestRunner(t, Simulator{Executable: "unused"}, c)
	res, err := r.Classify(context.Background(), 0)
	var simErr *SimulationError
	chk.ErrorAs(err, &simErr)
	chk.Equal([]string{errorBlock}, res.Blocks)
}

func TestClassifyMissingReport(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	r := newTestRunner(t, Simulator{Executable: "unused"}, c)
	_, err := r.Classify(context.Background(), 0)
	chk.ErrorIs(err, os.ErrNotExist)
	chk.NoFileExists(c.Path(ExtOK))
}

func TestRunParallel(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	bin := t.TempDir()
	sim := Simulator{
		Name:       "fakesim",
		Executable: writeScript(t, bin, "fakesim", `printf '`+cleanReport+`' > "$1.PRT"`+"\n"),
		MPIRun: writeScript(t, bin, "mpirun", `
echo "$@" > mpirun.argv
shift 4
exec "$@"
`),
	}
	env := map[string]string{EnvHosts: "node1 node2"}
	var probes int
	r := newTestRunner(t, sim, c,
		WithNumCPU(2),
		WithLookupEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
		WithSummaryWait(time.Millisecond, 10*time.Second),
		WithSummaryProbe(func(Case) (int64, bool) { probes++; return 100, true }),
	)
	chk.NoError(r.Run(context.Background()))

	chk.Equal("node1\nnode2\n", readFile(t, c.Path(ExtMachineFile)))
	chk.Equal("-machinefile CASE.mpi -np 2 "+sim.Executable+" CASE\n",
		readFile(t, filepath.Join(c.RunPath, "mpirun.argv")))
	chk.Equal(2, probes)
	chk.Equal("FAKESIM simulation OK", readFile(t, c.Path(ExtOK)))
}

func TestNewRequiresMPI(t *testing.T) {
	chk := require.New(t)
	_, err := New(Simulator{Executable: "sim"}, Case{}, WithNumCPU(4))
	chk.ErrorIs(err, ErrNoMPI)

	_, err = New(Simulator{Executable: "sim"}, Case{}, WithNumCPU(0))
	chk.Error(err)
}

func TestPrepareEnvironmentTopologyMismatch(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	env := map[string]string{EnvMCPUHosts: "node1 2", EnvHosts: "node1 node1"}
	r := newTestRunner(t, Simulator{Executable: "sim", MPIRun: "mpirun"}, c,
		WithNumCPU(3),
		WithLookupEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	err := r.PrepareEnvironment()
	var topoErr *TopologyMismatchError
	chk.ErrorAs(err, &topoErr)
	chk.Equal(3, topoErr.NumCPU)
	chk.NoFileExists(c.Path(ExtMachineFile))
}

func TestPrepareEnvironmentLocalhost(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	r := newTestRunner(t, Simulator{Executable: "sim", MPIRun: "mpirun"}, c,
		WithNumCPU(3),
		WithLookupEnv(func(string) (string, bool) { return "", false }),
		WithHostname(func() (string, error) { return "", errors.New("no hostname") }))

	chk.NoError(r.PrepareEnvironment())
	chk.Equal("localhost\nlocalhost\nlocalhost\n", readFile(t, c.Path(ExtMachineFile)))
}

func TestExecuteMissingInput(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	chk.NoError(os.Remove(filepath.Join(c.RunPath, c.DataFile)))
	r := newTestRunner(t, Simulator{Executable: "sim"}, c)
	_, _, err := r.Execute(context.Background())
	chk.ErrorIs(err, ErrMissingInput)
}

func TestExecuteCanceled(t *testing.T) {
	chk := require.New(t)
	c := newCase(t)
	sim := Simulator{Executable: writeScript(t, t.TempDir(), "sim", "exec sleep 60\n")}
	r := newTestRunner(t, sim, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := r.Execute(ctx)
	chk.ErrorIs(err, context.DeadlineExceeded)
}

// sequence returns a probe that reports samples in order, negative meaning
// not measurable, and then repeats the last one.
func sequence(samples ...int64) func(int) (int64, bool) {
	return func(i int) (int64, bool) {
		s := samples[min(i, len(samples)-1)]
		return s, s >= 0
	}
}

func TestWaitSummary(t *testing.T) {
	ctx := context.Background()
	for name, tc := range map[string]struct {
		probe  func(int) (int64, bool)
		stable bool
	}{
		"stable":         {probe: sequence(10, 20, 20), stable: true},
		"late start":     {probe: sequence(-1, 0, 0, 5, 5), stable: true},
		"never measured": {probe: sequence(-1)},
		"always growing": {probe: func(i int) (int64, bool) { return int64(i + 1), true }},
	} {
		t.Run(name, func(t *testing.T) {
			chk := require.New(t)
			var i int
			r := newTestRunner(t, Simulator{Executable: "sim"}, Case{},
				WithSummaryWait(time.Millisecond, 50*time.Millisecond),
				WithSummaryProbe(func(Case) (int64, bool) {
					defer func() { i++ }()
					return tc.probe(i)
				}))
			stable, err := r.waitSummary(ctx)
			chk.NoError(err)
			chk.Equal(tc.stable, stable)
		})
	}
}

func TestWaitSummaryCanceled(t *testing.T) {
	chk := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newTestRunner(t, Simulator{Executable: "sim"}, Case{}, WithSummaryWait(time.Hour, time.Hour))
	_, err := r.waitSummary(ctx)
	chk.ErrorIs(err, context.Canceled)
}

func TestMergeEnv(t *testing.T) {
	chk := require.New(t)
	got := mergeEnv(
		[]string{"PATH=/bin", "HOME=/root", "LANG=C", "PATH=/usr/bin"},
		map[string]string{"PATH": "/sim/bin", "LANG": "", "ECLPATH": "/ecl", "A": "1"},
	)
	chk.Equal([]string{"PATH=/sim/bin", "HOME=/root", "A=1", "ECLPATH=/ecl"}, got)
}
