// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package report extracts the outcome of a reservoir simulation from the
// simulator's textual completion report: the final error and bug counters and
// the individual timestamped error blocks.
//
// A report looks, in part, like this:
//
//	@--  ERROR  AT TIME        0.0   DAYS    ( 1-JAN-2000):
//	@           UNABLE TO OPEN INCLUDED FILE
//	@           /work/include/PVT.INC
//	...
//	Errors                 1
//	Bugs                   0
//
// Counter lines may appear anywhere in the text and may be repeated; the last
// occurrence of each wins.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/petenewcomb/jobq-go/internal/cerr"
)

// ErrMalformedReport is returned when a report carries neither an error
// counter nor a bug counter line.
const ErrMalformedReport = cerr.Error("malformed report: no error or bug counter")

// BlockSeparator separates error blocks in [Result.Error].
const BlockSeparator = "\n\n...\n\n"

var (
	errorsLine = regexp.MustCompile(`(?i)^\s*errors\s+(\d+)\s*$`)
	bugsLine   = regexp.MustCompile(`(?i)^\s*bugs\s+(\d+)\s*$`)

	// An ERROR marker line carrying the report time and date, followed by any
	// number of body lines that start with the same "@" marker.
	errorBlock = regexp.MustCompile(
		`(?m)^\s@--  ERROR\s+AT TIME\s+(?P<Days>\d+\.\d+)\s+DAYS\s+\((?P<Date>.+):\s*$(\s^\s@.+$)*`)
)

// Result is what a completion report says about a finished simulation.
type Result struct {
	Errors int
	Bugs   int

	// Blocks holds the text of each error block, in report order. It may
	// be shorter than Errors: the counter is authoritative and not every
	// error is reported in block form.
	Blocks []string
}

// Failed reports whether the simulator counted any errors or bugs.
func (r *Result) Failed() bool {
	return r.Errors > 0 || r.Bugs > 0
}

// Error describes the failure. Errors take precedence over bugs, in which
// case the message includes every error block.
func (r *Result) Error() string {
	switch {
	case r.Errors > 0:
		return fmt.Sprintf("simulation failed with %d errors:\n\n%s",
			r.Errors, strings.Join(r.Blocks, BlockSeparator))
	case r.Bugs > 0:
		return fmt.Sprintf("simulation failed with %d bugs", r.Bugs)
	default:
		return "simulation succeeded"
	}
}

// Parse extracts the counters and error blocks from the text of a report. A
// counter that is absent is taken to be zero, but at least one of the two
// must be present.
func Parse(text string) (Result, error) {
	errs, bugs, err := ParseCounters(strings.NewReader(text))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Errors: errs,
		Bugs:   bugs,
		Blocks: ErrorBlocks(text),
	}, nil
}

// ParseCounters scans r line by line for the last "Errors N" and "Bugs N"
// lines. Lines may be of any length. It returns [ErrMalformedReport] if
// neither is found.
func ParseCounters(r io.Reader) (errs, bugs int, err error) {
	var foundErrs, foundBugs bool
	br := bufio.NewReader(r)
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return 0, 0, readErr
		}
		if m := errorsLine.FindStringSubmatch(line); m != nil {
			if errs, err = strconv.Atoi(m[1]); err != nil {
				return 0, 0, fmt.Errorf("bad error counter %q: %w", line, err)
			}
			foundErrs = true
		}
		if m := bugsLine.FindStringSubmatch(line); m != nil {
			if bugs, err = strconv.Atoi(m[1]); err != nil {
				return 0, 0, fmt.Errorf("bad bug counter %q: %w", line, err)
			}
			foundBugs = true
		}
		if readErr == io.EOF {
			break
		}
	}
	if !foundErrs && !foundBugs {
		return 0, 0, ErrMalformedReport
	}
	return errs, bugs, nil
}

// ErrorBlocks returns every non-overlapping error block in text, scanning
// left to right.
func ErrorBlocks(text string) []string {
	return errorBlock.FindAllString(text, -1)
}

// ParseFile reads and parses the report at path.
func ParseFile(path string) (Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	res, err := Parse(string(b))
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}
