// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petenewcomb/jobq-go"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// jobFile is the YAML description of a batch of jobs:
//
//	max_running: 4
//	max_submit: 2
//	poll_interval: 2s
//	jobs:
//	  - name: realization-0
//	    executable: simrun
//	    args: [-simulator, eclipse, CASE]
//	    run_path: runs/realization-0
//
// Relative run paths are resolved against the directory holding the file.
type jobFile struct {
	MaxRunning      int           `yaml:"max_running"`
	MaxSubmit       int           `yaml:"max_submit"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	SubmitRate      float64       `yaml:"submit_rate"`
	Jobs            []jobEntry    `yaml:"jobs"`
}

type jobEntry struct {
	Name       string   `yaml:"name"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	RunPath    string   `yaml:"run_path"`
	NumCPU     int      `yaml:"num_cpu"`
	MaxSubmit  int      `yaml:"max_submit"`
}

func loadJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parsing job file %s: %w", path, err)
	}
	if len(jf.Jobs) == 0 {
		return nil, fmt.Errorf("job file %s lists no jobs", path)
	}
	base := filepath.Dir(path)
	for i := range jf.Jobs {
		j := &jf.Jobs[i]
		if j.RunPath == "" {
			j.RunPath = j.Name
		}
		if !filepath.IsAbs(j.RunPath) {
			j.RunPath = filepath.Join(base, j.RunPath)
		}
	}
	return &jf, nil
}

func (jf *jobFile) queueConfig() jobq.Config {
	return jobq.Config{
		MaxRunning:      jf.MaxRunning,
		MaxSubmit:       jf.MaxSubmit,
		Size:            len(jf.Jobs),
		PollInterval:    jf.PollInterval,
		RetryBackoff:    jf.RetryBackoff,
		MaxRetryBackoff: jf.MaxRetryBackoff,
		SubmitRate:      rate.Limit(jf.SubmitRate),
	}
}

func (e *jobEntry) spec() jobq.JobSpec {
	return jobq.JobSpec{
		Name:       e.Name,
		Executable: e.Executable,
		Args:       e.Args,
		RunPath:    e.RunPath,
		NumCPU:     e.NumCPU,
		MaxSubmit:  e.MaxSubmit,
	}
}
