// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package runner

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Simulator is one installed simulator version, resolved from a [Config].
type Simulator struct {
	Name    string
	Version string

	// Executable is the simulator binary.
	Executable string

	// MPIRun is the MPI launcher used for parallel runs. Empty means the
	// installation only supports serial runs.
	MPIRun string

	// Env holds environment overrides for the simulator process. An empty
	// value removes the variable.
	Env map[string]string
}

// MPIEnabled reports whether the installation can run on more than one CPU.
func (s *Simulator) MPIEnabled() bool {
	return s.MPIRun != ""
}

// Config describes the simulator installations available on a site. It is
// usually loaded from YAML:
//
//	env:
//	  LM_LICENSE_FILE: 7321@license-server
//	simulators:
//	  eclipse:
//	    default_version: "2019.1"
//	    versions:
//	      "2019.1":
//	        executable: /prog/ecl/2019.1/bin/eclipse
//	        mpirun: /prog/ecl/2019.1/bin/mpirun
//	        env:
//	          ECLPATH: /prog/ecl
//	  flow:
//	    versions:
//	      default:
//	        executable: /usr/bin/flow
type Config struct {
	// Env applies to every simulator; version-level entries take precedence.
	Env        map[string]string          `yaml:"env"`
	Simulators map[string]SimulatorConfig `yaml:"simulators"`
}

// SimulatorConfig lists the installed versions of one simulator.
type SimulatorConfig struct {
	DefaultVersion string                   `yaml:"default_version"`
	Versions       map[string]VersionConfig `yaml:"versions"`
}

// VersionConfig describes one installed version.
type VersionConfig struct {
	Executable string            `yaml:"executable"`
	MPIRun     string            `yaml:"mpirun"`
	Env        map[string]string `yaml:"env"`
}

// LoadConfig reads a YAML simulator configuration from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulator config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML simulator configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing simulator config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, sim := range c.Simulators {
		if len(sim.Versions) == 0 {
			return fmt.Errorf("simulator %q has no versions", name)
		}
		if sim.DefaultVersion != "" {
			if _, ok := sim.Versions[sim.DefaultVersion]; !ok {
				return fmt.Errorf("simulator %q: default version %q is not configured", name, sim.DefaultVersion)
			}
		}
		for version, v := range sim.Versions {
			if v.Executable == "" {
				return fmt.Errorf("simulator %q version %q has no executable", name, version)
			}
		}
	}
	return nil
}

// Simulator resolves an installation. An empty version selects the
// simulator's default version, or its only version if it has just one.
func (c *Config) Simulator(name, version string) (Simulator, error) {
	sim, ok := c.Simulators[name]
	if !ok {
		return Simulator{}, fmt.Errorf("%w: %q (have %v)", ErrUnknownSimulator, name,
			slices.Sorted(maps.Keys(c.Simulators)))
	}
	if version == "" {
		version = sim.DefaultVersion
	}
	if version == "" && len(sim.Versions) == 1 {
		for v := range sim.Versions {
			version = v
		}
	}
	if version == "" {
		return Simulator{}, fmt.Errorf("%w: %q has no default version; specify one of %v",
			ErrUnknownSimulator, name, slices.Sorted(maps.Keys(sim.Versions)))
	}
	v, ok := sim.Versions[version]
	if !ok {
		return Simulator{}, fmt.Errorf("%w: %q version %q (have %v)", ErrUnknownSimulator, name, version,
			slices.Sorted(maps.Keys(sim.Versions)))
	}

	env := maps.Clone(c.Env)
	if env == nil {
		env = make(map[string]string, len(v.Env))
	}
	maps.Copy(env, v.Env)
	return Simulator{
		Name:       name,
		Version:    version,
		Executable: v.Executable,
		MPIRun:     v.MPIRun,
		Env:        env,
	}, nil
}
