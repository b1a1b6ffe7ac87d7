// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package runner

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables through which an LSF-style batch system describes
// the hosts allocated to a job.
const (
	// Alternating host names and CPU counts: "host1 4 host2 2".
	EnvMCPUHosts = "LSB_MCPU_HOSTS"

	// One host name per allocated CPU: "host1 host1 host2".
	EnvHosts = "LSB_HOSTS"
)

// ParseMCPUHosts expands an LSB_MCPU_HOSTS value into one host name per CPU.
// A trailing unpaired host name is ignored.
func ParseMCPUHosts(s string) ([]string, error) {
	fields := strings.Fields(s)
	var hosts []string
	for i := 0; i+1 < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i+1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: bad cpu count %q for host %q", EnvMCPUHosts, fields[i+1], fields[i])
		}
		for range n {
			hosts = append(hosts, fields[i])
		}
	}
	return hosts, nil
}

// ParseHosts splits an LSB_HOSTS value.
func ParseHosts(s string) []string {
	return strings.Fields(s)
}

// MachineList picks the hosts an MPI run on numCPU processes should use.
// When the batch system has described an allocation, the paired form takes
// precedence over the flat form, and whichever is used must list exactly
// numCPU entries. Without an allocation every process runs on localhost.
func MachineList(numCPU int, lookupEnv func(string) (string, bool), localhost string) ([]string, error) {
	mcpu, _ := lookupEnv(EnvMCPUHosts)
	flat, _ := lookupEnv(EnvHosts)
	if mcpu == "" && flat == "" {
		hosts := make([]string, numCPU)
		for i := range hosts {
			hosts[i] = localhost
		}
		return hosts, nil
	}

	if hosts, err := ParseMCPUHosts(mcpu); err == nil && len(hosts) == numCPU {
		return hosts, nil
	}
	if hosts := ParseHosts(flat); len(hosts) == numCPU {
		return hosts, nil
	}
	return nil, &TopologyMismatchError{NumCPU: numCPU, MCPUHosts: mcpu, Hosts: flat}
}
