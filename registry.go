// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

import (
	"fmt"
	"sync"
)

// Registry is the ordered collection of all jobs known to a queue. Jobs are
// assigned consecutive ids in registration order and can be looked up either
// by id or by name.
//
// The zero value is an empty registry ready to use. A Registry is not itself
// thread-safe; a [Queue] serializes access to its registry.
type Registry struct {
	guard  sync.Locker
	jobs   []*Job
	byName map[string]*Job
}

// NewRegistry returns an empty registry whose jobs synchronize their
// accessors with guard. Passing nil is equivalent to using the zero value.
func NewRegistry(guard sync.Locker) *Registry {
	return &Registry{guard: guard}
}

// Register validates spec, assigns it the next id, and stores the resulting
// job, which starts out [Waiting]. A zero NumCPU or MaxSubmit becomes 1. It
// fails with [ErrDuplicateName] if a job with the same name already exists; in
// that case no id is consumed.
func (r *Registry) Register(spec JobSpec) (*Job, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if _, ok := r.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, spec.Name)
	}
	if spec.NumCPU == 0 {
		spec.NumCPU = 1
	}
	if spec.MaxSubmit == 0 {
		spec.MaxSubmit = 1
	}
	j := &Job{
		guard:  r.guard,
		id:     len(r.jobs),
		spec:   spec,
		status: Waiting,
	}
	if r.byName == nil {
		r.byName = make(map[string]*Job)
	}
	r.jobs = append(r.jobs, j)
	r.byName[spec.Name] = j
	return j, nil
}

// ByID returns the job with the given id, or nil if there is none.
func (r *Registry) ByID(id int) *Job {
	if id < 0 || id >= len(r.jobs) {
		return nil
	}
	return r.jobs[id]
}

// ByName returns the job with the given name, or nil if there is none.
func (r *Registry) ByName(name string) *Job {
	return r.byName[name]
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	return len(r.jobs)
}

// All returns the registered jobs in id order.
func (r *Registry) All() []*Job {
	return r.jobs[:len(r.jobs):len(r.jobs)]
}
