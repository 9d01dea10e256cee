// Package probes holds the discovery probe implementations and their
// registry. Each probe covers one job type.
package probes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/pkg/types"
)

type registry struct {
	mu     sync.RWMutex
	probes map[types.JobType]core.Probe
}

func NewRegistry() core.ProbeRegistry {
	return &registry{
		probes: make(map[types.JobType]core.Probe),
	}
}

func (r *registry) Register(probe core.Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := probe.Type()
	if !jobType.Valid() {
		return fmt.Errorf("probe %s has unknown job type %s", probe.Name(), jobType)
	}
	if _, exists := r.probes[jobType]; exists {
		return fmt.Errorf("probe for job type %s already registered", jobType)
	}

	r.probes[jobType] = probe
	return nil
}

func (r *registry) Get(jobType types.JobType) (core.Probe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	probe, ok := r.probes[jobType]
	if !ok {
		return nil, fmt.Errorf("no probe registered for job type %s", jobType)
	}
	return probe, nil
}

func (r *registry) List() []types.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobTypes := make([]types.JobType, 0, len(r.probes))
	for jt := range r.probes {
		jobTypes = append(jobTypes, jt)
	}
	sort.Slice(jobTypes, func(i, j int) bool { return jobTypes[i] < jobTypes[j] })
	return jobTypes
}
