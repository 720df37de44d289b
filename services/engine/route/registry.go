// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package route

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/NumericBible/services/engine/backends"
)

// historyWindow is the number of recent invocations kept per backend for
// success-rate and latency estimation.
const historyWindow = 50

// BackendDescriptor describes one registered inference backend.
//
// Backends are data, not subclasses: the Router's selection policy is a
// pure function over the descriptor table and the circuit table.
//
// Thread Safety: Safe for concurrent use; the rolling history is locked
// internally.
type BackendDescriptor struct {
	// ID is the backend identity, shared with the Circuit Breaker.
	ID string `json:"id"`

	// Capabilities is the set of task types the backend can serve.
	Capabilities []backends.TaskType `json:"capabilities"`

	// NominalLatency is the declared typical invocation latency.
	NominalLatency time.Duration `json:"nominal_latency"`

	mu        sync.Mutex
	outcomes  []bool          // true = success, newest last
	latencies []time.Duration // observed, parallel to outcomes
}

// CanServe reports whether the backend declares the task type.
func (d *BackendDescriptor) CanServe(t backends.TaskType) bool {
	for _, c := range d.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// RecordOutcome appends one invocation result to the rolling history.
func (d *BackendDescriptor) RecordOutcome(success bool, observed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.outcomes = append(d.outcomes, success)
	d.latencies = append(d.latencies, observed)
	if len(d.outcomes) > historyWindow {
		d.outcomes = d.outcomes[1:]
		d.latencies = d.latencies[1:]
	}
}

// SuccessRate returns the fraction of recent invocations that succeeded.
//
// An unused backend reports 1.0 so new backends are not starved before
// their first call.
func (d *BackendDescriptor) SuccessRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range d.outcomes {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(d.outcomes))
}

// LatencyOverrun returns the normalized overrun of observed latency against
// the declared nominal latency, clamped to [0, 1].
//
// 0 means the backend runs at or under its declared latency; 1 means it
// runs at double the declaration or worse.
func (d *BackendDescriptor) LatencyOverrun() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.latencies) == 0 || d.NominalLatency <= 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range d.latencies {
		sum += l
	}
	avg := sum / time.Duration(len(d.latencies))
	if avg <= d.NominalLatency {
		return 0
	}
	overrun := float64(avg-d.NominalLatency) / float64(d.NominalLatency)
	if overrun > 1 {
		overrun = 1
	}
	return overrun
}

// Registry is the explicit backend table threaded through the engine.
//
// There is no ambient global registry: callers construct one and pass it
// to the Router.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*BackendDescriptor
	invokers    map[string]backends.Invoker
	order       []string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*BackendDescriptor),
		invokers:    make(map[string]backends.Invoker),
	}
}

// Register adds a backend and its invoker to the table.
//
// Outputs:
//
//	error - Non-nil if the id is already registered or mismatched.
func (r *Registry) Register(desc *BackendDescriptor, inv backends.Invoker) error {
	if desc.ID != inv.ID() {
		return fmt.Errorf("descriptor id %q does not match invoker id %q", desc.ID, inv.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.ID]; exists {
		return fmt.Errorf("backend %q already registered", desc.ID)
	}
	r.descriptors[desc.ID] = desc
	r.invokers[desc.ID] = inv
	r.order = append(r.order, desc.ID)
	return nil
}

// Descriptor returns the descriptor for an id.
func (r *Registry) Descriptor(id string) (*BackendDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Invoker returns the invoker for an id.
func (r *Registry) Invoker(id string) (backends.Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[id]
	return inv, ok
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*BackendDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BackendDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}
