// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package route implements backend selection for judgment sub-tasks.
//
// The Router picks an inference backend by task type, latency budget and
// confidence requirement, then invokes it under Circuit Breaker mediation.
// Selection is a pure ranking over the descriptor table and circuit
// eligibility; the Router never calls a backend whose circuit rejects the
// call and never calls a backend directly.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/NumericBible/services/engine/backends"
	"github.com/AleutianAI/NumericBible/services/engine/breaker"
	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/metrics"
)

// ErrNoAvailableBackend is returned when every capable backend's circuit is
// Open or every eligible attempt has been exhausted. Callers must take a
// degraded path (e.g. mark the judgment unresolved); the error never
// terminates a pipeline run.
var ErrNoAvailableBackend = errors.New("no available backend")

// Decision records one routing outcome for audit and the dataset record.
type Decision struct {
	TaskType     backends.TaskType `json:"task_type"`
	Backend      string            `json:"backend"`
	LatencyMS    int64             `json:"latency_ms"`
	Confidence   float64           `json:"confidence"`
	FallbackUsed bool              `json:"fallback_used"`
	Reason       string            `json:"reason"`
}

// Router selects and invokes inference backends.
//
// Thread Safety: Safe for concurrent use.
type Router struct {
	registry *Registry
	breaker  *breaker.Breaker
	log      eventlog.Log
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router over an explicit registry and breaker.
//
// Inputs:
//
//	registry - Backend table. Required.
//	brk - Circuit breaker mediating every invocation. Required.
//	log - Event log. Required.
//	opts - Optional configuration.
func New(registry *Registry, brk *breaker.Breaker, log eventlog.Log, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		breaker:  brk,
		log:      log,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidate pairs a descriptor with its computed rank.
type candidate struct {
	desc  *BackendDescriptor
	score float64
}

// rank returns eligible backends for a task type, best first.
//
// Eligibility: capability includes the task type and the circuit would
// admit a call (Closed, Open past its cooldown, or HalfOpen with a free
// trial slot). Ranking: historical success rate × (1 − normalized latency
// overrun), ties broken by lowest declared nominal latency.
func (r *Router) rank(taskType backends.TaskType) []candidate {
	var out []candidate
	for _, desc := range r.registry.Descriptors() {
		if !desc.CanServe(taskType) {
			continue
		}
		if !r.breaker.Eligible(desc.ID) {
			continue
		}
		out = append(out, candidate{
			desc:  desc,
			score: desc.SuccessRate() * (1 - desc.LatencyOverrun()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].desc.NominalLatency < out[j].desc.NominalLatency
	})
	return out
}

// Route selects the backend for a task without invoking it.
//
// Description:
//
//	Filters the registry by capability and circuit eligibility, ranks
//	the remainder, and returns the best descriptor. An Open circuit
//	excludes a backend until its cooldown elapses; after that the
//	backend is ranked again, and the HalfOpen trial slot is claimed at
//	invocation time.
//
// Inputs:
//
//	taskType - The judgment task type.
//	targetLatency - The latency budget (recorded in the routing event).
//	confidenceNeeded - The confidence requirement (recorded likewise).
//
// Outputs:
//
//	*BackendDescriptor - The selected backend.
//	error - ErrNoAvailableBackend if no circuit-eligible backend serves
//	the task type.
func (r *Router) Route(taskType backends.TaskType, targetLatency time.Duration, confidenceNeeded float64) (*BackendDescriptor, error) {
	ranked := r.rank(taskType)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("route %s: %w", taskType, ErrNoAvailableBackend)
	}
	return ranked[0].desc, nil
}

// Invoke routes and runs one judgment task under breaker mediation.
//
// Description:
//
//	Tries the top-ranked backend with a context bounded by targetLatency.
//	A timeout or application error is recorded against the circuit and
//	the descriptor history, then exactly one retry is made against the
//	next eligible backend. When both attempts fail, or no backend is
//	eligible at all, the caller gets ErrNoAvailableBackend and must apply
//	its degraded path.
//
// Inputs:
//
//	ctx - Cancellation context for the whole routing attempt.
//	task - The judgment task.
//	targetLatency - Per-attempt latency budget; overruns count as circuit
//	failures.
//	confidenceNeeded - Minimum confidence; lower results are returned but
//	recorded with a degraded outcome and FallbackUsed reasoning.
//
// Outputs:
//
//	*backends.Result - The judgment result.
//	*Decision - The routing decision for the audit trail.
//	error - ErrNoAvailableBackend after exhaustion, or ctx errors.
func (r *Router) Invoke(ctx context.Context, task backends.Task, targetLatency time.Duration, confidenceNeeded float64) (*backends.Result, *Decision, error) {
	const maxAttempts = 2

	var tried []string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		desc := r.nextEligible(task.Type, tried)
		if desc == nil {
			break
		}
		tried = append(tried, desc.ID)

		res, err := r.attempt(ctx, desc, task, targetLatency)
		if err != nil {
			r.logger.Warn("backend attempt failed",
				"backend", desc.ID,
				"task_type", string(task.Type),
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		decision := &Decision{
			TaskType:     task.Type,
			Backend:      desc.ID,
			LatencyMS:    targetLatency.Milliseconds(),
			Confidence:   res.Confidence,
			FallbackUsed: attempt > 0,
			Reason:       "preferred backend available",
		}
		if attempt > 0 {
			decision.Reason = "fallback after failure"
		}
		if res.Confidence < confidenceNeeded {
			decision.Reason = fmt.Sprintf("confidence %.2f below requirement %.2f", res.Confidence, confidenceNeeded)
		}
		r.emitRouted(ctx, task, decision, res.Confidence >= confidenceNeeded)
		return res, decision, nil
	}

	return nil, nil, fmt.Errorf("invoke %s after %d backends: %w", task.Type, len(tried), ErrNoAvailableBackend)
}

// nextEligible returns the best-ranked backend not already tried.
func (r *Router) nextEligible(taskType backends.TaskType, tried []string) *BackendDescriptor {
	for _, c := range r.rank(taskType) {
		skip := false
		for _, id := range tried {
			if c.desc.ID == id {
				skip = true
				break
			}
		}
		if !skip {
			return c.desc
		}
	}
	return nil
}

// recordOutcome applies one outcome to the circuit and mirrors the
// resulting position to the state gauge.
func (r *Router) recordOutcome(ctx context.Context, id string, outcome breaker.Outcome) {
	r.breaker.Record(ctx, id, outcome)
	r.metrics.SetCircuitState(id, float64(r.breaker.Snapshot(id).State))
}

// attempt runs one mediated invocation against one backend.
func (r *Router) attempt(ctx context.Context, desc *BackendDescriptor, task backends.Task, targetLatency time.Duration) (*backends.Result, error) {
	if err := r.breaker.Allow(ctx, desc.ID); err != nil {
		r.metrics.ObserveInvocation(desc.ID, "rejected", 0)
		return nil, err
	}

	inv, ok := r.registry.Invoker(desc.ID)
	if !ok {
		// Descriptor without invoker is a registration bug; count it as
		// an application failure so the circuit isolates it.
		r.recordOutcome(ctx, desc.ID, breaker.Failure)
		return nil, fmt.Errorf("backend %s has no invoker", desc.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, targetLatency)
	defer cancel()

	start := time.Now()
	res, err := inv.Invoke(callCtx, task)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		r.recordOutcome(ctx, desc.ID, breaker.Success)
		desc.RecordOutcome(true, elapsed)
		r.metrics.ObserveInvocation(desc.ID, "success", elapsed.Seconds())
		r.emitInvoked(ctx, task, desc.ID, eventlog.OutcomeSuccess)
		return res, nil
	case backends.IsTimeout(err):
		r.recordOutcome(ctx, desc.ID, breaker.Timeout)
		desc.RecordOutcome(false, elapsed)
		r.metrics.ObserveInvocation(desc.ID, "timeout", elapsed.Seconds())
		r.emitInvoked(ctx, task, desc.ID, eventlog.OutcomeTimeout)
		return nil, err
	default:
		r.recordOutcome(ctx, desc.ID, breaker.Failure)
		desc.RecordOutcome(false, elapsed)
		r.metrics.ObserveInvocation(desc.ID, "failure", elapsed.Seconds())
		r.emitInvoked(ctx, task, desc.ID, eventlog.OutcomeFailure)
		return nil, err
	}
}

// emitInvoked appends the backend_invoked event.
func (r *Router) emitInvoked(ctx context.Context, task backends.Task, backendID string, outcome eventlog.Outcome) {
	_, err := r.log.Append(ctx, eventlog.Event{
		Stage:       eventlog.StageRouter,
		SubjectRef:  task.Subject,
		Action:      eventlog.ActionInvoked,
		Outcome:     outcome,
		PayloadHash: eventlog.HashPayload(struct {
			Backend string            `json:"backend"`
			Type    backends.TaskType `json:"type"`
			Subject string            `json:"subject"`
		}{backendID, task.Type, task.Subject}),
	})
	if err != nil {
		r.logger.Error("invocation event append failed", "backend", backendID, "error", err)
	}
}

// emitRouted appends the routed decision event.
func (r *Router) emitRouted(ctx context.Context, task backends.Task, d *Decision, confident bool) {
	outcome := eventlog.OutcomeSuccess
	if !confident {
		outcome = eventlog.OutcomeDegraded
	}
	_, err := r.log.Append(ctx, eventlog.Event{
		Stage:       eventlog.StageRouter,
		SubjectRef:  task.Subject,
		Action:      eventlog.ActionRouted,
		Outcome:     outcome,
		PayloadHash: eventlog.HashPayload(d),
	})
	if err != nil {
		r.logger.Error("routing event append failed", "backend", d.Backend, "error", err)
	}
}
