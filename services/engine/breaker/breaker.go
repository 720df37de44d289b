// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the per-backend circuit breaker guarding the
// Model Router from cascading failures.
//
// The breaker is modeled as an explicit finite-state machine with a pure
// transition function, so the lifecycle is unit-testable without any network
// dependency. Per-backend state lives in a table owned exclusively by the
// Breaker; the Router only reads it through snapshots.
//
// State machine:
//
//	Closed ──(failures reach threshold within window)──> Open
//	Open ──(cooldown elapsed)──> HalfOpen (exactly one trial call)
//	HalfOpen ──(trial success)──> Closed (failure count reset)
//	HalfOpen ──(trial failure)──> Open (cooldown restarts, backed off)
//
// Successes in Closed decay the failure count by one rather than resetting
// it, so sporadic blips are tolerated without masking systemic failure.
// The decay rule and the inclusive failure threshold are the documented
// deterministic choices for behavior the source material leaves open.
//
// Thread Safety:
//
//	Breaker is safe for concurrent use; each backend's state is updated
//	under a per-backend lock so concurrent outcomes never lose updates.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
)

// ErrCircuitOpen is returned by Allow when the backend's circuit rejects
// the call.
var ErrCircuitOpen = errors.New("circuit open")

// State is the circuit breaker state.
type State int

const (
	// Closed is normal operation: calls pass through, failures are counted.
	Closed State = iota

	// Open rejects calls immediately, with no network or compute cost.
	Open

	// HalfOpen allows exactly one trial call to probe recovery.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome classifies one invocation result for breaker purposes.
type Outcome int

const (
	// Success is a completed call within budget.
	Success Outcome = iota

	// Failure is an application-level error from the backend.
	Failure

	// Timeout is a call that exceeded its latency budget. Counts as a
	// failure for threshold purposes.
	Timeout
)

// failed reports whether the outcome counts against the failure threshold.
func (o Outcome) failed() bool {
	return o != Success
}

// Policy holds the thresholds that govern transitions.
type Policy struct {
	// FailureThreshold is the failure count that opens the circuit
	// (reaching the threshold opens it; default 5).
	FailureThreshold int

	// Window is the sliding window for counting failures: only failures
	// within Window of the newest one count toward the threshold
	// (default 30s).
	Window time.Duration

	// Cooldown is how long the circuit stays Open before a HalfOpen
	// trial (default 10s).
	Cooldown time.Duration

	// BackoffFactor lengthens the cooldown after each failed trial
	// (default 2.0; 1.0 disables backoff).
	BackoffFactor float64

	// MaxCooldown caps the backed-off cooldown (default 5m).
	MaxCooldown time.Duration
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         10 * time.Second,
		BackoffFactor:    2.0,
		MaxCooldown:      5 * time.Minute,
	}
}

// CircuitState is the full per-backend breaker state.
//
// CircuitState is a value type: Next returns a new state rather than
// mutating, which keeps the transition function pure.
type CircuitState struct {
	// State is the current position in the state machine.
	State State

	// Failures is the failure count within the current window. Always
	// len(FailureTimes); kept as a plain field so log payloads and
	// snapshots stay cheap to read.
	Failures int

	// FailureTimes holds the timestamps of the failures inside the
	// window, oldest first. Next copies before appending or pruning, so
	// sharing a CircuitState value between goroutines stays safe.
	FailureTimes []time.Time

	// LastFailure is when the most recent failure was recorded.
	LastFailure time.Time

	// OpenedAt is when the circuit last transitioned to Open.
	OpenedAt time.Time

	// Cooldown is the current (possibly backed-off) cooldown duration.
	Cooldown time.Duration

	// TrialInFlight is true while the single HalfOpen probe is running.
	TrialInFlight bool

	// Policy is the governing policy, carried so folds over the event
	// log can rebuild state without external lookups.
	Policy Policy
}

// NewCircuitState returns the initial Closed state under a policy.
func NewCircuitState(p Policy) CircuitState {
	return CircuitState{State: Closed, Cooldown: p.Cooldown, Policy: p}
}

// Next is the pure transition function (state, outcome) -> state'.
//
// Description:
//
//	Applies one invocation outcome at time now and returns the successor
//	state. No I/O, no clock access, no mutation: callers own event
//	emission and locking.
//
// Inputs:
//
//	s - Current state.
//	outcome - The invocation outcome.
//	now - The observation time.
//
// Outputs:
//
//	CircuitState - The successor state.
func Next(s CircuitState, outcome Outcome, now time.Time) CircuitState {
	switch s.State {
	case Closed:
		if outcome.failed() {
			s.FailureTimes = append(failuresWithin(s.FailureTimes, now, s.Policy.Window), now)
			s.Failures = len(s.FailureTimes)
			s.LastFailure = now
			if s.Failures >= s.Policy.FailureThreshold {
				s.State = Open
				s.OpenedAt = now
				s.Cooldown = s.Policy.Cooldown
			}
			return s
		}
		// Linear decay by one per success: the oldest surviving failure
		// is forgotten.
		if len(s.FailureTimes) > 0 {
			kept := failuresWithin(s.FailureTimes, now, s.Policy.Window)
			if len(kept) > 0 {
				kept = kept[1:]
			}
			s.FailureTimes = kept
			s.Failures = len(kept)
		}
		return s

	case HalfOpen:
		s.TrialInFlight = false
		if outcome.failed() {
			s.State = Open
			s.OpenedAt = now
			s.Cooldown = backoff(s.Cooldown, s.Policy)
			return s
		}
		s.State = Closed
		s.Failures = 0
		s.FailureTimes = nil
		s.Cooldown = s.Policy.Cooldown
		return s

	case Open:
		// Outcomes may arrive for calls admitted before the circuit
		// opened. They restart the cooldown on failure and are ignored
		// on success.
		if outcome.failed() {
			s.OpenedAt = now
		}
		return s
	}
	return s
}

// failuresWithin returns a fresh slice holding only the failure times
// still inside the window ending at now.
func failuresWithin(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := make([]time.Time, 0, len(times)+1)
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

// backoff lengthens a cooldown per policy, clamped to the maximum.
func backoff(current time.Duration, p Policy) time.Duration {
	if p.BackoffFactor <= 1 {
		return p.Cooldown
	}
	next := time.Duration(float64(current) * p.BackoffFactor)
	if p.MaxCooldown > 0 && next > p.MaxCooldown {
		next = p.MaxCooldown
	}
	return next
}

// entry pairs one backend's state with its lock.
type entry struct {
	mu sync.Mutex
	cs CircuitState
}

// Breaker owns the per-backend circuit table.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	mu      sync.RWMutex
	table   map[string]*entry
	policy  Policy
	log     eventlog.Log
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithPolicy overrides the default policy for new backends.
func WithPolicy(p Policy) Option {
	return func(b *Breaker) { b.policy = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithClock overrides the time source. Testing hook.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

// New creates a Breaker writing transitions to the given event log.
//
// Inputs:
//
//	log - Event log for transition records. Required.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Breaker - Ready to use breaker.
func New(log eventlog.Log, opts ...Option) *Breaker {
	b := &Breaker{
		table:   make(map[string]*entry),
		policy:  DefaultPolicy(),
		log:     log,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// backend returns the entry for an id, creating it Closed if absent.
func (b *Breaker) backend(id string) *entry {
	b.mu.RLock()
	e, ok := b.table[id]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.table[id]; ok {
		return e
	}
	e = &entry{cs: NewCircuitState(b.policy)}
	b.table[id] = e
	return e
}

// Allow answers "may I try backend id right now?".
//
// Description:
//
//	Closed circuits always admit. Open circuits admit nothing until the
//	cooldown elapses, at which point the circuit moves to HalfOpen and
//	admits exactly one trial call; further callers are rejected until the
//	trial's outcome is recorded.
//
// Inputs:
//
//	ctx - Used only for event log appends on the Open -> HalfOpen edge.
//	id - Backend identity.
//
// Outputs:
//
//	error - Nil if the call may proceed, ErrCircuitOpen otherwise.
func (b *Breaker) Allow(ctx context.Context, id string) error {
	e := b.backend(id)
	now := b.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.cs.State {
	case Closed:
		return nil
	case Open:
		if now.Sub(e.cs.OpenedAt) < e.cs.Cooldown {
			return ErrCircuitOpen
		}
		e.cs.State = HalfOpen
		e.cs.TrialInFlight = true
		b.emit(ctx, id, eventlog.ActionCircuitHalfOpened, e.cs)
		return nil
	case HalfOpen:
		if e.cs.TrialInFlight {
			return ErrCircuitOpen
		}
		e.cs.TrialInFlight = true
		return nil
	}
	return ErrCircuitOpen
}

// Record applies one invocation outcome to a backend's circuit.
//
// Transitions are appended to the event log before Record returns, so the
// log is never behind the observable circuit table.
func (b *Breaker) Record(ctx context.Context, id string, outcome Outcome) {
	e := b.backend(id)
	now := b.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.cs.State
	e.cs = Next(e.cs, outcome, now)

	if e.cs.State == prev {
		return
	}
	switch e.cs.State {
	case Open:
		b.emit(ctx, id, eventlog.ActionCircuitOpened, e.cs)
	case Closed:
		b.emit(ctx, id, eventlog.ActionCircuitClosed, e.cs)
	case HalfOpen:
		b.emit(ctx, id, eventlog.ActionCircuitHalfOpened, e.cs)
	}
}

// Snapshot returns a copy of a backend's circuit state.
//
// The copy reflects recorded outcomes only: an Open circuit still reads
// Open after its cooldown elapses, because the Open -> HalfOpen edge is
// taken by Allow when a trial is actually claimed. Callers deciding
// whether a backend is worth trying should use Eligible.
func (b *Breaker) Snapshot(id string) CircuitState {
	e := b.backend(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.cs
	return cs
}

// Eligible reports whether backend id is worth offering a call right now.
//
// Description:
//
//	Closed circuits are always eligible. An Open circuit becomes
//	eligible once its cooldown has elapsed, so rankings include it again
//	and the HalfOpen trial can be claimed at invocation time. A HalfOpen
//	circuit is eligible only while its single trial slot is free.
//	Eligible never transitions state; Allow owns the trial claim.
//
// Inputs:
//
//	id - Backend identity.
//
// Outputs:
//
//	bool - True if an Allow call would currently admit the caller.
func (b *Breaker) Eligible(id string) bool {
	e := b.backend(id)
	now := b.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.cs.State {
	case Closed:
		return true
	case Open:
		return now.Sub(e.cs.OpenedAt) >= e.cs.Cooldown
	case HalfOpen:
		return !e.cs.TrialInFlight
	}
	return false
}

// States returns a copy of the whole circuit table.
func (b *Breaker) States() map[string]CircuitState {
	b.mu.RLock()
	ids := make([]string, 0, len(b.table))
	for id := range b.table {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make(map[string]CircuitState, len(ids))
	for _, id := range ids {
		out[id] = b.Snapshot(id)
	}
	return out
}

// emit appends a transition event. Called with the entry lock held; the
// append is synchronous by design so observable state never runs ahead of
// the log.
func (b *Breaker) emit(ctx context.Context, id string, action eventlog.Action, cs CircuitState) {
	_, err := b.log.Append(ctx, eventlog.Event{
		Stage:      eventlog.StageBreaker,
		SubjectRef: id,
		Action:     action,
		Outcome:    eventlog.OutcomeSuccess,
		PayloadHash: eventlog.HashPayload(struct {
			Backend  string `json:"backend"`
			State    string `json:"state"`
			Failures int    `json:"failures"`
		}{id, cs.State.String(), cs.Failures}),
	})
	if err != nil {
		b.logger.Error("circuit transition event append failed",
			"backend", id,
			"action", string(action),
			"error", err,
		)
	}
	b.logger.Info("circuit transition",
		"backend", id,
		"state", cs.State.String(),
		"failures", cs.Failures,
		"cooldown", cs.Cooldown,
	)
}
