// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventlog provides the immutable, append-only record of every
// processing decision made by the engine.
//
// The log is the sole mechanism for reconstructing system history. Every
// state-changing action (score computed, circuit transition, rule extracted)
// is appended synchronously before the caller is told it succeeded, so the
// log is never behind observable state. Events are never mutated or deleted;
// mutable aggregates (circuit tables, score series) are derived by folding
// over the log, never stored as the sole source of truth.
//
// Two stores implement the same interface: an in-memory log for tests and
// single-run batch use, and a BadgerDB-backed log for durable replay.
//
// Thread Safety:
//
//	All Log implementations are safe for concurrent use.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage identifies the pipeline stage that emitted an event.
type Stage string

const (
	// StageScorer is the Quality Scorer.
	StageScorer Stage = "scorer"

	// StageMiner is the Changepoint/Outlier Miner.
	StageMiner Stage = "miner"

	// StageRules is the Rule Extractor.
	StageRules Stage = "rules"

	// StageRouter is the Model Router.
	StageRouter Stage = "router"

	// StageBreaker is the Circuit Breaker.
	StageBreaker Stage = "breaker"

	// StagePipeline is the run orchestrator.
	StagePipeline Stage = "pipeline"
)

// Action names what happened.
type Action string

const (
	// ActionScored records a scoring invocation, including short-circuited
	// cache hits (distinguished by outcome).
	ActionScored Action = "scored"

	// ActionAborted records a cancelled in-flight scoring attempt.
	ActionAborted Action = "aborted"

	// ActionMinerSkipped records a dimension whose detector could not run.
	ActionMinerSkipped Action = "miner_skipped"

	// ActionMined records a completed mining pass.
	ActionMined Action = "mined"

	// ActionRuleExtracted records one extracted genre rule version.
	ActionRuleExtracted Action = "rule_extracted"

	// ActionRouted records a router selection decision.
	ActionRouted Action = "routed"

	// ActionInvoked records a backend invocation outcome.
	ActionInvoked Action = "backend_invoked"

	// ActionCircuitOpened records a Closed/HalfOpen -> Open transition.
	ActionCircuitOpened Action = "circuit_opened"

	// ActionCircuitHalfOpened records an Open -> HalfOpen transition.
	ActionCircuitHalfOpened Action = "circuit_half_opened"

	// ActionCircuitClosed records a HalfOpen -> Closed transition.
	ActionCircuitClosed Action = "circuit_closed"
)

// Outcome classifies how an action ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeCacheHit   Outcome = "cache_hit"
	OutcomeFailure    Outcome = "failure"
	OutcomeDegraded   Outcome = "degraded"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeUnresolved Outcome = "unresolved"
)

// Event is one immutable record in the log.
//
// Thread Safety: Events are immutable after append.
type Event struct {
	// Position is the monotonically increasing log position, assigned by
	// the store on append. Starts at 1.
	Position uint64 `json:"position"`

	// ID is a globally unique event identifier.
	ID string `json:"id"`

	// Timestamp is when the event was appended (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Stage is the emitting pipeline stage.
	Stage Stage `json:"stage"`

	// SubjectRef identifies what the event is about: a scene checksum, a
	// backend id, a work id.
	SubjectRef string `json:"subject_ref"`

	// Action names what happened.
	Action Action `json:"action"`

	// Outcome classifies how it ended.
	Outcome Outcome `json:"outcome"`

	// PayloadHash is a content hash of the full payload that produced the
	// event, sufficient to replay the decision.
	PayloadHash string `json:"payload_hash,omitempty"`
}

// Log is the append-only event store.
type Log interface {
	// Append adds one event and returns its assigned position.
	//
	// Append is synchronous: when it returns nil the event is durable at
	// the store's configured durability level. The Position, ID and
	// Timestamp fields of the input are overwritten by the store.
	Append(ctx context.Context, ev Event) (uint64, error)

	// ReadFrom returns all events with position >= pos, in order.
	ReadFrom(ctx context.Context, pos uint64) ([]Event, error)

	// ReadSince returns all events appended strictly after t, in order.
	ReadSince(ctx context.Context, t time.Time) ([]Event, error)

	// Len returns the number of events in the log.
	Len(ctx context.Context) (uint64, error)
}

// Fold replays the log from pos, applying fn to each event in order.
//
// Description:
//
//	Fold is how mutable aggregates are derived from the log. The
//	accumulator is threaded through fn; a typical use rebuilds a circuit
//	table or a score series after restart.
//
// Inputs:
//
//	ctx - Cancellation context.
//	log - The log to replay.
//	pos - First position to include (use 0 or 1 for the full log).
//	acc - Initial accumulator value.
//	fn - Applied to each event in order.
//
// Outputs:
//
//	T - The final accumulator.
//	error - Non-nil if the read failed.
func Fold[T any](ctx context.Context, log Log, pos uint64, acc T, fn func(T, Event) T) (T, error) {
	events, err := log.ReadFrom(ctx, pos)
	if err != nil {
		return acc, err
	}
	for _, ev := range events {
		acc = fn(acc, ev)
	}
	return acc, nil
}

// HashPayload computes the content hash recorded in Event.PayloadHash.
//
// The payload is serialized as JSON and hashed with SHA-256. Struct field
// order makes the serialization deterministic for the engine's payload
// types.
func HashPayload(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// stamp fills the store-assigned fields of an event.
func stamp(ev *Event, pos uint64) {
	ev.Position = pos
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}
