// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends defines the consumed inference-backend interface and the
// adapters for the configured model servers.
//
// The engine treats a backend as an opaque capability: a synchronous call
// that takes a judgment task and returns a result with a confidence. The
// Router and Circuit Breaker never see transport details; they see an
// Invoker identity and an error or a Result.
package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaskType names a judgment sub-task an inference backend can serve.
type TaskType string

const (
	// TaskFeatJudgment asks a backend to judge whether a feat magnitude
	// jump is narratively earned or power creep.
	TaskFeatJudgment TaskType = "feat_judgment"

	// TaskArcClassification asks a backend to classify the narrative arc
	// state of a scene window.
	TaskArcClassification TaskType = "arc_classification"
)

// Task is one judgment request.
type Task struct {
	// Type selects the capability required to serve the task.
	Type TaskType `json:"type"`

	// Subject identifies what is being judged (scene checksum or work id)
	// for audit purposes.
	Subject string `json:"subject"`

	// Prompt is the rendered judgment prompt.
	Prompt string `json:"prompt"`
}

// Result is a backend's answer to a judgment task.
type Result struct {
	// Value is the judgment payload (label or verdict text).
	Value string `json:"value"`

	// Confidence is the backend's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Backend is the identity of the responding backend.
	Backend string `json:"backend"`
}

// Invoker is the invocation interface implemented by backend adapters.
//
// Implementations must respect ctx cancellation and deadline; the Router
// bounds every call with the task's latency budget.
type Invoker interface {
	// ID returns the backend identity used by the Router and Breaker.
	ID() string

	// Invoke runs one judgment task.
	Invoke(ctx context.Context, task Task) (*Result, error)
}

// Error wraps a backend failure with the backend identity so failures can
// be replayed from the event log.
type Error struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether an invocation error was a deadline overrun.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// DefaultConfidence is assumed when a backend response carries no parseable
// confidence.
const DefaultConfidence = 0.5

// parseResult extracts a Result from a raw model completion.
//
// Backends are prompted to answer with a JSON object
// {"result": "...", "confidence": 0.x}. Models do not always comply, so a
// non-JSON completion is accepted verbatim with DefaultConfidence rather
// than failed: a usable judgment beats a retry loop.
func parseResult(backend, raw string) *Result {
	trimmed := strings.TrimSpace(raw)

	var parsed struct {
		Result     string  `json:"result"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Result != "" {
		conf := parsed.Confidence
		if conf <= 0 || conf > 1 {
			conf = DefaultConfidence
		}
		return &Result{Value: parsed.Result, Confidence: conf, Backend: backend}
	}

	return &Result{Value: trimmed, Confidence: DefaultConfidence, Backend: backend}
}
