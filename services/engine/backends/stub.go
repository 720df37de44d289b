// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"context"
	"sync/atomic"
)

// StubBackend is a deterministic in-process backend for tests.
//
// The response function decides the outcome per task; nil functions answer
// every task with an "earned" verdict at full confidence.
type StubBackend struct {
	id    string
	fn    func(ctx context.Context, task Task) (*Result, error)
	calls atomic.Int64
}

// NewStubBackend creates a stub with a custom response function.
func NewStubBackend(id string, fn func(ctx context.Context, task Task) (*Result, error)) *StubBackend {
	return &StubBackend{id: id, fn: fn}
}

// ID implements Invoker.
func (s *StubBackend) ID() string {
	return s.id
}

// Invoke implements Invoker.
func (s *StubBackend) Invoke(ctx context.Context, task Task) (*Result, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &Error{Backend: s.id, Err: err}
	}
	if s.fn == nil {
		return &Result{Value: "earned", Confidence: 1.0, Backend: s.id}, nil
	}
	res, err := s.fn(ctx, task)
	if err != nil {
		return nil, &Error{Backend: s.id, Err: err}
	}
	if res != nil && res.Backend == "" {
		res.Backend = s.id
	}
	return res, nil
}

// Calls returns how many times Invoke was called.
func (s *StubBackend) Calls() int64 {
	return s.calls.Load()
}
