// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory append-only log.
//
// Suitable for tests and single-run batch processing where durability
// across restarts is not required.
//
// Thread Safety: Safe for concurrent use.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, ev Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := uint64(len(l.events)) + 1
	stamp(&ev, pos)
	l.events = append(l.events, ev)
	return pos, nil
}

// ReadFrom implements Log.
func (l *MemoryLog) ReadFrom(ctx context.Context, pos uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos <= 1 {
		out := make([]Event, len(l.events))
		copy(out, l.events)
		return out, nil
	}
	if pos > uint64(len(l.events)) {
		return nil, nil
	}
	out := make([]Event, uint64(len(l.events))-pos+1)
	copy(out, l.events[pos-1:])
	return out, nil
}

// ReadSince implements Log.
func (l *MemoryLog) ReadSince(ctx context.Context, t time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)), nil
}

// ByAction returns buffered events with the given action, in order.
//
// Test helper; not part of the Log interface.
func (l *MemoryLog) ByAction(action Action) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}
