// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
)

func testPolicy() Policy {
	return Policy{
		FailureThreshold: 3,
		Window:           30 * time.Second,
		Cooldown:         10 * time.Second,
		BackoffFactor:    2.0,
		MaxCooldown:      time.Minute,
	}
}

func TestNext_ClosedOpensAtThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())

	s = Next(s, Failure, now)
	s = Next(s, Failure, now.Add(time.Second))
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 2, s.Failures)

	s = Next(s, Failure, now.Add(2*time.Second))
	assert.Equal(t, Open, s.State)
	assert.Equal(t, 10*time.Second, s.Cooldown)
}

func TestNext_TimeoutCountsAsFailure(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())
	for i := 0; i < 3; i++ {
		s = Next(s, Timeout, now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, Open, s.State)
}

func TestNext_SuccessDecaysFailureCount(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())

	s = Next(s, Failure, now)
	s = Next(s, Failure, now.Add(time.Second))
	s = Next(s, Success, now.Add(2*time.Second))
	assert.Equal(t, 1, s.Failures, "one success decays the count by one")

	// The decayed count means two more failures are needed to open.
	s = Next(s, Failure, now.Add(3*time.Second))
	assert.Equal(t, Closed, s.State)
	s = Next(s, Failure, now.Add(4*time.Second))
	assert.Equal(t, Open, s.State)
}

func TestNext_WindowLapseRestartsCount(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())

	s = Next(s, Failure, now)
	s = Next(s, Failure, now.Add(time.Second))

	// A failure beyond the window starts a fresh count of one.
	s = Next(s, Failure, now.Add(40*time.Second))
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 1, s.Failures)
}

func TestNext_SpacedFailuresNeverOpen(t *testing.T) {
	// Failures 20s apart with a 30s window: at most two ever share the
	// window, so the circuit must stay Closed no matter how many arrive.
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())

	for i := 0; i < 6; i++ {
		s = Next(s, Failure, now.Add(time.Duration(i)*20*time.Second))
		require.Equal(t, Closed, s.State, "failure %d", i)
		assert.LessOrEqual(t, s.Failures, 2)
	}
}

func TestNext_WindowCountsFromNewestFailure(t *testing.T) {
	// Two old failures age out of the window even though the gaps between
	// consecutive failures never exceed it.
	p := testPolicy() // threshold 3, window 30s
	now := time.Unix(1000, 0)
	s := NewCircuitState(p)

	s = Next(s, Failure, now)
	s = Next(s, Failure, now.Add(25*time.Second))
	s = Next(s, Failure, now.Add(50*time.Second))
	assert.Equal(t, Closed, s.State, "only the 25s and 50s failures share a window")
	assert.Equal(t, 2, s.Failures)

	s = Next(s, Failure, now.Add(52*time.Second))
	assert.Equal(t, Open, s.State, "three failures inside 30s open the circuit")
}

func TestNext_DoesNotMutateInput(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())
	s = Next(s, Failure, now)

	before := s.Failures
	_ = Next(s, Failure, now.Add(time.Second))
	assert.Equal(t, before, s.Failures)
	assert.Len(t, s.FailureTimes, before)
}

func TestNext_HalfOpenTrialSuccessCloses(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())
	s.State = HalfOpen
	s.Failures = 3
	s.TrialInFlight = true

	s = Next(s, Success, now)
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 0, s.Failures, "closing resets the count")
	assert.False(t, s.TrialInFlight)
	assert.Equal(t, 10*time.Second, s.Cooldown, "cooldown resets to base")
}

func TestNext_HalfOpenTrialFailureReopensWithBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewCircuitState(testPolicy())
	s.State = HalfOpen
	s.Cooldown = 10 * time.Second
	s.TrialInFlight = true

	s = Next(s, Failure, now)
	assert.Equal(t, Open, s.State)
	assert.Equal(t, 20*time.Second, s.Cooldown)

	// Another failed trial doubles again, capped at MaxCooldown.
	s.State = HalfOpen
	s = Next(s, Failure, now.Add(time.Minute))
	assert.Equal(t, 40*time.Second, s.Cooldown)

	s.State = HalfOpen
	s = Next(s, Failure, now.Add(2*time.Minute))
	assert.Equal(t, time.Minute, s.Cooldown, "backoff clamps at MaxCooldown")
}

func TestBreaker_Lifecycle(t *testing.T) {
	// Drive one backend through the full Closed -> Open -> HalfOpen ->
	// Closed cycle with a fake clock and check both the gate behavior
	// and the audit trail.
	log := eventlog.NewMemoryLog()
	now := time.Unix(5000, 0)
	clock := func() time.Time { return now }

	b := New(log, WithPolicy(testPolicy()), WithClock(clock))
	ctx := context.Background()
	const id = "ollama-local"

	require.NoError(t, b.Allow(ctx, id))
	for i := 0; i < 3; i++ {
		b.Record(ctx, id, Failure)
	}
	assert.Equal(t, Open, b.Snapshot(id).State)
	assert.ErrorIs(t, b.Allow(ctx, id), ErrCircuitOpen)

	// Cooldown elapses: exactly one trial is admitted.
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow(ctx, id))
	assert.Equal(t, HalfOpen, b.Snapshot(id).State)
	assert.ErrorIs(t, b.Allow(ctx, id), ErrCircuitOpen, "second caller must wait for the trial")

	b.Record(ctx, id, Success)
	snap := b.Snapshot(id)
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	require.NoError(t, b.Allow(ctx, id))

	opened := log.ByAction(eventlog.ActionCircuitOpened)
	halfOpened := log.ByAction(eventlog.ActionCircuitHalfOpened)
	closed := log.ByAction(eventlog.ActionCircuitClosed)
	assert.Len(t, opened, 1)
	assert.Len(t, halfOpened, 1)
	assert.Len(t, closed, 1)
	assert.Equal(t, id, opened[0].SubjectRef)
}

func TestBreaker_FailedTrialBacksOff(t *testing.T) {
	log := eventlog.NewMemoryLog()
	now := time.Unix(5000, 0)
	b := New(log, WithPolicy(testPolicy()), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	const id = "openai-gpt"

	for i := 0; i < 3; i++ {
		b.Record(ctx, id, Timeout)
	}
	require.Equal(t, Open, b.Snapshot(id).State)

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow(ctx, id))
	b.Record(ctx, id, Failure)

	snap := b.Snapshot(id)
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 20*time.Second, snap.Cooldown)

	// The original cooldown is no longer enough.
	now = now.Add(11 * time.Second)
	assert.ErrorIs(t, b.Allow(ctx, id), ErrCircuitOpen)
	now = now.Add(10 * time.Second)
	assert.NoError(t, b.Allow(ctx, id))
}

func TestBreaker_EligibleTracksCooldown(t *testing.T) {
	log := eventlog.NewMemoryLog()
	now := time.Unix(5000, 0)
	b := New(log, WithPolicy(testPolicy()), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	const id = "ollama-local"

	assert.True(t, b.Eligible(id), "a fresh circuit is Closed and eligible")

	for i := 0; i < 3; i++ {
		b.Record(ctx, id, Failure)
	}
	require.Equal(t, Open, b.Snapshot(id).State)
	assert.False(t, b.Eligible(id), "freshly opened circuit is out of the running")

	// The cooldown elapses. The snapshot still reads Open, but the
	// backend must re-enter selection so the trial can be claimed.
	now = now.Add(11 * time.Second)
	assert.Equal(t, Open, b.Snapshot(id).State)
	assert.True(t, b.Eligible(id))

	// Claiming the trial makes everyone else ineligible until it resolves.
	require.NoError(t, b.Allow(ctx, id))
	assert.False(t, b.Eligible(id))

	b.Record(ctx, id, Success)
	assert.True(t, b.Eligible(id))
}

func TestBreaker_IsolatesBackends(t *testing.T) {
	log := eventlog.NewMemoryLog()
	b := New(log, WithPolicy(testPolicy()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Record(ctx, "flaky", Failure)
	}
	assert.Equal(t, Open, b.Snapshot("flaky").State)
	assert.NoError(t, b.Allow(ctx, "healthy"), "one backend's circuit never affects another")

	states := b.States()
	assert.Equal(t, Open, states["flaky"].State)
	assert.Equal(t, Closed, states["healthy"].State)
}
