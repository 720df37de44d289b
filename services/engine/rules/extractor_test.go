// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/mine"
	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/series"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// labeledSeries builds a series whose scenes alternate between setup
// (low DTA) and climax (high DTA) states.
func labeledSeries(t *testing.T, workID string, n int) *series.Series {
	t.Helper()
	s := series.New(workID)

	for i := 0; i < n; i++ {
		state := narrative.StateSetup
		dta := 0.3 + 0.01*float64(i%4)
		if i%2 == 1 {
			state = narrative.StateClimax
			dta = 0.7 + 0.01*float64(i%4)
		}
		vec := &vector.FeatureVector{
			WorkID:   workID,
			SceneID:  fmt.Sprintf("s-%02d", i),
			Checksum: vector.ComputeChecksum(fmt.Sprintf("%s-%d", workID, i)),
			DTARatio: dta,
		}
		require.NoError(t, s.Append(series.Entry{
			Vector: vec,
			Score:  &score.QualityScore{Ref: vec.Ref(), Checksum: vec.Checksum, Score: 60},
			State:  state,
		}))
	}
	return s
}

func emptyReport(workID string) *mine.Report {
	return &mine.Report{WorkID: workID}
}

func TestExtract_RulesPerState(t *testing.T) {
	log := eventlog.NewMemoryLog()
	e := NewExtractor(log)
	s := labeledSeries(t, "w-1", 20)

	out, err := e.Extract(context.Background(), "xianxia", s, emptyReport("w-1"))
	require.NoError(t, err)
	require.Len(t, out, 2, "setup and climax both have enough support")

	var setup, climax *GenreRule
	for _, r := range out {
		switch r.Condition {
		case "state=setup":
			setup = r
		case "state=climax":
			climax = r
		}
	}
	require.NotNil(t, setup)
	require.NotNil(t, climax)

	assert.Equal(t, "dta_ratio", setup.Metric)
	assert.Equal(t, 10, setup.Support)
	assert.GreaterOrEqual(t, setup.Range.Lo, 0.3)
	assert.LessOrEqual(t, setup.Range.Hi, 0.34)
	assert.GreaterOrEqual(t, climax.Range.Lo, 0.7)
	assert.InDelta(t, 0.715, climax.Mean, 0.01)
	assert.Greater(t, setup.Confidence, 0.0)
	assert.LessOrEqual(t, setup.Confidence, 1.0)
}

func TestExtract_BelowSupportIgnored(t *testing.T) {
	e := NewExtractor(eventlog.NewMemoryLog())
	s := labeledSeries(t, "w-1", 4) // 2 scenes per state, below minSupport

	out, err := e.Extract(context.Background(), "xianxia", s, emptyReport("w-1"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtract_VersionsAppend(t *testing.T) {
	e := NewExtractor(eventlog.NewMemoryLog())
	ctx := context.Background()

	first, err := e.Extract(ctx, "xianxia", labeledSeries(t, "w-1", 20), emptyReport("w-1"))
	require.NoError(t, err)
	second, err := e.Extract(ctx, "xianxia", labeledSeries(t, "w-2", 20), emptyReport("w-2"))
	require.NoError(t, err)

	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.Equal(t, 1, first[0].Version)
	assert.Equal(t, 2, second[0].Version)
	assert.Equal(t, first[0].ID, second[0].ID, "re-extraction keeps the rule identity")

	history := e.History("xianxia", narrative.StateSetup, "dta_ratio")
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)

	latest, ok := e.Latest("xianxia", narrative.StateSetup, "dta_ratio")
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
}

func TestExtract_GenresAreSeparate(t *testing.T) {
	e := NewExtractor(eventlog.NewMemoryLog())
	ctx := context.Background()

	a, err := e.Extract(ctx, "xianxia", labeledSeries(t, "w-1", 20), emptyReport("w-1"))
	require.NoError(t, err)
	b, err := e.Extract(ctx, "romance", labeledSeries(t, "w-2", 20), emptyReport("w-2"))
	require.NoError(t, err)

	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, 1, b[0].Version, "a new genre starts its own history")
}

func TestExtract_EmitsEvents(t *testing.T) {
	log := eventlog.NewMemoryLog()
	e := NewExtractor(log)

	out, err := e.Extract(context.Background(), "xianxia", labeledSeries(t, "w-1", 20), emptyReport("w-1"))
	require.NoError(t, err)

	events := log.ByAction(eventlog.ActionRuleExtracted)
	assert.Len(t, events, len(out))
}

func TestConfidence_Monotone(t *testing.T) {
	// More data never lowers confidence; tighter data never lowers it.
	assert.Greater(t, confidence(50, 0.1), confidence(5, 0.1))
	assert.Greater(t, confidence(10, 0.01), confidence(10, 1.0))
	assert.LessOrEqual(t, confidence(1000000, 0.0), 1.0)
}

func TestSegments(t *testing.T) {
	tests := []struct {
		name string
		n    int
		cps  []mine.Changepoint
		want []segment
	}{
		{"no changepoints", 10, nil, []segment{{0, 10}}},
		{"one boundary", 10, []mine.Changepoint{{Index: 4}}, []segment{{0, 4}, {4, 10}}},
		{"two boundaries", 10, []mine.Changepoint{{Index: 3}, {Index: 7}}, []segment{{0, 3}, {3, 7}, {7, 10}}},
		{"out of range ignored", 10, []mine.Changepoint{{Index: 0}, {Index: 15}}, []segment{{0, 10}}},
		{"empty series", 0, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, segments(tt.n, tt.cps))
		})
	}
}

func TestExtract_ClockInjection(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewExtractor(eventlog.NewMemoryLog(), WithClock(func() time.Time { return fixed }))

	out, err := e.Extract(context.Background(), "xianxia", labeledSeries(t, "w-1", 20), emptyReport("w-1"))
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, fixed, out[0].ExtractedAt)
}
