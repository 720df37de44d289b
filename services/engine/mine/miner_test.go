// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mine

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/series"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// buildSeries synthesizes a 50-scene work whose power dimension jumps by
// a bit over two local sigmas at scene 30. The other dimensions stay
// stationary or constant.
func buildSeries(t *testing.T) *series.Series {
	t.Helper()
	s := series.New("w-jump")

	for i := 0; i < 50; i++ {
		wobble := 0.5
		if i%2 == 1 {
			wobble = -0.5
		}
		feat := 2.0 + wobble
		if i >= 30 {
			// Local sample sigma of the alternating wobble is ~0.5, so
			// +1.2 is a 2.2-sigma-plus regime shift.
			feat += 1.2
		}

		vec := &vector.FeatureVector{
			WorkID:     "w-jump",
			SceneID:    fmt.Sprintf("s-%02d", i),
			Checksum:   vector.ComputeChecksum(fmt.Sprintf("w-jump-%d", i)),
			Sentiment:  0.2 * math.Sin(float64(i)),
			Feat:       feat,
			Novelty:    0.5, // constant: the miner must skip this dimension
			Internal:   0.3,
			TempoShift: 0.1 * wobble,
		}
		entry := series.Entry{
			Vector: vec,
			Score:  &score.QualityScore{Ref: vec.Ref(), Checksum: vec.Checksum, Score: 55 + wobble},
			State:  narrative.StateSetup,
		}
		require.NoError(t, s.Append(entry))
	}
	return s
}

func TestMine_DetectsPowerRegimeShift(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := NewMiner(log)

	report, err := m.Mine(context.Background(), buildSeries(t))
	require.NoError(t, err)
	require.Equal(t, 50, report.Scenes)

	cps := report.ChangepointsFor(series.DimPower)
	require.NotEmpty(t, cps, "the feat jump at scene 30 must surface as a changepoint")

	found := false
	for _, cp := range cps {
		if cp.Index >= 28 && cp.Index <= 36 {
			found = true
		}
	}
	assert.True(t, found, "expected a changepoint near index 30, got %+v", cps)
}

func TestMine_OutliersKeepSnapshotPositions(t *testing.T) {
	// One unscored scene leaves a gap in the series. The joint space
	// drops the gap, so without remapping every later outlier would be
	// reported one position early and point at the wrong scene.
	s := series.New("w-gap")
	for i := 0; i < 41; i++ {
		feat := 2.0 + 0.05*float64(i%3)
		if i == 40 {
			feat = 9.5
		}
		vec := &vector.FeatureVector{
			WorkID:     "w-gap",
			SceneID:    fmt.Sprintf("s-%02d", i),
			Checksum:   vector.ComputeChecksum(fmt.Sprintf("w-gap-%d", i)),
			Sentiment:  0.1 * float64(i%5),
			Feat:       feat,
			Novelty:    0.2 + 0.01*float64(i%3),
			Internal:   0.3,
			TempoShift: 0.02 * float64(i%4),
		}
		entry := series.Entry{Vector: vec, State: narrative.StateSetup}
		if i != 5 {
			entry.Score = &score.QualityScore{
				Ref:      vec.Ref(),
				Checksum: vec.Checksum,
				Score:    60 + float64(i%7),
			}
		}
		require.NoError(t, s.Append(entry))
	}

	report, err := NewMiner(eventlog.NewMemoryLog()).Mine(context.Background(), s)
	require.NoError(t, err)
	require.NotEmpty(t, report.Outliers)

	var spike *Outlier
	for i := range report.Outliers {
		o := &report.Outliers[i]
		assert.NotEqual(t, 5, o.Index, "the gap itself must never be flagged")
		if o.Ref.SceneID == "s-40" {
			spike = o
		}
	}
	require.NotNil(t, spike, "the feat spike must be flagged, got %+v", report.Outliers)
	assert.Equal(t, 40, spike.Index, "the flag must carry the snapshot position, not the compacted row")
	assert.Equal(t, "w-gap", spike.Ref.WorkID)
	assert.Equal(t, string(series.DimPower), spike.Dimension)
}

func TestMine_SkipsDegenerateDimensions(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := NewMiner(log)

	report, err := m.Mine(context.Background(), buildSeries(t))
	require.NoError(t, err)

	var noveltyReport *DimensionReport
	for i := range report.Dimensions {
		if report.Dimensions[i].Dimension == series.DimNovelty {
			noveltyReport = &report.Dimensions[i]
		}
	}
	require.NotNil(t, noveltyReport)
	assert.True(t, noveltyReport.Skipped)
	assert.Equal(t, "constant series", noveltyReport.SkipReason)

	skips := log.ByAction(eventlog.ActionMinerSkipped)
	require.NotEmpty(t, skips)
	assert.Equal(t, eventlog.OutcomeSkipped, skips[0].Outcome)
	assert.Equal(t, "w-jump", skips[0].SubjectRef)
}

func TestMine_ShortSeriesSkipsAll(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := NewMiner(log)

	s := series.New("w-short")
	for i := 0; i < 3; i++ {
		vec := &vector.FeatureVector{
			WorkID:   "w-short",
			SceneID:  fmt.Sprintf("s-%d", i),
			Checksum: vector.ComputeChecksum(fmt.Sprintf("short-%d", i)),
			Feat:     float64(i),
		}
		require.NoError(t, s.Append(series.Entry{
			Vector: vec,
			Score:  &score.QualityScore{Checksum: vec.Checksum, Score: float64(40 + i)},
		}))
	}

	report, err := m.Mine(context.Background(), s)
	require.NoError(t, err)
	for _, d := range report.Dimensions {
		assert.True(t, d.Skipped, "dimension %s", d.Dimension)
		assert.Equal(t, "series too short", d.SkipReason)
	}
}

func TestMine_EmitsMinedEvent(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := NewMiner(log)

	report, err := m.Mine(context.Background(), buildSeries(t))
	require.NoError(t, err)

	mined := log.ByAction(eventlog.ActionMined)
	require.Len(t, mined, 1)
	assert.Equal(t, "w-jump", mined[0].SubjectRef)
	assert.Equal(t, eventlog.HashPayload(report), mined[0].PayloadHash)
}

func TestMine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMiner(eventlog.NewMemoryLog())
	_, err := m.Mine(ctx, buildSeries(t))
	assert.ErrorIs(t, err, context.Canceled)
}
