// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package series

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

func entry(workID string, i int, scored bool) Entry {
	vec := &vector.FeatureVector{
		WorkID:     workID,
		SceneID:    fmt.Sprintf("s-%d", i),
		Checksum:   vector.ComputeChecksum(fmt.Sprintf("%s-%d", workID, i)),
		Sentiment:  0.1 * float64(i%5),
		Feat:       1 + 0.1*float64(i%3),
		Novelty:    0.2,
		TempoShift: 0.05,
	}
	e := Entry{Vector: vec, State: narrative.StateSetup}
	if scored {
		e.Score = &score.QualityScore{Ref: vec.Ref(), Checksum: vec.Checksum, Score: 60 + float64(i)}
	}
	return e
}

func TestAppend_RejectsForeignWork(t *testing.T) {
	s := New("w-1")
	err := s.Append(entry("w-2", 0, true))
	assert.Error(t, err)
	assert.Zero(t, s.Len())
}

func TestSnapshot_IsImmutableCopy(t *testing.T) {
	s := New("w-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(entry("w-1", i, true)))
	}

	snap := s.Snapshot()
	require.Len(t, snap, 3)

	require.NoError(t, s.Append(entry("w-1", 3, true)))
	assert.Len(t, snap, 3, "appends must not leak into earlier snapshots")
	assert.Equal(t, 4, s.Len())
}

func TestComplete(t *testing.T) {
	s := New("w-1")
	assert.False(t, s.Complete(), "an empty series is not complete")

	require.NoError(t, s.Append(entry("w-1", 0, true)))
	require.NoError(t, s.Append(entry("w-1", 1, true)))
	assert.True(t, s.Complete())

	require.NoError(t, s.Append(entry("w-1", 2, false)))
	assert.False(t, s.Complete(), "an unscored scene is a gap")
}

func TestValue_Dimensions(t *testing.T) {
	e := entry("w-1", 2, true)
	tests := []struct {
		dim  Dimension
		want float64
	}{
		{DimEmotion, e.Vector.Sentiment},
		{DimPower, e.Vector.Feat},
		{DimPacing, e.Vector.TempoShift},
		{DimNovelty, e.Vector.Novelty},
		{DimQuality, e.Score.Score},
	}
	for _, tt := range tests {
		v, ok := e.Value(tt.dim)
		require.True(t, ok, string(tt.dim))
		assert.Equal(t, tt.want, v)
	}
}

func TestValue_UnscoredQualityMissing(t *testing.T) {
	e := entry("w-1", 0, false)
	_, ok := e.Value(DimQuality)
	assert.False(t, ok)

	_, ok = e.Value(DimPower)
	assert.True(t, ok, "vector-backed dimensions survive an unscored scene")
}

func TestProject_SkipsMissingWithIndices(t *testing.T) {
	entries := []Entry{
		entry("w-1", 0, true),
		entry("w-1", 1, false),
		entry("w-1", 2, true),
	}
	values, indices := Project(entries, DimQuality)
	require.Len(t, values, 2)
	assert.Equal(t, []int{0, 2}, indices)
}
