// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package series holds the ordered per-work scene series consumed by the
// Mining Plan and the Rule Extractor.
//
// A Series is append-only in scene order. Miners read immutable snapshots,
// so a long-running mining pass never blocks scoring of the next scene.
package series

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// Dimension names one mineable series projected from the scene entries.
type Dimension string

const (
	// DimEmotion is the sentiment series.
	DimEmotion Dimension = "emotion"

	// DimPower is the feat-magnitude series.
	DimPower Dimension = "power"

	// DimPacing is the tempo-shift series.
	DimPacing Dimension = "pacing"

	// DimNovelty is the vocabulary-novelty series.
	DimNovelty Dimension = "novelty"

	// DimQuality is the composite quality-score series.
	DimQuality Dimension = "quality"
)

// Dimensions lists the mineable dimensions in canonical order.
var Dimensions = []Dimension{DimEmotion, DimPower, DimPacing, DimNovelty, DimQuality}

// Entry is one scored scene in the series.
type Entry struct {
	// Vector is the scene's feature vector.
	Vector *vector.FeatureVector

	// Score is the scene's quality score. Nil while the scene is unscored
	// (range violation); unscored scenes leave a gap in the series.
	Score *score.QualityScore

	// State is the deterministic narrative-state label for the scene.
	State narrative.State
}

// Value projects the entry onto a dimension.
//
// Outputs:
//
//	float64 - The projected value.
//	bool - False when the entry has no value for the dimension (an
//	unscored scene has no quality value).
func (e Entry) Value(dim Dimension) (float64, bool) {
	switch dim {
	case DimEmotion:
		return e.Vector.Sentiment, true
	case DimPower:
		return e.Vector.Feat, true
	case DimPacing:
		return e.Vector.TempoShift, true
	case DimNovelty:
		return e.Vector.Novelty, true
	case DimQuality:
		if e.Score == nil {
			return 0, false
		}
		return e.Score.Score, true
	}
	return 0, false
}

// Series is the ordered scene series for one work.
//
// Thread Safety: Safe for concurrent use. Snapshots are copies; appends
// after a snapshot do not mutate it.
type Series struct {
	workID string

	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty series for a work.
func New(workID string) *Series {
	return &Series{workID: workID}
}

// WorkID returns the owning work identifier.
func (s *Series) WorkID() string { return s.workID }

// Append adds one scene entry in scene order.
//
// Outputs:
//
//	error - Non-nil when the entry belongs to another work.
func (s *Series) Append(e Entry) error {
	if e.Vector == nil {
		return fmt.Errorf("series %s: nil vector", s.workID)
	}
	if e.Vector.WorkID != s.workID {
		return fmt.Errorf("series %s: entry belongs to work %s", s.workID, e.Vector.WorkID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Len returns the number of entries.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the entries in scene order.
func (s *Series) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Complete reports whether every entry in the series carries a quality
// score. Mining over an incomplete range is refused upstream, so a gap
// (an unscored scene) blocks the miner rather than silently skewing the
// statistics.
func (s *Series) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Score == nil {
			return false
		}
	}
	return len(s.entries) > 0
}

// Project extracts one dimension from a snapshot, in order. Entries with
// no value for the dimension are skipped; the returned index slice maps
// each value back to its snapshot position.
func Project(entries []Entry, dim Dimension) (values []float64, indices []int) {
	for i, e := range entries {
		if v, ok := e.Value(dim); ok {
			values = append(values, v)
			indices = append(indices, i)
		}
	}
	return values, indices
}
