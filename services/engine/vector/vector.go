// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector defines the per-scene feature vector consumed by the
// Quality & Resilience Engine.
//
// Feature vectors are produced upstream (sentiment, lexical and embedding
// extractors) and delivered as structured records keyed by
// (work_id, chapter_id, scene_id, content_checksum). This package owns the
// declared valid ranges for each factor and the validation that enforces
// them. Out-of-range input is rejected with a *RangeViolation; it is never
// clamped, because clamping would silently corrupt downstream statistics.
//
// Thread Safety:
//
//	FeatureVector values are immutable once produced. All functions in this
//	package are safe for concurrent use.
package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Factor names a scored component of the feature vector.
type Factor string

const (
	// FactorSentiment is the scene sentiment polarity (S).
	FactorSentiment Factor = "sentiment"

	// FactorLexical is the lexical complexity load (L).
	FactorLexical Factor = "lexical_load"

	// FactorFeat is the feat magnitude, a log-scaled count of
	// power-signifier density (F).
	FactorFeat Factor = "feat_magnitude"

	// FactorNovelty is the vocabulary novelty against the trailing
	// window (N).
	FactorNovelty Factor = "novelty"

	// FactorInternal is the internal-change score against the previous
	// scene (I).
	FactorInternal Factor = "internal_change"
)

// Factors lists the five scored factors in canonical order.
//
// The order is load-bearing: weighted contributions, dataset records and
// hashes all follow it.
var Factors = []Factor{
	FactorSentiment,
	FactorLexical,
	FactorFeat,
	FactorNovelty,
	FactorInternal,
}

// Range is the declared valid interval for a factor, inclusive on both ends.
type Range struct {
	Lo float64
	Hi float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Lo && v <= r.Hi
}

// declaredRanges holds the valid interval per factor.
//
// The bounds mirror the upstream extractor contracts: sentiment is a
// normalized polarity, lexical load is an open-ended readability composite
// capped for sanity, feat magnitude is log1p of a keyword count, novelty is
// a token proportion, internal change is a symmetric-difference ratio.
var declaredRanges = map[Factor]Range{
	FactorSentiment: {Lo: -1, Hi: 1},
	FactorLexical:   {Lo: 0, Hi: 100},
	FactorFeat:      {Lo: 0, Hi: 10},
	FactorNovelty:   {Lo: 0, Hi: 1},
	FactorInternal:  {Lo: 0, Hi: 10},
}

// DeclaredRange returns the valid interval for a factor.
//
// Outputs:
//
//	Range - The declared bounds.
//	bool - False if the factor is unknown.
func DeclaredRange(f Factor) (Range, bool) {
	r, ok := declaredRanges[f]
	return r, ok
}

// RangeViolation reports a factor outside its declared bounds.
//
// A RangeViolation marks the scene unscored. It is local to the scene and
// never terminates a pipeline run.
type RangeViolation struct {
	// Checksum identifies the offending vector for replay.
	Checksum string

	// Factor is the out-of-bound factor.
	Factor Factor

	// Value is the offending value.
	Value float64

	// Bounds is the declared valid interval.
	Bounds Range
}

// Error implements the error interface.
func (e *RangeViolation) Error() string {
	return fmt.Sprintf("range violation: %s=%g outside [%g, %g] (checksum %s)",
		e.Factor, e.Value, e.Bounds.Lo, e.Bounds.Hi, e.Checksum)
}

// Offsets locates the scene inside the source document.
type Offsets struct {
	StartChar int `json:"start_char"`
	EndChar   int `json:"end_char"`
}

// FeatureVector is the per-scene input record to the Quality Scorer.
//
// Description:
//
//	Identifies one scene of one work and carries the five scored factors
//	plus auxiliary metrics used for anomaly tagging and narrative-state
//	classification. The Checksum is a content checksum of the source scene
//	text and is the idempotence key for scoring: the same checksum with the
//	same weight set always yields a bit-identical QualityScore.
//
// Thread Safety: Immutable once produced; share freely.
type FeatureVector struct {
	// WorkID identifies the narrative work.
	WorkID string `json:"work_id"`

	// ChapterID identifies the chapter, empty for chapterless works.
	ChapterID string `json:"chapter_id,omitempty"`

	// SceneID identifies the scene within the work.
	SceneID string `json:"scene_id"`

	// Checksum is the content checksum of the source scene text.
	Checksum string `json:"checksum"`

	// Offsets locates the scene in the source document.
	Offsets Offsets `json:"offsets"`

	// Sentiment is the scene sentiment polarity (S), in [-1, 1].
	Sentiment float64 `json:"sentiment"`

	// Lexical is the lexical complexity load (L), in [0, 100].
	Lexical float64 `json:"lexical_load"`

	// Feat is the feat magnitude (F), in [0, 10].
	Feat float64 `json:"feat_magnitude"`

	// Novelty is the vocabulary novelty (N), in [0, 1].
	Novelty float64 `json:"novelty"`

	// Internal is the internal-change score (I), in [0, 10].
	Internal float64 `json:"internal_change"`

	// DTARatio is the dialogue-to-action token ratio. Auxiliary: used for
	// the dialogue_heavy tag and rule extraction, not scored.
	DTARatio float64 `json:"dta_ratio"`

	// TempoShift is the normalized words-per-sentence drift. Auxiliary:
	// used for narrative-state classification and the pacing dimension.
	TempoShift float64 `json:"tempo_shift"`
}

// SceneRef identifies a scene for events and flags.
type SceneRef struct {
	WorkID    string `json:"work_id"`
	ChapterID string `json:"chapter_id,omitempty"`
	SceneID   string `json:"scene_id"`
}

// Ref returns the scene reference for this vector.
func (v *FeatureVector) Ref() SceneRef {
	return SceneRef{WorkID: v.WorkID, ChapterID: v.ChapterID, SceneID: v.SceneID}
}

// FactorValue returns the value of a scored factor.
func (v *FeatureVector) FactorValue(f Factor) float64 {
	switch f {
	case FactorSentiment:
		return v.Sentiment
	case FactorLexical:
		return v.Lexical
	case FactorFeat:
		return v.Feat
	case FactorNovelty:
		return v.Novelty
	case FactorInternal:
		return v.Internal
	}
	return 0
}

// Validate checks every scored factor against its declared range.
//
// Description:
//
//	Returns the first violation found, in canonical factor order, as a
//	*RangeViolation. Auxiliary metrics (DTARatio, TempoShift) are not
//	validated here; they carry no declared bounds.
//
// Outputs:
//
//	error - Nil if all factors are in range, otherwise *RangeViolation.
func (v *FeatureVector) Validate() error {
	for _, f := range Factors {
		val := v.FactorValue(f)
		bounds := declaredRanges[f]
		if !bounds.Contains(val) {
			return &RangeViolation{
				Checksum: v.Checksum,
				Factor:   f,
				Value:    val,
				Bounds:   bounds,
			}
		}
	}
	return nil
}

// ComputeChecksum derives the content checksum for a scene text.
//
// Upstream stages normally supply the checksum; this helper exists so tests
// and local ingestion produce keys identical to the Harvester's.
func ComputeChecksum(sceneText string) string {
	sum := sha256.Sum256([]byte(sceneText))
	return hex.EncodeToString(sum[:])
}
