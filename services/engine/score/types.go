// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package score

import (
	"fmt"

	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// PipelineStage is the provenance stage identifier stamped on every
// QualityScore. Bump when the scoring formula changes.
const PipelineStage = "engines.v1"

// Tag is an enumerated anomaly kind. Tags are never free text.
type Tag string

const (
	// TagPowerCreep marks a feat-magnitude jump beyond the configured
	// sigma multiplier against the trailing window.
	TagPowerCreep Tag = "power_creep"

	// TagDialogueHeavy marks a dialogue-to-action ratio above the
	// dialogue ceiling.
	TagDialogueHeavy Tag = "dialogue_heavy"

	// TagLowQuality marks a composite score under the quality floor.
	TagLowQuality Tag = "low_quality"
)

// WeightSet holds the per-genre factor weights for the composite score.
//
// The weights sum to the declared Norm constant. Norm is not necessarily
// 1: the default set sums to 5.0, matching the reference weighting where
// each factor carries unit-order influence before the sigmoid squash.
type WeightSet struct {
	// Genre names the weight set ("" for the default).
	Genre string `json:"genre,omitempty" yaml:"genre,omitempty"`

	// Sentiment is the weight for S.
	Sentiment float64 `json:"sentiment" yaml:"sentiment"`

	// Lexical is the weight for L.
	Lexical float64 `json:"lexical_load" yaml:"lexical_load"`

	// Feat is the weight for F.
	Feat float64 `json:"feat_magnitude" yaml:"feat_magnitude"`

	// Novelty is the weight for N.
	Novelty float64 `json:"novelty" yaml:"novelty"`

	// Internal is the weight for I.
	Internal float64 `json:"internal_change" yaml:"internal_change"`

	// Norm is the declared normalization constant the weights sum to.
	Norm float64 `json:"norm" yaml:"norm"`
}

// DefaultWeights returns the reference weight set (norm constant 5.0).
func DefaultWeights() WeightSet {
	return WeightSet{
		Sentiment: 1.0,
		Lexical:   0.8,
		Feat:      1.2,
		Novelty:   0.9,
		Internal:  1.1,
		Norm:      5.0,
	}
}

// Weight returns the weight for a factor.
func (w WeightSet) Weight(f vector.Factor) float64 {
	switch f {
	case vector.FactorSentiment:
		return w.Sentiment
	case vector.FactorLexical:
		return w.Lexical
	case vector.FactorFeat:
		return w.Feat
	case vector.FactorNovelty:
		return w.Novelty
	case vector.FactorInternal:
		return w.Internal
	}
	return 0
}

// Validate checks that the weights sum to the declared norm constant.
//
// The tolerance absorbs decimal representation error only; a weight set
// that genuinely deviates from its declared norm is a configuration bug.
func (w WeightSet) Validate() error {
	sum := w.Sentiment + w.Lexical + w.Feat + w.Novelty + w.Internal
	const tolerance = 1e-9
	diff := sum - w.Norm
	if diff < -tolerance || diff > tolerance {
		return fmt.Errorf("weight set %q sums to %g, declared norm is %g", w.Genre, sum, w.Norm)
	}
	return nil
}

// Contribution is one factor's weighted share of the pre-sigmoid logit.
//
// Contributions are stored as an ordered slice in canonical factor order
// so the serialized QualityScore is byte-stable.
type Contribution struct {
	Factor   vector.Factor `json:"factor"`
	Value    float64       `json:"value"`
	Weight   float64       `json:"weight"`
	Weighted float64       `json:"weighted"`
}

// Provenance records what produced a QualityScore.
type Provenance struct {
	// Stage is the pipeline stage identifier.
	Stage string `json:"pipeline_stage"`

	// InputHash is the content hash of the inputs (vector checksum plus
	// weight set) that produced the score.
	InputHash string `json:"hash"`
}

// QualityScore is the derived, immutable scoring result for one scene.
//
// Description:
//
//	Derived from exactly one FeatureVector. Recomputing with identical
//	inputs yields a bit-identical QualityScore; when a judgment backend
//	was consulted the score additionally carries the responding backend's
//	identity and confidence.
//
// Thread Safety: Immutable once returned by the Scorer.
type QualityScore struct {
	// Ref identifies the scored scene.
	Ref vector.SceneRef `json:"ref"`

	// Checksum is the content checksum of the scored vector.
	Checksum string `json:"checksum"`

	// Score is the bounded composite quality score in [0, 100].
	Score float64 `json:"score"`

	// Contributions is the per-factor weighted breakdown, in canonical
	// factor order.
	Contributions []Contribution `json:"contributions"`

	// Anomalies lists the attached anomaly tags, in detection order.
	Anomalies []Tag `json:"anomalies"`

	// CreepSigma is the feat-magnitude deviation against the trailing
	// window, in sigma units. Zero when no history was available.
	CreepSigma float64 `json:"creep_sigma"`

	// Provenance records the producing stage and input hash.
	Provenance Provenance `json:"provenance"`

	// Backend is the identity of the judgment backend, when one was
	// consulted. Empty for purely deterministic scores.
	Backend string `json:"backend,omitempty"`

	// Confidence is the judgment confidence, when a backend was
	// consulted.
	Confidence float64 `json:"confidence,omitempty"`
}

// Tagged reports whether the score carries a tag.
func (q *QualityScore) Tagged(tag Tag) bool {
	for _, t := range q.Anomalies {
		if t == tag {
			return true
		}
	}
	return false
}
