// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validVector() *FeatureVector {
	return &FeatureVector{
		WorkID:    "w-1",
		ChapterID: "c-1",
		SceneID:   "s-1",
		Checksum:  ComputeChecksum("scene text"),
		Offsets:   Offsets{StartChar: 0, EndChar: 120},
		Sentiment: 0.4,
		Lexical:   55,
		Feat:      1.3,
		Novelty:   0.2,
		Internal:  0.8,
	}
}

func TestValidate_InRange(t *testing.T) {
	assert.NoError(t, validVector().Validate())
}

func TestValidate_Boundaries(t *testing.T) {
	v := validVector()
	v.Sentiment = -1
	v.Lexical = 100
	v.Feat = 0
	v.Novelty = 1
	v.Internal = 10
	assert.NoError(t, v.Validate(), "inclusive bounds must pass")
}

func TestValidate_RangeViolation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FeatureVector)
		factor Factor
	}{
		{"sentiment over", func(v *FeatureVector) { v.Sentiment = 1.5 }, FactorSentiment},
		{"sentiment under", func(v *FeatureVector) { v.Sentiment = -2 }, FactorSentiment},
		{"lexical over", func(v *FeatureVector) { v.Lexical = 101 }, FactorLexical},
		{"feat negative", func(v *FeatureVector) { v.Feat = -0.1 }, FactorFeat},
		{"novelty over", func(v *FeatureVector) { v.Novelty = 1.1 }, FactorNovelty},
		{"internal over", func(v *FeatureVector) { v.Internal = 11 }, FactorInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validVector()
			tt.mutate(v)

			err := v.Validate()
			require.Error(t, err)

			var rv *RangeViolation
			require.True(t, errors.As(err, &rv))
			assert.Equal(t, tt.factor, rv.Factor)
			assert.Equal(t, v.Checksum, rv.Checksum)
		})
	}
}

func TestValidate_FirstViolationInCanonicalOrder(t *testing.T) {
	v := validVector()
	v.Sentiment = 2
	v.Novelty = 3

	var rv *RangeViolation
	require.True(t, errors.As(v.Validate(), &rv))
	assert.Equal(t, FactorSentiment, rv.Factor)
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	a := ComputeChecksum("the same scene")
	b := ComputeChecksum("the same scene")
	c := ComputeChecksum("a different scene")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFactorValue_CanonicalOrder(t *testing.T) {
	v := validVector()
	want := []float64{0.4, 55, 1.3, 0.2, 0.8}
	for i, f := range Factors {
		assert.Equal(t, want[i], v.FactorValue(f))
	}
}

func TestRef(t *testing.T) {
	ref := validVector().Ref()
	assert.Equal(t, SceneRef{WorkID: "w-1", ChapterID: "c-1", SceneID: "s-1"}, ref)
}
