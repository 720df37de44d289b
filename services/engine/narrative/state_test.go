// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		sentiment  float64
		tempoShift float64
		feat       float64
		want       State
	}{
		{"quiet scene defaults to setup", 0.1, 0.0, 0.5, StateSetup},
		{"high feat is climax", 0.0, 0.0, 1.3, StateClimax},
		{"tempo spike is climax", 0.0, 0.6, 0.2, StateClimax},
		{"feat at threshold is not climax", 0.0, 0.0, 1.2, StateSetup},
		{"tempo at threshold is not climax", 0.0, 0.5, 0.2, StateTension},
		{"negative mood and deceleration is valley", -0.3, -0.4, 0.2, StateValley},
		{"negative mood alone is not valley", -0.3, 0.0, 0.2, StateSetup},
		{"deceleration alone is not valley", 0.2, -0.4, 0.2, StateSetup},
		{"rising tempo is tension", 0.3, 0.2, 0.5, StateTension},
		{"tempo at tension floor is setup", 0.3, 0.1, 0.5, StateSetup},
		{"climax dominates valley", -0.5, -0.5, 2.0, StateClimax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sentiment, tt.tempoShift, tt.feat))
		})
	}
}

func TestStates_CanonicalOrder(t *testing.T) {
	assert.Equal(t, []State{StateSetup, StateTension, StateClimax, StateValley}, States)
}
