// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package narrative provides the discrete narrative-state labels that
// partition a scene series for rule extraction.
package narrative

// State is a discrete narrative-state label.
type State string

const (
	// StateSetup is exposition and low-tension scene setting.
	StateSetup State = "setup"

	// StateTension is rising action with accelerating tempo.
	StateTension State = "tension"

	// StateClimax is peak conflict, marked by high feat magnitude or a
	// sharp tempo spike.
	StateClimax State = "climax"

	// StateValley is the post-conflict trough with negative sentiment
	// and decelerating tempo.
	StateValley State = "valley"
)

// States lists the labels in canonical arc order.
var States = []State{StateSetup, StateTension, StateClimax, StateValley}

// climax/valley/tension thresholds, calibrated against the reference
// corpus. Deliberately coarse: the deterministic classifier is a prior,
// refined by arc-classification judgments when a backend is available.
const (
	climaxFeatThreshold  = 1.2
	climaxTempoThreshold = 0.5
	valleySentimentMax   = -0.1
	valleyTempoMax       = -0.2
	tensionTempoMin      = 0.1
)

// Classify labels one scene from its sentiment, tempo shift and feat
// magnitude.
//
// The rules are ordered: climax dominates, then valley, then tension,
// with setup as the default.
func Classify(sentiment, tempoShift, featMagnitude float64) State {
	if featMagnitude > climaxFeatThreshold || tempoShift > climaxTempoThreshold {
		return StateClimax
	}
	if sentiment < valleySentimentMax && tempoShift < valleyTempoMax {
		return StateValley
	}
	if tempoShift > tensionTempoMin {
		return StateTension
	}
	return StateSetup
}
