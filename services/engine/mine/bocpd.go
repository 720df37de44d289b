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
	"math"
)

// BOCPDConfig parameterizes the Bayesian online changepoint detector.
type BOCPDConfig struct {
	// Hazard is the per-step changepoint hazard rate, 1/expected run
	// length. Default 1/50: roughly one regime change per fifty scenes.
	Hazard float64

	// Threshold is the minimum posterior mass on short run lengths
	// (r <= Lag) for a detection. Default 0.5.
	Threshold float64

	// Lag is the run-length ceiling that counts as "the run just
	// restarted". Default 2.
	Lag int

	// MinRun is the shortest established run whose collapse counts as a
	// changepoint; collapses during the initial burn-in are ignored.
	// Default 5.
	MinRun int

	// MinDistance is the minimum scene distance between reported
	// changepoints. Of two detections closer than this, the higher
	// confidence survives. Default 5.
	MinDistance int

	// Prior is the normal-gamma prior over the segment mean and
	// precision.
	Prior NormalGammaPrior
}

// NormalGammaPrior is the conjugate prior for the student-t predictive.
type NormalGammaPrior struct {
	Mu    float64 // prior mean
	Kappa float64 // pseudo-observations behind Mu
	Alpha float64 // gamma shape
	Beta  float64 // gamma rate
}

// DefaultBOCPDConfig returns the reference detector parameters.
func DefaultBOCPDConfig() BOCPDConfig {
	return BOCPDConfig{
		Hazard:      1.0 / 50.0,
		Threshold:   0.5,
		Lag:         2,
		MinRun:      5,
		MinDistance: 5,
		Prior:       NormalGammaPrior{Mu: 0, Kappa: 1, Alpha: 1, Beta: 1},
	}
}

// Changepoint is one detected regime boundary in a dimension series.
type Changepoint struct {
	// Index is the position in the series where the new regime starts.
	Index int `json:"index"`

	// Confidence is the posterior changepoint probability at detection,
	// in (0, 1].
	Confidence float64 `json:"confidence"`

	// Statistic is the detection statistic: how far the MAP run length
	// fell when the regime broke, in scenes. Larger collapses mean a
	// longer established regime ended abruptly.
	Statistic float64 `json:"statistic"`
}

// studentTLogPDF evaluates the log density of a location-scale student-t.
//
// nu is the degrees of freedom, mu the location, sigma2 the squared scale.
func studentTLogPDF(x, nu, mu, sigma2 float64) float64 {
	lg := func(v float64) float64 {
		r, _ := math.Lgamma(v)
		return r
	}
	z := (x - mu) * (x - mu) / sigma2
	return lg((nu+1)/2) - lg(nu/2) -
		0.5*math.Log(nu*math.Pi*sigma2) -
		(nu+1)/2*math.Log1p(z/nu)
}

// runState holds the posterior parameters for one run-length hypothesis.
type runState struct {
	mu    float64
	kappa float64
	alpha float64
	beta  float64
}

// predictLog returns the log predictive density of x under the hypothesis.
func (r runState) predictLog(x float64) float64 {
	nu := 2 * r.alpha
	sigma2 := r.beta * (r.kappa + 1) / (r.alpha * r.kappa)
	return studentTLogPDF(x, nu, r.mu, sigma2)
}

// update returns the posterior after observing x.
func (r runState) update(x float64) runState {
	return runState{
		mu:    (r.kappa*r.mu + x) / (r.kappa + 1),
		kappa: r.kappa + 1,
		alpha: r.alpha + 0.5,
		beta:  r.beta + r.kappa*(x-r.mu)*(x-r.mu)/(2*(r.kappa+1)),
	}
}

// standardize maps a series to zero mean and unit variance so the default
// prior is well scaled regardless of the dimension's raw units. A
// zero-variance series comes back nil; the caller skips it.
func standardize(values []float64) []float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	if variance == 0 {
		return nil
	}
	std := math.Sqrt(variance)

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// DetectChangepoints runs Bayesian online changepoint detection over one
// dimension series.
//
// Description:
//
//	Maintains the run-length posterior with a student-t predictive under
//	a normal-gamma prior, over the standardized series. A regime change
//	shows up as the MAP run length collapsing to near zero: when an
//	established run (>= MinRun) collapses to <= Lag and the posterior
//	mass on short runs meets the threshold, the inferred start of the
//	new run is a candidate. Candidates closer than MinDistance are
//	deduplicated keeping the higher confidence, the earlier index
//	winning ties, so output order is deterministic.
//
// Inputs:
//
//	values - The dimension series in scene order.
//	cfg - Detector parameters.
//
// Outputs:
//
//	[]Changepoint - Detections sorted by index.
func DetectChangepoints(values []float64, cfg BOCPDConfig) []Changepoint {
	if len(values) < 2*cfg.MinRun {
		return nil
	}
	std := standardize(values)
	if std == nil {
		return nil
	}

	prior := runState{
		mu:    cfg.Prior.Mu,
		kappa: cfg.Prior.Kappa,
		alpha: cfg.Prior.Alpha,
		beta:  cfg.Prior.Beta,
	}

	// probs[r] is the posterior mass of run length r; states[r] the
	// matching sufficient statistics.
	probs := []float64{1}
	states := []runState{prior}

	var candidates []Changepoint
	prevMAP := 0
	for t, x := range std {
		grown := make([]float64, len(probs)+1)
		next := make([]runState, len(probs)+1)
		next[0] = prior

		cpMass := 0.0
		for r := range probs {
			pred := math.Exp(states[r].predictLog(x))
			joint := probs[r] * pred
			grown[r+1] = joint * (1 - cfg.Hazard)
			next[r+1] = states[r].update(x)
			cpMass += joint * cfg.Hazard
		}
		grown[0] = cpMass

		total := 0.0
		for _, p := range grown {
			total += p
		}
		if total <= 0 || math.IsNaN(total) {
			// Degenerate numerics. Reset to the prior and continue.
			probs = []float64{1}
			states = []runState{prior}
			prevMAP = 0
			continue
		}
		for r := range grown {
			grown[r] /= total
		}
		probs, states = grown, next

		mapRun := 0
		for r, p := range probs {
			if p > probs[mapRun] {
				mapRun = r
			}
		}

		if mapRun <= cfg.Lag && prevMAP >= cfg.MinRun {
			shortMass := 0.0
			for r := 0; r <= cfg.Lag && r < len(probs); r++ {
				shortMass += probs[r]
			}
			if shortMass >= cfg.Threshold {
				idx := t - mapRun
				if idx > 0 {
					candidates = append(candidates, Changepoint{
						Index:      idx,
						Confidence: shortMass,
						Statistic:  float64(prevMAP - mapRun),
					})
				}
			}
		}
		prevMAP = mapRun
	}

	return dedupeChangepoints(candidates, cfg.MinDistance)
}

// dedupeChangepoints enforces the minimum distance, keeping the higher
// confidence of any conflicting pair.
func dedupeChangepoints(cps []Changepoint, minDistance int) []Changepoint {
	if len(cps) < 2 {
		return cps
	}

	// Input arrives index-sorted from the detector. Greedy sweep: keep a
	// point unless it conflicts with the last kept one, in which case the
	// higher confidence survives.
	out := []Changepoint{cps[0]}
	for _, cp := range cps[1:] {
		last := &out[len(out)-1]
		if cp.Index-last.Index >= minDistance {
			out = append(out, cp)
			continue
		}
		if cp.Confidence > last.Confidence {
			*last = cp
		}
	}
	return out
}
