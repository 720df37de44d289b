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
	"math/rand"
	"sort"

	"github.com/AleutianAI/NumericBible/services/engine/series"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// Severity grades an outlier flag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// OutlierConfig parameterizes outlier detection.
type OutlierConfig struct {
	// MADThreshold is the robust z-score above which the univariate
	// pre-filter flags a point. Default 3.5 (the Iglewicz-Hoaglin cut).
	MADThreshold float64

	// Trees is the isolation forest size. Default 100.
	Trees int

	// SampleSize is the per-tree subsample. Default 64, clamped to the
	// series length.
	SampleSize int

	// ForestThreshold is the isolation score above which the forest
	// flags a point. Default 0.6.
	ForestThreshold float64

	// Seed makes the forest deterministic for a given series.
	Seed int64
}

// DefaultOutlierConfig returns the reference detection parameters.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{
		MADThreshold:    3.5,
		Trees:           100,
		SampleSize:      64,
		ForestThreshold: 0.6,
		Seed:            1,
	}
}

// Outlier is one flagged scene.
type Outlier struct {
	// Ref identifies the flagged scene. Filled by the miner, which owns
	// the mapping from detector rows back to series entries.
	Ref vector.SceneRef `json:"scene"`

	// Index is the position in the series snapshot. DetectOutliers
	// reports row positions; the miner translates them to snapshot
	// positions so gaps (unscored scenes) do not shift the flags.
	Index int `json:"index"`

	// Dimension names the dimension whose robust z-score flagged the
	// point, or "joint" when only the isolation forest flagged it.
	Dimension string `json:"dimension"`

	// Score is the stronger of the two normalized signals: the robust
	// z-score scaled against its threshold, or the isolation score.
	Score float64 `json:"score"`

	// RobustZ is the MAD-based robust z-score of the point.
	RobustZ float64 `json:"robust_z"`

	// IsolationScore is the forest anomaly score in [0, 1].
	IsolationScore float64 `json:"isolation_score"`

	// Severity grades the flag for triage.
	Severity Severity `json:"severity"`
}

// robustZScores returns the MAD-based z-score per point.
//
// Uses the 0.6745 consistency constant so the score reads in sigma units
// for normal data. A zero-MAD (constant) series yields all-zero scores.
func robustZScores(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	mad := median(dev)
	if mad == 0 {
		return out
	}
	for i, v := range values {
		out[i] = 0.6745 * (v - med) / mad
	}
	return out
}

func median(values []float64) float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// ==== isolation forest ====

type isoNode struct {
	split   float64
	dim     int
	left    *isoNode
	right   *isoNode
	size    int // leaf population
	leaf    bool
	depthAt int
}

// buildIsoTree recursively partitions a sample of row indices.
func buildIsoTree(rows [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &isoNode{leaf: true, size: len(idx), depthAt: depth}
	}

	dims := len(rows[0])
	dim := rng.Intn(dims)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := rows[i][dim]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return &isoNode{leaf: true, size: len(idx), depthAt: depth}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []int
	for _, i := range idx {
		if rows[i][dim] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &isoNode{
		split: split,
		dim:   dim,
		left:  buildIsoTree(rows, left, depth+1, maxDepth, rng),
		right: buildIsoTree(rows, right, depth+1, maxDepth, rng),
	}
}

// pathLength walks a point down a tree, with the standard harmonic
// adjustment for unsplit leaves.
func (n *isoNode) pathLength(row []float64) float64 {
	if n.leaf {
		return float64(n.depthAt) + avgPathLength(n.size)
	}
	if row[n.dim] < n.split {
		return n.left.pathLength(row)
	}
	return n.right.pathLength(row)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// isolationScores returns the forest anomaly score in [0, 1] per row.
func isolationScores(rows [][]float64, cfg OutlierConfig) []float64 {
	out := make([]float64, len(rows))
	if len(rows) < 2 {
		return out
	}

	sample := cfg.SampleSize
	if sample > len(rows) {
		sample = len(rows)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1
	rng := rand.New(rand.NewSource(cfg.Seed))

	trees := make([]*isoNode, 0, cfg.Trees)
	for t := 0; t < cfg.Trees; t++ {
		perm := rng.Perm(len(rows))[:sample]
		trees = append(trees, buildIsoTree(rows, perm, 0, maxDepth, rng))
	}

	c := avgPathLength(sample)
	if c == 0 {
		return out
	}
	for i, row := range rows {
		sum := 0.0
		for _, tree := range trees {
			sum += tree.pathLength(row)
		}
		avg := sum / float64(len(trees))
		out[i] = math.Pow(2, -avg/c)
	}
	return out
}

// DetectOutliers flags anomalous scenes over the multi-dimension space.
//
// Description:
//
//	Two detectors vote. The MAD pre-filter runs per dimension and flags
//	any point whose robust z-score exceeds the threshold in at least one
//	dimension; the isolation forest runs over the joint space and flags
//	points whose isolation score exceeds its threshold. A point flagged
//	by either detector is reported, scored by its stronger normalized
//	signal.
//
// Inputs:
//
//	rows - One row per scene, columns in canonical dimension order.
//	dims - Column labels, one per row column.
//	cfg - Detection parameters.
//
// Outputs:
//
//	[]Outlier - Flags sorted by row index, attributed to the dimension
//	whose robust z-score dominated (or "joint" for forest-only flags).
func DetectOutliers(rows [][]float64, dims []series.Dimension, cfg OutlierConfig) []Outlier {
	if len(rows) == 0 {
		return nil
	}

	cols := len(rows[0])
	maxZ := make([]float64, len(rows))
	maxDim := make([]int, len(rows))
	for d := 0; d < cols; d++ {
		col := make([]float64, len(rows))
		for i, row := range rows {
			col[i] = row[d]
		}
		for i, z := range robustZScores(col) {
			if math.Abs(z) > math.Abs(maxZ[i]) {
				maxZ[i] = z
				maxDim[i] = d
			}
		}
	}

	iso := isolationScores(rows, cfg)

	var out []Outlier
	for i := range rows {
		zSignal := math.Abs(maxZ[i]) / cfg.MADThreshold
		forestFlag := iso[i] >= cfg.ForestThreshold
		madFlag := zSignal >= 1
		if !madFlag && !forestFlag {
			continue
		}

		dim := "joint"
		if madFlag && maxDim[i] < len(dims) {
			dim = string(dims[maxDim[i]])
		}

		score := zSignal
		if iso[i] > score {
			score = iso[i]
		}
		out = append(out, Outlier{
			Index:          i,
			Dimension:      dim,
			Score:          score,
			RobustZ:        maxZ[i],
			IsolationScore: iso[i],
			Severity:       grade(score),
		})
	}
	return out
}

// grade maps the combined signal to a severity tier.
func grade(score float64) Severity {
	switch {
	case score >= 2:
		return SeverityCritical
	case score >= 1.3:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}
