// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package score implements the Quality Scorer: the reduction of a per-scene
// feature vector to one bounded quality score with anomaly tags.
//
// The score is a logistic-squashed weighted sum of the five declared
// factors:
//
//	score = 100 · sigmoid(w_S·S + w_L·L + w_F·F + w_N·N + w_I·I)
//
// The Scorer is deterministic and idempotent: the same checksum-identified
// vector under the same weight set yields a bit-identical QualityScore, and
// retries never create duplicate `scored` events. At most one in-flight
// computation exists per checksum (a singleflight lease); a concurrent
// request for the same checksum waits for the first result instead of
// recomputing.
//
// Thread Safety:
//
//	Scorer is safe for concurrent use.
package score

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/NumericBible/services/engine/backends"
	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/metrics"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// Judge is the optional hook for feat-magnitude judgment calls.
//
// When a power-creep tag fires and a Judge is configured, the Scorer asks
// it whether the jump is earned, and records the responding backend's
// identity and confidence on the QualityScore. Judge failures degrade
// silently: the deterministic score stands and the judgment is left
// unresolved by the caller.
type Judge interface {
	JudgeFeat(ctx context.Context, vec *vector.FeatureVector, creepSigma float64) (*backends.Result, error)
}

// Config holds the scorer thresholds.
type Config struct {
	// SigmaMultiplier is the power-creep threshold in sigma units
	// (default 2.0). The boundary is inclusive: a deviation of exactly
	// SigmaMultiplier sigma attaches the tag.
	SigmaMultiplier float64

	// DialogueCeiling is the dialogue-to-action ratio above which the
	// dialogue_heavy tag attaches (default 0.85).
	DialogueCeiling float64

	// QualityFloor is the score under which the low_quality tag attaches
	// (default 35).
	QualityFloor float64
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		SigmaMultiplier: 2.0,
		DialogueCeiling: 0.85,
		QualityFloor:    35,
	}
}

// Scorer computes quality scores with idempotence and audit guarantees.
type Scorer struct {
	cfg     Config
	log     eventlog.Log
	judge   Judge
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*QualityScore

	group singleflight.Group
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithConfig overrides the default thresholds.
func WithConfig(cfg Config) Option {
	return func(s *Scorer) { s.cfg = cfg }
}

// WithJudge attaches the feat-judgment hook.
func WithJudge(j Judge) Option {
	return func(s *Scorer) { s.judge = j }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) { s.logger = logger }
}

// NewScorer creates a Scorer writing to the given event log.
func NewScorer(log eventlog.Log, opts ...Option) *Scorer {
	s := &Scorer{
		cfg:    DefaultConfig(),
		log:    log,
		logger: slog.Default(),
		cache:  make(map[string]*QualityScore),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cacheKey combines the idempotence inputs: vector checksum + weight set.
func cacheKey(checksum string, weights WeightSet) string {
	return checksum + "|" + eventlog.HashPayload(weights)
}

// Score reduces one feature vector to a QualityScore.
//
// Description:
//
//	Validates the vector against its declared ranges (out-of-bound input
//	fails with *vector.RangeViolation and the scene stays unscored — it
//	is never clamped), computes the logistic composite, and attaches
//	anomaly tags. featHistory is the trailing window of feat magnitudes
//	for preceding scenes of the same work, in scene order; the power
//	creep check compares the incoming feat magnitude against that
//	window's standard deviation.
//
//	Every invocation appends exactly one `scored` event: outcome
//	"success" for a fresh computation, "cache_hit" for an idempotent
//	short-circuit. Concurrent callers for the same checksum share the
//	first caller's computation and its single event. A cancelled
//	computation appends an `aborted` event and releases the checksum
//	lease so retries recompute.
//
// Inputs:
//
//	ctx - Cancellation context.
//	vec - The scene's feature vector.
//	weights - The genre weight set. Must validate against its norm.
//	featHistory - Trailing feat magnitudes for the work, scene order.
//
// Outputs:
//
//	*QualityScore - The immutable scoring result.
//	error - *vector.RangeViolation for out-of-bound input, context
//	errors on cancellation.
func (s *Scorer) Score(ctx context.Context, vec *vector.FeatureVector, weights WeightSet, featHistory []float64) (*QualityScore, error) {
	key := cacheKey(vec.Checksum, weights)

	if cached := s.lookup(key); cached != nil {
		s.metrics.ObserveScored("cache_hit")
		s.emit(ctx, vec.Checksum, eventlog.ActionScored, eventlog.OutcomeCacheHit, cached.Provenance.InputHash)
		return cached, nil
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		// Double-check under the lease: a previous leader may have
		// populated the cache between lookup and Do.
		if cached := s.lookup(key); cached != nil {
			return cached, nil
		}
		return s.compute(ctx, key, vec, weights, featHistory)
	})
	if err != nil {
		return nil, err
	}
	return result.(*QualityScore), nil
}

// lookup returns the cached score for a key, or nil.
func (s *Scorer) lookup(key string) *QualityScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[key]
}

// compute runs the scoring math under the checksum lease.
func (s *Scorer) compute(ctx context.Context, key string, vec *vector.FeatureVector, weights WeightSet, featHistory []float64) (*QualityScore, error) {
	if err := ctx.Err(); err != nil {
		s.abort(vec.Checksum, key)
		return nil, err
	}

	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := vec.Validate(); err != nil {
		var rv *vector.RangeViolation
		if errors.As(err, &rv) {
			s.metrics.ObserveScored("range_violation")
			s.emit(ctx, vec.Checksum, eventlog.ActionScored, eventlog.OutcomeFailure, eventlog.HashPayload(rv))
		}
		return nil, err
	}

	contributions := make([]Contribution, 0, len(vector.Factors))
	logit := 0.0
	for _, f := range vector.Factors {
		value := vec.FactorValue(f)
		weight := weights.Weight(f)
		weighted := value * weight
		logit += weighted
		contributions = append(contributions, Contribution{
			Factor:   f,
			Value:    value,
			Weight:   weight,
			Weighted: weighted,
		})
	}

	q := &QualityScore{
		Ref:           vec.Ref(),
		Checksum:      vec.Checksum,
		Score:         100 * sigmoid(logit),
		Contributions: contributions,
		Anomalies:     []Tag{},
		Provenance: Provenance{
			Stage:     PipelineStage,
			InputHash: eventlog.HashPayload(struct {
				Checksum string    `json:"checksum"`
				Weights  WeightSet `json:"weights"`
			}{vec.Checksum, weights}),
		},
	}

	// Independent anomaly checks; each can attach its own tag.
	q.CreepSigma = creepSigma(vec.Feat, featHistory)
	if len(featHistory) > 0 && q.CreepSigma >= s.cfg.SigmaMultiplier {
		q.Anomalies = append(q.Anomalies, TagPowerCreep)
		s.judgeFeat(ctx, vec, q)
	}
	if vec.DTARatio > s.cfg.DialogueCeiling {
		q.Anomalies = append(q.Anomalies, TagDialogueHeavy)
	}
	if q.Score < s.cfg.QualityFloor {
		q.Anomalies = append(q.Anomalies, TagLowQuality)
	}

	if err := ctx.Err(); err != nil {
		s.abort(vec.Checksum, key)
		return nil, err
	}

	// Log before cache: observable state never runs ahead of the log.
	s.emit(ctx, vec.Checksum, eventlog.ActionScored, eventlog.OutcomeSuccess, q.Provenance.InputHash)
	s.metrics.ObserveScored("success")

	s.mu.Lock()
	s.cache[key] = q
	s.mu.Unlock()

	return q, nil
}

// judgeFeat consults the judgment backend for a flagged feat jump.
func (s *Scorer) judgeFeat(ctx context.Context, vec *vector.FeatureVector, q *QualityScore) {
	if s.judge == nil {
		return
	}
	res, err := s.judge.JudgeFeat(ctx, vec, q.CreepSigma)
	if err != nil {
		// Degraded path: the deterministic score stands, the judgment
		// stays unresolved.
		s.logger.Warn("feat judgment unresolved",
			"checksum", vec.Checksum,
			"creep_sigma", q.CreepSigma,
			"error", err,
		)
		return
	}
	q.Backend = res.Backend
	q.Confidence = res.Confidence
}

// abort records a cancelled attempt and releases the checksum lease.
func (s *Scorer) abort(checksum, key string) {
	s.metrics.ObserveScored("aborted")
	// The append uses a fresh context: the caller's is already dead.
	s.emit(context.Background(), checksum, eventlog.ActionAborted, eventlog.OutcomeFailure, "")
	s.group.Forget(key)
}

// emit appends one scorer event, logging (not failing) on append errors.
func (s *Scorer) emit(ctx context.Context, checksum string, action eventlog.Action, outcome eventlog.Outcome, payloadHash string) {
	_, err := s.log.Append(ctx, eventlog.Event{
		Stage:       eventlog.StageScorer,
		SubjectRef:  checksum,
		Action:      action,
		Outcome:     outcome,
		PayloadHash: payloadHash,
	})
	if err != nil {
		s.logger.Error("scorer event append failed",
			"checksum", checksum,
			"action", string(action),
			"error", err,
		)
	}
}

// sigmoid is the logistic squash. math.Exp saturates to +Inf for large
// negative logits, which collapses cleanly to 0 — no special casing.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// creepSigma returns the deviation of feat against the trailing window in
// sigma units, using the sample standard deviation (n-1 denominator).
//
// A window shorter than two entries, or a degenerate zero-variance window,
// yields 0: no history, no creep.
func creepSigma(feat float64, history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	mean := 0.0
	for _, h := range history {
		mean += h
	}
	mean /= float64(len(history))

	variance := 0.0
	for _, h := range history {
		d := h - mean
		variance += d * d
	}
	if len(history) > 1 {
		variance /= float64(len(history) - 1)
	}
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return math.Abs(feat-mean) / std
}

// Cached returns the cached score for a checksum and weight set, if one
// exists. Read-only; used by the pipeline to short-circuit re-submissions
// without emitting events.
func (s *Scorer) Cached(checksum string, weights WeightSet) (*QualityScore, bool) {
	q := s.lookup(cacheKey(checksum, weights))
	return q, q != nil
}
