// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules derives versioned genre rules from mined series segments.
//
// A rule is a statistical statement of the form "in climax segments, the
// dialogue-to-action ratio falls in [lo, hi]". Rules are extracted per
// narrative state from the segments between consecutive changepoints, and
// kept as an append-only version history: extraction never overwrites an
// earlier version.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/metrics"
	"github.com/AleutianAI/NumericBible/services/engine/mine"
	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/series"
)

// minSupport is the smallest sample count a rule may be extracted from.
const minSupport = 3

// Range is the observed value interval of a rule, inclusive.
type Range struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// GenreRule is one versioned statistical rule.
type GenreRule struct {
	// ID is the stable rule identity: genre + condition + metric. New
	// extractions of the same identity get new versions, not new IDs.
	ID string `json:"id"`

	// Version is the 1-based extraction version of this identity.
	Version int `json:"version"`

	// Genre names the corpus slice the rule was extracted from.
	Genre string `json:"genre"`

	// Condition is the narrative-state predicate ("state=climax").
	Condition string `json:"condition"`

	// Metric names the measured quantity.
	Metric string `json:"metric"`

	// Range is the observed interval of the metric under the condition.
	Range Range `json:"range"`

	// Mean and Variance summarize the sample.
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`

	// Confidence grows with sample size and shrinks with variance,
	// bounded to (0, 1).
	Confidence float64 `json:"confidence"`

	// Support is the number of scenes behind the rule.
	Support int `json:"support"`

	// ExtractedAt is the extraction timestamp (UTC).
	ExtractedAt time.Time `json:"extracted_at"`

	// SourceWorks lists the works the sample came from.
	SourceWorks []string `json:"source_works"`
}

// ExportRecord is the flattened rule form for dataset assembly.
type ExportRecord struct {
	Condition  string  `json:"condition"`
	Metric     string  `json:"metric"`
	Range      Range   `json:"range"`
	Confidence float64 `json:"confidence"`
	Support    int     `json:"support"`
}

// Export flattens the rule for the dataset writer.
func (r *GenreRule) Export() ExportRecord {
	return ExportRecord{
		Condition:  r.Condition,
		Metric:     r.Metric,
		Range:      r.Range,
		Confidence: r.Confidence,
		Support:    r.Support,
	}
}

// Extractor derives genre rules from mined segments and keeps the version
// history.
//
// Thread Safety: Safe for concurrent use.
type Extractor struct {
	log     eventlog.Log
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       sync.RWMutex
	versions map[string][]*GenreRule // identity -> version history, ascending
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.nowFunc = now }
}

// NewExtractor creates an Extractor writing audit events to the given log.
func NewExtractor(log eventlog.Log, opts ...Option) *Extractor {
	e := &Extractor{
		log:      log,
		logger:   slog.Default(),
		nowFunc:  time.Now,
		versions: make(map[string][]*GenreRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// segment is a run of consecutive scenes between changepoints.
type segment struct {
	start, end int // [start, end) over the snapshot
}

// segments splits a snapshot on the quality-dimension changepoints. With
// no changepoints the whole series is one segment.
func segments(n int, cps []mine.Changepoint) []segment {
	if n == 0 {
		return nil
	}
	bounds := []int{0}
	for _, cp := range cps {
		if cp.Index > 0 && cp.Index < n {
			bounds = append(bounds, cp.Index)
		}
	}
	bounds = append(bounds, n)
	sort.Ints(bounds)

	var out []segment
	for i := 0; i+1 < len(bounds); i++ {
		if bounds[i] < bounds[i+1] {
			out = append(out, segment{start: bounds[i], end: bounds[i+1]})
		}
	}
	return out
}

// Extract derives DTA-ratio rules per narrative state from one work's
// mined series.
//
// Description:
//
//	Splits the series on the quality-dimension changepoints, groups the
//	scenes of each segment by narrative state, and pools the groups
//	across segments per state. Each state with enough support yields one
//	new rule version; states below the support floor are ignored. Every
//	extracted version emits a rule_extracted event.
//
// Inputs:
//
//	ctx - Cancellation context.
//	genre - The genre label the rules are filed under.
//	s - The work's scored series.
//	report - The work's mining report.
//
// Outputs:
//
//	[]*GenreRule - The new versions, in canonical state order.
//	error - ctx errors only.
func (e *Extractor) Extract(ctx context.Context, genre string, s *series.Series, report *mine.Report) ([]*GenreRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := s.Snapshot()
	segs := segments(len(entries), report.ChangepointsFor(series.DimQuality))

	byState := make(map[narrative.State][]float64)
	for _, seg := range segs {
		for _, entry := range entries[seg.start:seg.end] {
			byState[entry.State] = append(byState[entry.State], entry.Vector.DTARatio)
		}
	}

	var out []*GenreRule
	for _, state := range narrative.States {
		sample := byState[state]
		if len(sample) < minSupport {
			continue
		}
		rule := e.record(genre, state, "dta_ratio", sample, []string{s.WorkID()})
		e.emit(ctx, rule)
		e.metrics.ObserveRule()
		out = append(out, rule)
	}
	return out, nil
}

// record computes the rule statistics and appends a new version.
func (e *Extractor) record(genre string, state narrative.State, metric string, sample []float64, works []string) *GenreRule {
	lo, hi := sample[0], sample[0]
	mean := 0.0
	for _, v := range sample {
		mean += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	mean /= float64(len(sample))

	variance := 0.0
	for _, v := range sample {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sample) - 1)

	identity := fmt.Sprintf("%s/state=%s/%s", genre, state, metric)

	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.versions[identity]
	rule := &GenreRule{
		ID:          ruleID(identity, history),
		Version:     len(history) + 1,
		Genre:       genre,
		Condition:   fmt.Sprintf("state=%s", state),
		Metric:      metric,
		Range:       Range{Lo: lo, Hi: hi},
		Mean:        mean,
		Variance:    variance,
		Confidence:  confidence(len(sample), variance),
		Support:     len(sample),
		ExtractedAt: e.nowFunc().UTC(),
		SourceWorks: works,
	}
	e.versions[identity] = append(history, rule)
	return rule
}

// ruleID keeps the ID stable across versions of one identity.
func ruleID(identity string, history []*GenreRule) string {
	if len(history) > 0 {
		return history[0].ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(identity)).String()
}

// confidence maps sample size and variance to (0, 1).
//
// The size term saturates as n/(n+10); the variance term discounts noisy
// samples as 1/(1+var). Both are monotone, so more data never lowers
// confidence and tighter data never lowers it either.
func confidence(n int, variance float64) float64 {
	sizeTerm := float64(n) / (float64(n) + 10)
	spreadTerm := 1 / (1 + variance)
	c := sizeTerm * spreadTerm
	return math.Min(c, 1)
}

// Latest returns the newest version for a genre, state condition and
// metric, if any exists.
func (e *Extractor) Latest(genre string, state narrative.State, metric string) (*GenreRule, bool) {
	identity := fmt.Sprintf("%s/state=%s/%s", genre, state, metric)

	e.mu.RLock()
	defer e.mu.RUnlock()

	history := e.versions[identity]
	if len(history) == 0 {
		return nil, false
	}
	return history[len(history)-1], true
}

// History returns all versions for an identity, oldest first.
func (e *Extractor) History(genre string, state narrative.State, metric string) []*GenreRule {
	identity := fmt.Sprintf("%s/state=%s/%s", genre, state, metric)

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*GenreRule, len(e.versions[identity]))
	copy(out, e.versions[identity])
	return out
}

// All returns the newest version of every known rule, sorted by ID for
// stable export order.
func (e *Extractor) All() []*GenreRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*GenreRule
	for _, history := range e.versions {
		out = append(out, history[len(history)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Extractor) emit(ctx context.Context, rule *GenreRule) {
	_, err := e.log.Append(ctx, eventlog.Event{
		Stage:       eventlog.StageRules,
		SubjectRef:  rule.ID,
		Action:      eventlog.ActionRuleExtracted,
		Outcome:     eventlog.OutcomeSuccess,
		PayloadHash: eventlog.HashPayload(rule),
	})
	if err != nil {
		e.logger.Error("rule event append failed", "rule_id", rule.ID, "error", err)
	}
}
