// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mine implements the Mining Plan: changepoint detection per
// dimension and outlier detection over the joint dimension space.
//
// The miner reads immutable series snapshots and never mutates scoring
// state. Degenerate dimensions (constant, or too short to support the
// detector) are skipped with an audit event rather than producing noise.
package mine

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/metrics"
	"github.com/AleutianAI/NumericBible/services/engine/series"
)

// minSeriesLen is the shortest series the detectors accept per dimension.
const minSeriesLen = 8

// DimensionReport holds the mining result for one dimension.
type DimensionReport struct {
	Dimension    series.Dimension `json:"dimension"`
	Changepoints []Changepoint    `json:"changepoints"`
	Skipped      bool             `json:"skipped,omitempty"`
	SkipReason   string           `json:"skip_reason,omitempty"`
}

// Report is the full mining result for one work.
type Report struct {
	WorkID     string            `json:"work_id"`
	Scenes     int               `json:"scenes"`
	Dimensions []DimensionReport `json:"dimensions"`
	Outliers   []Outlier         `json:"outliers"`
}

// ChangepointsFor returns the detections for one dimension, nil if skipped.
func (r *Report) ChangepointsFor(dim series.Dimension) []Changepoint {
	for _, d := range r.Dimensions {
		if d.Dimension == dim {
			return d.Changepoints
		}
	}
	return nil
}

// Miner runs the mining plan over scored series.
//
// Thread Safety: Safe for concurrent use; all state is per-call.
type Miner struct {
	bocpd   BOCPDConfig
	outlier OutlierConfig
	log     eventlog.Log
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Miner.
type Option func(*Miner)

// WithBOCPDConfig overrides the changepoint detector parameters.
func WithBOCPDConfig(cfg BOCPDConfig) Option {
	return func(m *Miner) { m.bocpd = cfg }
}

// WithOutlierConfig overrides the outlier detector parameters.
func WithOutlierConfig(cfg OutlierConfig) Option {
	return func(m *Miner) { m.outlier = cfg }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Miner) { m.metrics = mx }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Miner) { m.logger = logger }
}

// NewMiner creates a Miner writing audit events to the given log.
func NewMiner(log eventlog.Log, opts ...Option) *Miner {
	m := &Miner{
		bocpd:   DefaultBOCPDConfig(),
		outlier: DefaultOutlierConfig(),
		log:     log,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mine runs the full mining plan over one work's series.
//
// Description:
//
//	Takes a snapshot of the series and runs changepoint detection per
//	dimension plus joint outlier detection. Each skipped dimension emits
//	a miner_skipped event naming the reason; a completed pass emits one
//	mined event carrying the report hash. The snapshot is taken once, so
//	scenes appended mid-pass are not partially visible.
//
// Inputs:
//
//	ctx - Cancellation context.
//	s - The work's scored scene series.
//
// Outputs:
//
//	*Report - Per-dimension changepoints plus joint outliers.
//	error - ctx errors only; degenerate input is reported, not failed.
func (m *Miner) Mine(ctx context.Context, s *series.Series) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := s.Snapshot()
	report := &Report{WorkID: s.WorkID(), Scenes: len(entries)}

	for _, dim := range series.Dimensions {
		values, positions := series.Project(entries, dim)

		if reason := degenerate(values); reason != "" {
			report.Dimensions = append(report.Dimensions, DimensionReport{
				Dimension:  dim,
				Skipped:    true,
				SkipReason: reason,
			})
			m.emitSkipped(ctx, s.WorkID(), dim, reason)
			continue
		}

		cps := DetectChangepoints(values, m.bocpd)
		// The detector sees the compacted value slice; map its indices
		// back to snapshot positions so gaps do not shift the results.
		for i := range cps {
			cps[i].Index = positions[cps[i].Index]
		}
		report.Dimensions = append(report.Dimensions, DimensionReport{
			Dimension:    dim,
			Changepoints: cps,
		})
		for range cps {
			m.metrics.ObserveChangepoint(string(dim))
		}
	}

	rows, rowPositions := jointRows(entries)
	report.Outliers = DetectOutliers(rows, series.Dimensions, m.outlier)
	for i := range report.Outliers {
		o := &report.Outliers[i]
		o.Index = rowPositions[o.Index]
		o.Ref = entries[o.Index].Vector.Ref()
	}
	for _, o := range report.Outliers {
		m.metrics.ObserveOutlier(o.Dimension, string(o.Severity))
	}

	m.emitMined(ctx, report)
	return report, nil
}

// degenerate returns a skip reason for series the detectors cannot use.
func degenerate(values []float64) string {
	if len(values) < minSeriesLen {
		return "series too short"
	}
	first := values[0]
	for _, v := range values[1:] {
		if v != first {
			return ""
		}
	}
	return "constant series"
}

// jointRows projects the snapshot onto the full dimension space for the
// isolation forest. Entries missing any dimension value (unscored scenes)
// are dropped from the joint space; positions maps each row back to its
// snapshot index.
func jointRows(entries []series.Entry) (rows [][]float64, positions []int) {
	for i, e := range entries {
		row := make([]float64, 0, len(series.Dimensions))
		ok := true
		for _, dim := range series.Dimensions {
			v, has := e.Value(dim)
			if !has {
				ok = false
				break
			}
			row = append(row, v)
		}
		if ok {
			rows = append(rows, row)
			positions = append(positions, i)
		}
	}
	return rows, positions
}

func (m *Miner) emitSkipped(ctx context.Context, workID string, dim series.Dimension, reason string) {
	m.logger.Debug("dimension skipped", "work_id", workID, "dimension", string(dim), "reason", reason)
	_, err := m.log.Append(ctx, eventlog.Event{
		Stage:      eventlog.StageMiner,
		SubjectRef: workID,
		Action:     eventlog.ActionMinerSkipped,
		Outcome:    eventlog.OutcomeSkipped,
		PayloadHash: eventlog.HashPayload(struct {
			Dimension series.Dimension `json:"dimension"`
			Reason    string           `json:"reason"`
		}{dim, reason}),
	})
	if err != nil {
		m.logger.Error("miner event append failed", "work_id", workID, "error", err)
	}
}

func (m *Miner) emitMined(ctx context.Context, report *Report) {
	_, err := m.log.Append(ctx, eventlog.Event{
		Stage:       eventlog.StageMiner,
		SubjectRef:  report.WorkID,
		Action:      eventlog.ActionMined,
		Outcome:     eventlog.OutcomeSuccess,
		PayloadHash: eventlog.HashPayload(report),
	})
	if err != nil {
		m.logger.Error("miner event append failed", "work_id", report.WorkID, "error", err)
	}
}
