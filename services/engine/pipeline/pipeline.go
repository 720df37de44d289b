// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the engine stages over a batch of works.
//
// Works are independent and run in parallel under a bounded worker pool.
// Scenes within one work are strictly sequential: the power-creep check
// and the tempo-based narrative states both depend on the trailing
// window, so reordering scenes would change the statistics.
//
// A failed scene (range violation) never terminates the run. It leaves a
// gap in the work's series, the gap blocks mining for that work, and the
// remaining scenes still score.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/NumericBible/services/engine/backends"
	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/mine"
	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/route"
	"github.com/AleutianAI/NumericBible/services/engine/rules"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/series"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// Work is one narrative work's scene batch, in scene order.
type Work struct {
	WorkID string
	Scenes []*vector.FeatureVector
}

// WorkResult summarizes one work's pass through the pipeline.
type WorkResult struct {
	WorkID string

	// Scored counts successfully scored scenes (cache hits included).
	Scored int

	// Failed counts scenes left unscored by range violations.
	Failed int

	// Series is the work's scene series after scoring.
	Series *series.Series

	// Report is the mining report, nil when mining was blocked by an
	// incomplete series.
	Report *mine.Report

	// Rules lists the rule versions extracted from this work.
	Rules []*rules.GenreRule
}

// Config holds the pipeline run parameters.
type Config struct {
	// Workers bounds concurrent works. Default 4.
	Workers int

	// Genre labels extracted rules.
	Genre string

	// Weights is the active scoring weight set.
	Weights score.WeightSet

	// HistoryWindow is the trailing feat-magnitude window for the
	// power-creep check. Default 20 scenes.
	HistoryWindow int
}

// DefaultConfig returns the reference pipeline parameters.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		Weights:       score.DefaultWeights(),
		HistoryWindow: 20,
	}
}

// Pipeline wires the scorer, miner and rule extractor over an event log.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	cfg       Config
	scorer    *score.Scorer
	miner     *mine.Miner
	extractor *rules.Extractor
	log       eventlog.Log
	logger    *slog.Logger

	mu     sync.Mutex
	series map[string]*series.Series
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig overrides the default run parameters.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New wires a Pipeline from its stage components.
func New(scorer *score.Scorer, miner *mine.Miner, extractor *rules.Extractor, log eventlog.Log, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       DefaultConfig(),
		scorer:    scorer,
		miner:     miner,
		extractor: extractor,
		log:       log,
		logger:    slog.Default(),
		series:    make(map[string]*series.Series),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Workers <= 0 {
		p.cfg.Workers = 1
	}
	if p.cfg.HistoryWindow <= 0 {
		p.cfg.HistoryWindow = 20
	}
	return p
}

// Series returns the accumulated series for a work.
func (p *Pipeline) Series(workID string) (*series.Series, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.series[workID]
	return s, ok
}

// seriesFor returns (creating if needed) the series for a work.
func (p *Pipeline) seriesFor(workID string) *series.Series {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.series[workID]
	if !ok {
		s = series.New(workID)
		p.series[workID] = s
	}
	return s
}

// Run processes a batch of works concurrently.
//
// Description:
//
//	Each work runs scoring, then mining and rule extraction, on its own
//	goroutine under the worker bound. Per-scene failures are contained
//	inside the work; Run fails only on cancellation or an event log
//	fault. Results come back in input order.
//
// Inputs:
//
//	ctx - Cancellation context for the whole batch.
//	works - The work batches, scenes in scene order.
//
// Outputs:
//
//	[]*WorkResult - One result per work, input order.
//	error - ctx errors or an infrastructure fault.
func (p *Pipeline) Run(ctx context.Context, works []Work) ([]*WorkResult, error) {
	results := make([]*WorkResult, len(works))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, w := range works {
		g.Go(func() error {
			res, err := p.ProcessWork(gctx, w)
			if err != nil {
				return fmt.Errorf("work %s: %w", w.WorkID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProcessWork scores one work's scenes in order, then mines and extracts
// rules when the series is complete.
func (p *Pipeline) ProcessWork(ctx context.Context, w Work) (*WorkResult, error) {
	s := p.seriesFor(w.WorkID)
	result := &WorkResult{WorkID: w.WorkID, Series: s}

	var history []float64
	for _, vec := range w.Scenes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if vec.WorkID != w.WorkID {
			return nil, fmt.Errorf("scene %s belongs to work %s", vec.SceneID, vec.WorkID)
		}

		state := narrative.Classify(vec.Sentiment, vec.TempoShift, vec.Feat)

		windowed := history
		if len(windowed) > p.cfg.HistoryWindow {
			windowed = windowed[len(windowed)-p.cfg.HistoryWindow:]
		}

		q, err := p.scorer.Score(ctx, vec, p.cfg.Weights, windowed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Scene-local failure: record the gap and move on.
			p.logger.Warn("scene unscored",
				"work_id", w.WorkID,
				"scene_id", vec.SceneID,
				"error", err,
			)
			result.Failed++
			if appendErr := s.Append(series.Entry{Vector: vec, State: state}); appendErr != nil {
				return nil, appendErr
			}
			continue
		}

		result.Scored++
		history = append(history, vec.Feat)
		if err := s.Append(series.Entry{Vector: vec, Score: q, State: state}); err != nil {
			return nil, err
		}
	}

	if !s.Complete() {
		p.logger.Info("mining blocked on incomplete series",
			"work_id", w.WorkID,
			"scored", result.Scored,
			"failed", result.Failed,
		)
		return result, nil
	}

	report, err := p.miner.Mine(ctx, s)
	if err != nil {
		return nil, err
	}
	result.Report = report

	extracted, err := p.extractor.Extract(ctx, p.cfg.Genre, s, report)
	if err != nil {
		return nil, err
	}
	result.Rules = extracted
	return result, nil
}

// RouterJudge adapts the model router into the scorer's Judge hook.
//
// Routing exhaustion (every backend down) is surfaced as an error; the
// scorer treats that as an unresolved judgment and keeps the
// deterministic score.
type RouterJudge struct {
	Router *route.Router

	// TargetLatency is the per-attempt budget passed through.
	TargetLatency time.Duration

	// ConfidenceNeeded is the confidence requirement passed through.
	ConfidenceNeeded float64
}

// JudgeFeat renders the feat-judgment prompt and routes it.
func (j *RouterJudge) JudgeFeat(ctx context.Context, vec *vector.FeatureVector, creepSigma float64) (*backends.Result, error) {
	task := backends.Task{
		Type:    backends.TaskFeatJudgment,
		Subject: vec.Checksum,
		Prompt: fmt.Sprintf(
			"A scene in work %s shows a power feat %.1f sigma above the trailing window (feat magnitude %.2f). "+
				"Is this escalation earned by the preceding narrative? Answer yes or no with a confidence.",
			vec.WorkID, creepSigma, vec.Feat,
		),
	}
	res, _, err := j.Router.Invoke(ctx, task, j.TargetLatency, j.ConfidenceNeeded)
	return res, err
}
