// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/NumericBible/pkg/logging"
	"github.com/AleutianAI/NumericBible/services/engine/backends"
	"github.com/AleutianAI/NumericBible/services/engine/breaker"
	"github.com/AleutianAI/NumericBible/services/engine/config"
	"github.com/AleutianAI/NumericBible/services/engine/eventlog"
	"github.com/AleutianAI/NumericBible/services/engine/metrics"
	"github.com/AleutianAI/NumericBible/services/engine/mine"
	"github.com/AleutianAI/NumericBible/services/engine/pipeline"
	"github.com/AleutianAI/NumericBible/services/engine/route"
	"github.com/AleutianAI/NumericBible/services/engine/rules"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// engine bundles the wired pipeline and its closeable resources.
type engine struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	log      eventlog.Log
	logger   *logging.Logger
	closers  []func() error
}

func (e *engine) close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
	e.logger.Close()
}

// buildEngine wires the full stage graph from the configuration.
func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if genreFlag != "" {
		cfg.Genre = genreFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger := logging.New(logging.Config{Service: "numericbible"})
	slogger := logger.Slog()

	var log eventlog.Log
	e := &engine{cfg: cfg, logger: logger}
	if cfg.Storage.Path != "" {
		bcfg := eventlog.DefaultBadgerConfig(cfg.Storage.Path)
		bcfg.SyncWrites = cfg.Storage.SyncWrites
		bcfg.Logger = slogger
		blog, err := eventlog.OpenBadgerLog(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		e.closers = append(e.closers, blog.Close)
		log = blog
	} else {
		log = eventlog.NewMemoryLog()
	}
	e.log = log

	brk := breaker.New(log,
		breaker.WithPolicy(breaker.Policy{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window,
			Cooldown:         cfg.Breaker.Cooldown,
			BackoffFactor:    cfg.Breaker.BackoffFactor,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
		}),
		breaker.WithLogger(slogger),
	)

	mx := metrics.New(nil)

	registry := route.NewRegistry()
	for _, entry := range cfg.Backends {
		inv, err := buildInvoker(entry)
		if err != nil {
			return nil, err
		}
		caps := make([]backends.TaskType, 0, len(entry.Capabilities))
		for _, c := range entry.Capabilities {
			caps = append(caps, backends.TaskType(c))
		}
		desc := &route.BackendDescriptor{
			ID:             entry.ID,
			Capabilities:   caps,
			NominalLatency: entry.NominalLatency,
		}
		if err := registry.Register(desc, inv); err != nil {
			return nil, err
		}
	}

	weights, err := cfg.ActiveWeights()
	if err != nil {
		return nil, err
	}

	scorerOpts := []score.Option{
		score.WithLogger(slogger),
		score.WithMetrics(mx),
		score.WithConfig(score.Config{
			SigmaMultiplier: cfg.Scorer.SigmaMultiplier,
			DialogueCeiling: cfg.Scorer.DialogueCeiling,
			QualityFloor:    cfg.Scorer.QualityFloor,
		}),
	}
	if len(cfg.Backends) > 0 {
		router := route.New(registry, brk, log, route.WithLogger(slogger), route.WithMetrics(mx))
		scorerOpts = append(scorerOpts, score.WithJudge(&pipeline.RouterJudge{
			Router:           router,
			TargetLatency:    cfg.Pipeline.TargetLatency,
			ConfidenceNeeded: cfg.Pipeline.ConfidenceNeeded,
		}))
	}
	scorer := score.NewScorer(log, scorerOpts...)

	miner := mine.NewMiner(log, mine.WithLogger(slogger), mine.WithMetrics(mx))
	extractor := rules.NewExtractor(log, rules.WithLogger(slogger), rules.WithMetrics(mx))

	e.pipeline = pipeline.New(scorer, miner, extractor, log,
		pipeline.WithLogger(slogger),
		pipeline.WithConfig(pipeline.Config{
			Workers: cfg.Pipeline.Workers,
			Genre:   cfg.Genre,
			Weights: weights,
		}),
	)
	return e, nil
}

// buildInvoker constructs the adapter for one backend entry.
func buildInvoker(entry config.BackendEntry) (backends.Invoker, error) {
	switch entry.Kind {
	case "ollama":
		return backends.NewOllamaBackend(entry.ID, entry.BaseURL, entry.Model)
	case "openai":
		return backends.NewOpenAIBackend(entry.ID, os.Getenv("OPENAI_API_KEY"), entry.Model)
	case "stub":
		return backends.NewStubBackend(entry.ID, func(_ context.Context, _ backends.Task) (*backends.Result, error) {
			return &backends.Result{Value: "yes", Confidence: 0.5, Backend: entry.ID}, nil
		}), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", entry.Kind)
}

// readWorks parses a vectors JSONL file into per-work batches, preserving
// first-seen work order and scene order within each work.
func readWorks(path string) ([]pipeline.Work, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byWork := make(map[string]*pipeline.Work)
	var order []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var vec vector.FeatureVector
		if err := json.Unmarshal(raw, &vec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if vec.Checksum == "" {
			return nil, fmt.Errorf("%s:%d: vector without checksum", path, line)
		}
		w, ok := byWork[vec.WorkID]
		if !ok {
			w = &pipeline.Work{WorkID: vec.WorkID}
			byWork[vec.WorkID] = w
			order = append(order, vec.WorkID)
		}
		w.Scenes = append(w.Scenes, &vec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]pipeline.Work, 0, len(order))
	for _, id := range order {
		out = append(out, *byWork[id])
	}
	return out, nil
}

// runDuration is a soft ceiling on one CLI pipeline run.
const runDuration = 30 * time.Minute
