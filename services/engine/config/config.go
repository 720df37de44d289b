// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine configuration.
//
// Configuration is YAML on disk with environment-variable overrides for
// deployment-specific values. There is no global singleton: Load returns
// a value the caller threads through explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/NumericBible/services/engine/score"
)

// BackendEntry declares one inference backend in the registry.
type BackendEntry struct {
	// ID is the backend identity, shared with the circuit breaker.
	ID string `yaml:"id" validate:"required"`

	// Kind selects the adapter: "ollama", "openai" or "stub".
	Kind string `yaml:"kind" validate:"required,oneof=ollama openai stub"`

	// BaseURL is the endpoint for self-hosted adapters.
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// Model names the served model.
	Model string `yaml:"model,omitempty"`

	// Capabilities lists the judgment task types the backend serves.
	Capabilities []string `yaml:"capabilities" validate:"required,min=1,dive,oneof=feat_judgment arc_classification"`

	// NominalLatency is the declared typical invocation latency.
	NominalLatency time.Duration `yaml:"nominal_latency" validate:"required,gt=0"`
}

// ScorerConfig holds the anomaly thresholds.
type ScorerConfig struct {
	SigmaMultiplier float64 `yaml:"sigma_multiplier" validate:"gt=0"`
	DialogueCeiling float64 `yaml:"dialogue_ceiling" validate:"gt=0,lte=1"`
	QualityFloor    float64 `yaml:"quality_floor" validate:"gte=0,lte=100"`
}

// BreakerConfig holds the circuit breaker policy knobs.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gt=0"`
	Window           time.Duration `yaml:"window" validate:"gt=0"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"gt=0"`
	BackoffFactor    float64       `yaml:"backoff_factor" validate:"gte=1"`
	MaxCooldown      time.Duration `yaml:"max_cooldown" validate:"gt=0"`
}

// PipelineConfig holds the run-level knobs.
type PipelineConfig struct {
	// Workers bounds the number of works scored concurrently. Scenes
	// within one work are always sequential.
	Workers int `yaml:"workers" validate:"gt=0"`

	// TargetLatency is the per-attempt judgment latency budget.
	TargetLatency time.Duration `yaml:"target_latency" validate:"gt=0"`

	// ConfidenceNeeded is the minimum judgment confidence before the
	// result is recorded as degraded.
	ConfidenceNeeded float64 `yaml:"confidence_needed" validate:"gte=0,lte=1"`
}

// StorageConfig holds the event log location.
type StorageConfig struct {
	// Path is the badger directory. Empty selects the in-memory log.
	Path string `yaml:"path,omitempty"`

	// SyncWrites forces fsync per append.
	SyncWrites bool `yaml:"sync_writes"`
}

// Config is the full engine configuration.
type Config struct {
	// Genre selects the active weight set from Weights.
	Genre string `yaml:"genre"`

	// Weights holds the per-genre weight sets. The empty-genre entry is
	// the default set.
	Weights []score.WeightSet `yaml:"weights" validate:"required,min=1"`

	Scorer   ScorerConfig   `yaml:"scorer"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`

	// Backends declares the inference registry. May be empty: the engine
	// runs fully deterministic with every judgment unresolved.
	Backends []BackendEntry `yaml:"backends" validate:"dive"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		Weights: []score.WeightSet{score.DefaultWeights()},
		Scorer: ScorerConfig{
			SigmaMultiplier: 2.0,
			DialogueCeiling: 0.85,
			QualityFloor:    35,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           30 * time.Second,
			Cooldown:         10 * time.Second,
			BackoffFactor:    2.0,
			MaxCooldown:      5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			TargetLatency:    10 * time.Second,
			ConfidenceNeeded: 0.6,
		},
	}
}

// Load reads, overrides and validates the configuration at path.
//
// Description:
//
//	Missing file falls back to DefaultConfig. Environment overrides are
//	applied after parsing: NUMERICBIBLE_GENRE, NUMERICBIBLE_STORAGE_PATH
//	and NUMERICBIBLE_WORKERS. Every weight set must sum to its declared
//	norm; a config that fails validation is rejected outright rather
//	than partially applied.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Parse, override or validation failure.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg)
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return applyEnv(cfg)
}

// applyEnv layers environment overrides and validates the result.
func applyEnv(cfg *Config) (*Config, error) {
	if v := os.Getenv("NUMERICBIBLE_GENRE"); v != "" {
		cfg.Genre = v
	}
	if v := os.Getenv("NUMERICBIBLE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("NUMERICBIBLE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("NUMERICBIBLE_WORKERS: %w", err)
		}
		cfg.Pipeline.Workers = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and every weight set's norm.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	for _, w := range c.Weights {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("config validation: %w", err)
		}
	}
	if _, err := c.ActiveWeights(); err != nil {
		return err
	}
	return nil
}

// ActiveWeights returns the weight set selected by Genre.
func (c *Config) ActiveWeights() (score.WeightSet, error) {
	for _, w := range c.Weights {
		if w.Genre == c.Genre {
			return w, nil
		}
	}
	return score.WeightSet{}, fmt.Errorf("no weight set for genre %q", c.Genre)
}
