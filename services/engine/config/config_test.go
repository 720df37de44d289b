// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops YAML into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
genre: xianxia
weights:
  - sentiment: 1.0
    lexical_load: 0.8
    feat_magnitude: 1.2
    novelty: 0.9
    internal_change: 1.1
    norm: 5.0
  - genre: xianxia
    sentiment: 0.8
    lexical_load: 0.7
    feat_magnitude: 1.5
    novelty: 0.9
    internal_change: 1.1
    norm: 5.0
scorer:
  sigma_multiplier: 2.5
  dialogue_ceiling: 0.8
  quality_floor: 30
breaker:
  failure_threshold: 3
  window: 20s
  cooldown: 5s
  backoff_factor: 1.5
  max_cooldown: 2m
pipeline:
  workers: 8
  target_latency: 5s
  confidence_needed: 0.7
storage:
  path: /tmp/nb-events
  sync_writes: true
backends:
  - id: ollama-local
    kind: ollama
    base_url: http://localhost:11434
    model: qwen2.5:14b
    capabilities: [feat_judgment, arc_classification]
    nominal_latency: 2s
`

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Genre)
	assert.Equal(t, 2.0, cfg.Scorer.SigmaMultiplier)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Empty(t, cfg.Backends)

	weights, err := cfg.ActiveWeights()
	require.NoError(t, err)
	assert.Equal(t, 5.0, weights.Norm)
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "xianxia", cfg.Genre)
	assert.Equal(t, 2.5, cfg.Scorer.SigmaMultiplier)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 20*time.Second, cfg.Breaker.Window)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "/tmp/nb-events", cfg.Storage.Path)
	assert.True(t, cfg.Storage.SyncWrites)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "ollama-local", cfg.Backends[0].ID)
	assert.Equal(t, 2*time.Second, cfg.Backends[0].NominalLatency)

	weights, err := cfg.ActiveWeights()
	require.NoError(t, err)
	assert.Equal(t, "xianxia", weights.Genre)
	assert.Equal(t, 1.5, weights.Feat)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NUMERICBIBLE_GENRE", "xianxia")
	t.Setenv("NUMERICBIBLE_STORAGE_PATH", "/tmp/nb-override")
	t.Setenv("NUMERICBIBLE_WORKERS", "16")

	// The file selects the default genre; the environment moves it.
	yaml := strings.Replace(validYAML, "genre: xianxia", `genre: ""`, 1)
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "xianxia", cfg.Genre)
	assert.Equal(t, "/tmp/nb-override", cfg.Storage.Path)
	assert.Equal(t, 16, cfg.Pipeline.Workers)
}

func TestLoad_BadWorkersEnv(t *testing.T) {
	t.Setenv("NUMERICBIBLE_WORKERS", "many")

	_, err := Load(writeConfig(t, validYAML))
	assert.ErrorContains(t, err, "NUMERICBIBLE_WORKERS")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "genre: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_RejectsBadWeightNorm(t *testing.T) {
	_, err := Load(writeConfig(t, `
weights:
  - sentiment: 1.0
    lexical_load: 1.0
    feat_magnitude: 1.0
    novelty: 1.0
    internal_change: 1.0
    norm: 9.0
`))
	assert.ErrorContains(t, err, "config validation")
}

func TestLoad_RejectsUnknownBackendKind(t *testing.T) {
	_, err := Load(writeConfig(t, `
weights:
  - sentiment: 1.0
    lexical_load: 0.8
    feat_magnitude: 1.2
    novelty: 0.9
    internal_change: 1.1
    norm: 5.0
backends:
  - id: mystery
    kind: carrier-pigeon
    capabilities: [feat_judgment]
    nominal_latency: 1s
`))
	assert.ErrorContains(t, err, "config validation")
}

func TestLoad_RejectsGenreWithoutWeights(t *testing.T) {
	_, err := Load(writeConfig(t, `
genre: romance
weights:
  - sentiment: 1.0
    lexical_load: 0.8
    feat_magnitude: 1.2
    novelty: 0.9
    internal_change: 1.1
    norm: 5.0
`))
	assert.ErrorContains(t, err, `no weight set for genre "romance"`)
}

func TestActiveWeights_DefaultGenre(t *testing.T) {
	cfg := DefaultConfig()
	weights, err := cfg.ActiveWeights()
	require.NoError(t, err)
	assert.Empty(t, weights.Genre)
}
