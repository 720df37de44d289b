// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics exposes Prometheus instrumentation for the engine.
//
// A nil *Metrics is valid everywhere and records nothing, so tests and
// one-shot CLI runs pay no instrumentation cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// ScenesScored counts scoring invocations by outcome
	// (success, cache_hit, range_violation, aborted).
	ScenesScored *prometheus.CounterVec

	// BackendInvocations counts backend calls by backend and outcome
	// (success, failure, timeout, rejected).
	BackendInvocations *prometheus.CounterVec

	// CircuitState reports each backend's circuit position
	// (0 closed, 1 open, 2 half-open).
	CircuitState *prometheus.GaugeVec

	// ChangepointsFound counts recorded changepoints by dimension.
	ChangepointsFound *prometheus.CounterVec

	// OutliersFlagged counts outlier flags by dimension and severity.
	OutliersFlagged *prometheus.CounterVec

	// RulesExtracted counts extracted genre rule versions.
	RulesExtracted prometheus.Counter

	// InvocationSeconds observes backend invocation latency.
	InvocationSeconds *prometheus.HistogramVec
}

// New creates and registers the engine collectors on reg.
//
// Inputs:
//
//	reg - Target registry. If nil, the default registerer is used.
//
// Outputs:
//
//	*Metrics - Registered collectors.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWithPrefix("numericbible_", reg)

	m := &Metrics{
		ScenesScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenes_scored_total",
			Help: "Scoring invocations by outcome.",
		}, []string{"outcome"}),
		BackendInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_invocations_total",
			Help: "Backend invocations by backend and outcome.",
		}, []string{"backend", "outcome"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit position per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
		ChangepointsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "changepoints_total",
			Help: "Recorded changepoints by dimension.",
		}, []string{"dimension"}),
		OutliersFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outliers_total",
			Help: "Outlier flags by dimension and severity.",
		}, []string{"dimension", "severity"}),
		RulesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_extracted_total",
			Help: "Extracted genre rule versions.",
		}),
		InvocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backend_invocation_seconds",
			Help:    "Backend invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}

	factory.MustRegister(
		m.ScenesScored,
		m.BackendInvocations,
		m.CircuitState,
		m.ChangepointsFound,
		m.OutliersFlagged,
		m.RulesExtracted,
		m.InvocationSeconds,
	)
	return m
}

// ObserveScored records a scoring outcome. Nil-safe.
func (m *Metrics) ObserveScored(outcome string) {
	if m == nil {
		return
	}
	m.ScenesScored.WithLabelValues(outcome).Inc()
}

// ObserveInvocation records a backend invocation. Nil-safe.
func (m *Metrics) ObserveInvocation(backend, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendInvocations.WithLabelValues(backend, outcome).Inc()
	if seconds > 0 {
		m.InvocationSeconds.WithLabelValues(backend).Observe(seconds)
	}
}

// SetCircuitState records a backend's circuit position. Nil-safe.
func (m *Metrics) SetCircuitState(backend string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(backend).Set(state)
}

// ObserveChangepoint records one changepoint. Nil-safe.
func (m *Metrics) ObserveChangepoint(dimension string) {
	if m == nil {
		return
	}
	m.ChangepointsFound.WithLabelValues(dimension).Inc()
}

// ObserveOutlier records one outlier flag. Nil-safe.
func (m *Metrics) ObserveOutlier(dimension, severity string) {
	if m == nil {
		return
	}
	m.OutliersFlagged.WithLabelValues(dimension, severity).Inc()
}

// ObserveRule records one extracted rule version. Nil-safe.
func (m *Metrics) ObserveRule() {
	if m == nil {
		return
	}
	m.RulesExtracted.Inc()
}
