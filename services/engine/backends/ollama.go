// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("numericbible.backends")

// OllamaBackend serves judgment tasks through a local Ollama server.
type OllamaBackend struct {
	id         string
	httpClient *http.Client
	baseURL    string
	model      string
}

// Ollama API request structure.
type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaBackend creates an Ollama-backed invoker.
//
// Inputs:
//
//	id - Backend identity for the Router and Breaker.
//	baseURL - Ollama server URL, e.g. "http://localhost:11434".
//	model - Model name to generate with.
//
// Outputs:
//
//	*OllamaBackend - The adapter.
//	error - Non-nil if baseURL is empty.
func NewOllamaBackend(id, baseURL, model string) (*OllamaBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama backend %s: base URL not set", id)
	}
	if model == "" {
		slog.Warn("ollama model not set, defaulting to llama3.2", "backend", id)
		model = "llama3.2"
	}
	return &OllamaBackend{
		id: id,
		// The Router bounds every call with the task's latency budget via
		// the context deadline; the client timeout is only a last-resort
		// ceiling for leaked contexts.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}, nil
}

// ID implements Invoker.
func (o *OllamaBackend) ID() string {
	return o.id
}

// Invoke implements Invoker.
func (o *OllamaBackend) Invoke(ctx context.Context, task Task) (*Result, error) {
	ctx, span := tracer.Start(ctx, "OllamaBackend.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.id", o.id),
		attribute.String("backend.model", o.model),
		attribute.String("task.type", string(task.Type)),
	)

	slog.Debug("invoking ollama backend", "backend", o.id, "task_type", task.Type)

	payload := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: task.Prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.0,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Backend: o.id, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Backend: o.id, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Surface the deadline so the Router counts it as a timeout.
			return nil, &Error{Backend: o.id, Err: ctx.Err()}
		}
		return nil, &Error{Backend: o.id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, resp.Status)
		return nil, &Error{Backend: o.id, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var generated ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&generated); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &Error{Backend: o.id, Err: fmt.Errorf("decode response: %w", err)}
	}

	return parseResult(o.id, generated.Response), nil
}
