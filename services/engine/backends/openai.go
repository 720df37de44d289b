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
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// judgmentSystemPrompt instructs the model to answer in the engine's
// machine-parseable form.
const judgmentSystemPrompt = `You are a narrative-metrics judge. Answer only with a JSON object of the form {"result": "<label or verdict>", "confidence": <0.0-1.0>}.`

// OpenAIBackend serves judgment tasks through the OpenAI chat API.
type OpenAIBackend struct {
	id     string
	client *openai.Client
	model  string
}

// NewOpenAIBackend creates an OpenAI-backed invoker.
//
// Inputs:
//
//	id - Backend identity for the Router and Breaker.
//	apiKey - OpenAI API key.
//	model - Model name, e.g. "gpt-4o-mini".
//
// Outputs:
//
//	*OpenAIBackend - The adapter.
//	error - Non-nil if the API key is empty.
func NewOpenAIBackend(id, apiKey, model string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai backend %s: API key not set", id)
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("openai model not set, defaulting to gpt-4o-mini", "backend", id)
	}
	return &OpenAIBackend{
		id:     id,
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// ID implements Invoker.
func (o *OpenAIBackend) ID() string {
	return o.id
}

// Invoke implements Invoker.
func (o *OpenAIBackend) Invoke(ctx context.Context, task Task) (*Result, error) {
	ctx, span := tracer.Start(ctx, "OpenAIBackend.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.id", o.id),
		attribute.String("backend.model", o.model),
		attribute.String("task.type", string(task.Type)),
	)

	slog.Debug("invoking openai backend", "backend", o.id, "task_type", task.Type)

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgmentSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: task.Prompt},
		},
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, &Error{Backend: o.id, Err: ctx.Err()}
		}
		return nil, &Error{Backend: o.id, Err: err}
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "empty completion")
		return nil, &Error{Backend: o.id, Err: fmt.Errorf("empty completion")}
	}

	return parseResult(o.id, resp.Choices[0].Message.Content), nil
}
