/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ai

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/otium-ai/otium/lib/defaults"
)

// Generator produces a raw model completion for a system/user prompt
// pair. Tests substitute scripted fakes; production wires the OpenAI
// client.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// OpenAIGeneratorConfig configures the OpenAI-backed generator.
type OpenAIGeneratorConfig struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string
	// BaseURL overrides the API endpoint for compatible gateways.
	BaseURL string
	// Model selects the chat model, defaults.GenerateModel when empty.
	Model string
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64
	// MaxTokens caps the completion length, defaults.GenerateMaxTokens
	// when zero.
	MaxTokens int64
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *OpenAIGeneratorConfig) CheckAndSetDefaults() error {
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Model == "" {
		c.Model = defaults.GenerateModel
	}
	if c.Temperature == nil {
		t := defaults.GenerateTemperature
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.GenerateMaxTokens
	}
	return nil
}

// OpenAIGenerator implements Generator on the OpenAI chat completions
// API.
type OpenAIGenerator struct {
	cfg    OpenAIGeneratorConfig
	client openai.Client
}

// NewOpenAIGenerator returns an OpenAI-backed generator.
func NewOpenAIGenerator(config OpenAIGeneratorConfig) (*OpenAIGenerator, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &OpenAIGenerator{
		cfg:    config,
		client: openai.NewClient(opts...),
	}, nil
}

// Complete requests a single chat completion. Deadline expiry is
// reported as a ModelTimeout so callers can map it onto their error
// taxonomy without inspecting the transport error.
func (g *OpenAIGenerator) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(*g.cfg.Temperature),
		MaxTokens:   openai.Int(g.cfg.MaxTokens),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", NewModelTimeout(err.Error())
		}
		return "", trace.Wrap(err)
	}
	if len(completion.Choices) == 0 {
		return "", trace.BadParameter("model returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
