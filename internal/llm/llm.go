/*
SPDX-FileCopyrightText: Copyright (c) 2026 Tributary AI. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package llm wraps the model provider behind two narrow interfaces so
// the classifier, chunker, and embedder never import a provider SDK
// directly and tests can substitute fakes.
package llm

import (
	"context"
	"flag"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/utils"
)

// ChatModel produces a completion for a single prompt.
type ChatModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EmbeddingModel embeds a batch of texts. Every returned vector has
// Dimensions() elements.
type EmbeddingModel interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config selects the chat and embedding models.
type Config struct {
	Token          string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChatModel:      "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Dimensions:     1536,
	}
}

// FlagPointers holds the command line values before conversion.
type FlagPointers struct {
	Token          *string
	BaseURL        *string
	ChatModel      *string
	EmbeddingModel *string
	Dimensions     *int
}

// RegisterFlags registers the model flags with env-var defaults.
func RegisterFlags(fs *flag.FlagSet) *FlagPointers {
	def := DefaultConfig()
	return &FlagPointers{
		Token:          fs.String("llm-token", utils.GetEnv("TRIBUTARY_LLM_TOKEN", ""), "API token for the model provider"),
		BaseURL:        fs.String("llm-base-url", utils.GetEnv("TRIBUTARY_LLM_BASE_URL", ""), "Override the model provider base URL"),
		ChatModel:      fs.String("llm-chat-model", utils.GetEnv("TRIBUTARY_LLM_CHAT_MODEL", def.ChatModel), "Chat model for classification and summaries"),
		EmbeddingModel: fs.String("llm-embedding-model", utils.GetEnv("TRIBUTARY_LLM_EMBEDDING_MODEL", def.EmbeddingModel), "Embedding model"),
		Dimensions:     fs.Int("llm-dimensions", utils.GetEnvInt("TRIBUTARY_LLM_DIMENSIONS", def.Dimensions), "Embedding dimensionality"),
	}
}

// ToConfig converts parsed flags into a Config.
func (p *FlagPointers) ToConfig() Config {
	return Config{
		Token:          *p.Token,
		BaseURL:        *p.BaseURL,
		ChatModel:      *p.ChatModel,
		EmbeddingModel: *p.EmbeddingModel,
		Dimensions:     *p.Dimensions,
	}
}

// Client implements ChatModel and EmbeddingModel over the OpenAI API.
type Client struct {
	chat       *openai.LLM
	embed      *openai.LLM
	dimensions int
}

// NewClient builds the provider clients. Chat and embedding use separate
// handles so each carries its own default model.
func NewClient(config Config) (*Client, error) {
	chatOpts := []openai.Option{openai.WithModel(config.ChatModel)}
	embedOpts := []openai.Option{openai.WithEmbeddingModel(config.EmbeddingModel)}
	if config.Token != "" {
		chatOpts = append(chatOpts, openai.WithToken(config.Token))
		embedOpts = append(embedOpts, openai.WithToken(config.Token))
	}
	if config.BaseURL != "" {
		chatOpts = append(chatOpts, openai.WithBaseURL(config.BaseURL))
		embedOpts = append(embedOpts, openai.WithBaseURL(config.BaseURL))
	}

	chat, err := openai.New(chatOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model client: %w", err)
	}
	embed, err := openai.New(embedOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding model client: %w", err)
	}
	return &Client{chat: chat, embed: embed, dimensions: config.Dimensions}, nil
}

// Complete runs a single-prompt completion. Failures are model-tagged so
// the pipeline can degrade instead of retrying forever.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.chat, prompt)
	if err != nil {
		return "", model.Tag(model.KindModel, fmt.Errorf("completion failed: %w", err))
	}
	return out, nil
}

// Embed embeds texts in one provider call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := c.embed.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, model.Tag(model.KindModel, fmt.Errorf("embedding failed: %w", err))
	}
	if len(vectors) != len(texts) {
		return nil, model.Tag(model.KindModel,
			fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(vectors)))
	}
	return vectors, nil
}

// Dimensions returns the configured embedding width.
func (c *Client) Dimensions() int { return c.dimensions }
