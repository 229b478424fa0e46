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

// Package chunker splits item text into embedding-ready chunks. Semantic
// boundaries come from adjacent-sentence embedding similarity; each kept
// chunk is prefixed with a short model-written context summary.
package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/tributary-ai/tributary/internal/llm"
	"github.com/tributary-ai/tributary/internal/model"
)

// Config holds the segmentation thresholds.
type Config struct {
	// BoundaryThreshold: adjacent sentences with cosine similarity below
	// this start a new segment.
	BoundaryThreshold float64
	// MinTokens: segments below this merge into the next one.
	MinTokens int
	// MaxTokens: hard cap per chunk.
	MaxTokens int
	// MinQuality: chunks scoring below this are dropped.
	MinQuality float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BoundaryThreshold: 0.6,
		MinTokens:         100,
		MaxTokens:         400,
		MinQuality:        0.3,
	}
}

// HierarchicalTiers are the token caps for multi-resolution chunking,
// coarsest first.
var HierarchicalTiers = []int{2000, 800, 400, 200}

// Chunker produces chunks for one item at a time. Safe for concurrent
// use.
type Chunker struct {
	chat   llm.ChatModel
	embed  llm.EmbeddingModel
	tokens TokenCounter
	config Config
	logger *slog.Logger
}

// New builds a Chunker. chat may be nil, in which case every chunk gets
// the fallback context line.
func New(chat llm.ChatModel, embed llm.EmbeddingModel, tokens TokenCounter, config Config, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{chat: chat, embed: embed, tokens: tokens, config: config, logger: logger}
}

// Chunk splits the item's body into contextual chunks. The result is
// deterministic for a fixed body and embedding model: chunk indexes are
// assigned in document order after filtering.
func (c *Chunker) Chunk(ctx context.Context, item *model.Item) ([]model.Chunk, error) {
	sentences := SplitSentences(item.Body)
	if len(sentences) == 0 {
		return nil, nil
	}

	segments, err := c.segment(ctx, sentences)
	if err != nil {
		return nil, err
	}
	segments = c.mergeShort(segments)
	segments = c.capLong(segments)

	var chunks []model.Chunk
	for _, text := range segments {
		quality := c.Quality(text)
		if quality < c.config.MinQuality {
			continue
		}
		summary := c.contextLine(ctx, item, text)
		chunks = append(chunks, model.Chunk{
			ItemID:       item.ID,
			Index:        len(chunks),
			TokenCount:   c.tokens.Count(text),
			RawText:      text,
			EnrichedText: summary + "\n\n" + text,
			Quality:      quality,
		})
	}

	// Everything filtered out on a non-empty body: keep the best segment
	// so the item remains retrievable.
	if len(chunks) == 0 && len(segments) > 0 {
		best, bestQ := segments[0], c.Quality(segments[0])
		for _, s := range segments[1:] {
			if q := c.Quality(s); q > bestQ {
				best, bestQ = s, q
			}
		}
		summary := c.contextLine(ctx, item, best)
		chunks = append(chunks, model.Chunk{
			ItemID:       item.ID,
			Index:        0,
			TokenCount:   c.tokens.Count(best),
			RawText:      best,
			EnrichedText: summary + "\n\n" + best,
			Quality:      bestQ,
		})
	}
	return chunks, nil
}

// ChunkHierarchical produces one pass per tier cap, coarsest to finest,
// deduplicated by raw text. Chunk indexes are sequential across tiers.
func (c *Chunker) ChunkHierarchical(ctx context.Context, item *model.Item) ([]model.Chunk, error) {
	sentences := SplitSentences(item.Body)
	if len(sentences) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var chunks []model.Chunk
	for _, tierCap := range HierarchicalTiers {
		for _, text := range c.fillWindows(sentences, tierCap) {
			if _, dup := seen[text]; dup {
				continue
			}
			seen[text] = struct{}{}
			quality := c.Quality(text)
			if quality < c.config.MinQuality {
				continue
			}
			summary := c.contextLine(ctx, item, text)
			chunks = append(chunks, model.Chunk{
				ItemID:       item.ID,
				Index:        len(chunks),
				TokenCount:   c.tokens.Count(text),
				RawText:      text,
				EnrichedText: summary + "\n\n" + text,
				Quality:      quality,
			})
		}
	}
	return chunks, nil
}

// segment groups sentences into spans, starting a new span wherever
// adjacent-sentence similarity drops below the boundary threshold. If
// the embedding call fails the split degrades to fixed token windows.
func (c *Chunker) segment(ctx context.Context, sentences []string) ([]string, error) {
	if len(sentences) == 1 || c.embed == nil {
		return c.fillWindows(sentences, c.config.MaxTokens), nil
	}

	vectors, err := c.embed.Embed(ctx, sentences)
	if err != nil {
		c.logger.Warn("sentence embedding failed, falling back to fixed windows", "error", err)
		return c.fillWindows(sentences, c.config.MaxTokens), nil
	}

	var (
		segments []string
		current  = []string{sentences[0]}
	)
	for i := 1; i < len(sentences); i++ {
		if Cosine(vectors[i-1], vectors[i]) < c.config.BoundaryThreshold {
			segments = append(segments, strings.Join(current, " "))
			current = current[:0]
		}
		current = append(current, sentences[i])
	}
	segments = append(segments, strings.Join(current, " "))
	return segments, nil
}

// fillWindows packs sentences greedily into windows of at most maxTokens.
// A single over-long sentence becomes its own window.
func (c *Chunker) fillWindows(sentences []string, maxTokens int) []string {
	var (
		windows []string
		current []string
		used    int
	)
	for _, s := range sentences {
		n := c.tokens.Count(s)
		if used > 0 && used+n > maxTokens {
			windows = append(windows, strings.Join(current, " "))
			current, used = current[:0], 0
		}
		current = append(current, s)
		used += n
	}
	if len(current) > 0 {
		windows = append(windows, strings.Join(current, " "))
	}
	return windows
}

// mergeShort merges segments under MinTokens into their successor, or
// into the previous one at the tail.
func (c *Chunker) mergeShort(segments []string) []string {
	var merged []string
	carry := ""
	for _, s := range segments {
		if carry != "" {
			s = carry + " " + s
			carry = ""
		}
		if c.tokens.Count(s) < c.config.MinTokens {
			carry = s
			continue
		}
		merged = append(merged, s)
	}
	if carry != "" {
		if len(merged) > 0 {
			merged[len(merged)-1] = merged[len(merged)-1] + " " + carry
		} else {
			merged = append(merged, carry)
		}
	}
	return merged
}

// capLong re-splits any segment over MaxTokens at sentence granularity.
func (c *Chunker) capLong(segments []string) []string {
	var capped []string
	for _, s := range segments {
		if c.tokens.Count(s) <= c.config.MaxTokens {
			capped = append(capped, s)
			continue
		}
		capped = append(capped, c.fillWindows(SplitSentences(s), c.config.MaxTokens)...)
	}
	return capped
}

// contextLine asks the chat model for a one-sentence situating summary.
// Any failure falls back to a static line built from the item, so
// chunking never blocks on the model.
func (c *Chunker) contextLine(ctx context.Context, item *model.Item, text string) string {
	fallback := fmt.Sprintf("%s — %s", item.Source, item.Title)
	if c.chat == nil {
		return fallback
	}
	prompt := fmt.Sprintf(
		"Document title: %s\nDocument source: %s\n\nWrite one sentence situating the following excerpt within the document. Reply with the sentence only.\n\nExcerpt:\n%s",
		item.Title, item.Source, text)
	summary, err := c.chat.Complete(ctx, prompt)
	if err != nil {
		c.logger.Warn("context summary failed, using fallback",
			"item_id", item.ID, "error", err)
		return fallback
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fallback
	}
	return summary
}

// Quality scores a chunk in [0, 1]: 0.4 for landing in the target token
// band, 0.3 scaled by distinct-token ratio, 0.2 for terminal punctuation,
// 0.1 for starting with a capital.
func (c *Chunker) Quality(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	score := 0.0

	n := c.tokens.Count(trimmed)
	if n >= c.config.MinTokens && n <= c.config.MaxTokens {
		score += 0.4
	}

	words := strings.Fields(strings.ToLower(trimmed))
	if len(words) > 0 {
		distinct := make(map[string]struct{}, len(words))
		for _, w := range words {
			distinct[w] = struct{}{}
		}
		score += 0.3 * float64(len(distinct)) / float64(len(words))
	}

	runes := []rune(trimmed)
	last := runes[len(runes)-1]
	if isTerminal(last) || (isClosing(last) && len(runes) > 1 && isTerminal(runes[len(runes)-2])) {
		score += 0.2
	}
	if unicode.IsUpper(runes[0]) {
		score += 0.1
	}
	return score
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
