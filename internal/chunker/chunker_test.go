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

package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// fakeChat returns a canned summary or an error.
type fakeChat struct {
	summary string
	err     error
	calls   int
}

func (f *fakeChat) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

// fakeEmbed maps each text to a deterministic vector. Texts containing
// the pivot marker get an orthogonal vector so a boundary appears there.
type fakeEmbed struct {
	pivot string
	err   error
}

func (f *fakeEmbed) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.pivot != "" && strings.Contains(t, f.pivot) {
			out[i] = []float32{0, 1}
		} else {
			out[i] = []float32{1, 0}
		}
	}
	return out, nil
}

func (f *fakeEmbed) Dimensions() int { return 2 }

// wordCounter counts whitespace-separated words as tokens, keeping test
// inputs small.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func testConfig() Config {
	return Config{BoundaryThreshold: 0.6, MinTokens: 5, MaxTokens: 20, MinQuality: 0.3}
}

func sentence(topic string, i int) string {
	return fmt.Sprintf("The %s report number %d arrived on time today.", topic, i)
}

func testItem(body string) *model.Item {
	return &model.Item{
		ID:     uuid.New(),
		Source: model.SourceMail,
		Title:  "Quarterly review",
		Body:   body,
	}
}

func TestChunkEmptyBody(t *testing.T) {
	t.Parallel()
	c := New(nil, nil, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem("   \n\n  "))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkSplitsAtSemanticBoundary(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 2; i++ {
		parts = append(parts, sentence("budget", i))
	}
	for i := 0; i < 2; i++ {
		parts = append(parts, sentence("kitten", i))
	}
	body := strings.Join(parts, " ")

	c := New(&fakeChat{summary: "Context line."}, &fakeEmbed{pivot: "kitten"}, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem(body))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if strings.Contains(chunks[0].RawText, "kitten") {
		t.Errorf("first chunk crossed the topic boundary: %q", chunks[0].RawText)
	}
	if !strings.Contains(chunks[1].RawText, "kitten") {
		t.Errorf("second chunk missing second topic: %q", chunks[1].RawText)
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if !strings.HasPrefix(ch.EnrichedText, "Context line.\n\n") {
			t.Errorf("chunk %d missing context prefix: %q", i, ch.EnrichedText)
		}
	}
}

func TestChunkMergesShortSegments(t *testing.T) {
	t.Parallel()
	// Every sentence is its own segment (alternating pivot), each under
	// MinTokens, so they must merge.
	body := "Alpha beta gamma. Kitten delta epsilon. Alpha zeta eta."
	c := New(nil, &fakeEmbed{pivot: "Kitten"}, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem(body))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected short segments to merge into 1 chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].RawText, "zeta") {
		t.Errorf("merged chunk dropped the tail: %q", chunks[0].RawText)
	}
}

func TestChunkCapsLongSegments(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 8; i++ {
		parts = append(parts, sentence("budget", i))
	}
	body := strings.Join(parts, " ")

	c := New(nil, &fakeEmbed{}, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem(body))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected the over-long segment to split, got %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 20 {
			t.Errorf("chunk %d has %d tokens, cap is 20", i, ch.TokenCount)
		}
	}
}

func TestChunkFallsBackWhenEmbeddingFails(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 6; i++ {
		parts = append(parts, sentence("budget", i))
	}
	c := New(nil, &fakeEmbed{err: errors.New("rate limited")}, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem(strings.Join(parts, " ")))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected fixed-window fallback chunks")
	}
}

func TestChunkContextFallbackOnModelError(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 6; i++ {
		parts = append(parts, sentence("budget", i))
	}
	chat := &fakeChat{err: errors.New("model down")}
	c := New(chat, &fakeEmbed{}, wordCounter{}, testConfig(), nil)
	chunks, err := c.Chunk(context.Background(), testItem(strings.Join(parts, " ")))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if chat.calls == 0 {
		t.Fatal("chat model never consulted")
	}
	want := "mail — Quarterly review\n\n"
	if !strings.HasPrefix(chunks[0].EnrichedText, want) {
		t.Errorf("enriched text = %q, want prefix %q", chunks[0].EnrichedText, want)
	}
}

func TestChunkDeterministic(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 10; i++ {
		parts = append(parts, sentence("budget", i))
	}
	body := strings.Join(parts, " ")
	c := New(&fakeChat{summary: "Same every time."}, &fakeEmbed{}, wordCounter{}, testConfig(), nil)

	first, err := c.Chunk(context.Background(), testItem(body))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	second, err := c.Chunk(context.Background(), testItem(body))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].RawText != second[i].RawText {
			t.Errorf("chunk %d raw text differs between runs", i)
		}
	}
}

func TestQualityScoring(t *testing.T) {
	t.Parallel()
	c := New(nil, nil, wordCounter{}, testConfig(), nil)

	wellFormed := "The quarterly budget review covered seven distinct spending categories today."
	fragment := "ok ok ok ok"

	if q := c.Quality(wellFormed); q < 0.9 {
		t.Errorf("well-formed chunk quality = %.2f, want >= 0.9", q)
	}
	if q := c.Quality(fragment); q >= 0.3 {
		t.Errorf("fragment quality = %.2f, want < 0.3", q)
	}
	if q := c.Quality(""); q != 0 {
		t.Errorf("empty quality = %.2f, want 0", q)
	}
}

func TestChunkHierarchicalDedupes(t *testing.T) {
	t.Parallel()
	var parts []string
	for i := 0; i < 30; i++ {
		parts = append(parts, sentence("budget", i))
	}
	c := New(nil, nil, wordCounter{}, testConfig(), nil)
	chunks, err := c.ChunkHierarchical(context.Background(), testItem(strings.Join(parts, " ")))
	if err != nil {
		t.Fatalf("ChunkHierarchical: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple tiers of chunks, got %d", len(chunks))
	}
	seen := make(map[string]int)
	for i, ch := range chunks {
		if prev, dup := seen[ch.RawText]; dup {
			t.Errorf("chunk %d duplicates chunk %d", i, prev)
		}
		seen[ch.RawText] = i
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); got != tc.want {
				t.Errorf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}
