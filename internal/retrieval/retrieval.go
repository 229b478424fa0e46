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

// Package retrieval implements hybrid search over the vector index:
// dense cosine search across query variants, BM25 keyword scoring over
// the candidate set, score combination with recency and type boosts,
// and near-duplicate collapsing.
package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/llm"
	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/vector"
)

const (
	// denseTopK is the per-variant dense fan-out.
	denseTopK = 20
	// sparseCandidates bounds the fallback candidate set when dense
	// search is unavailable.
	sparseCandidates = 200
	// DefaultK is the result count when the caller does not set one.
	DefaultK = 10

	weightDense  = 0.7
	weightSparse = 0.3
	maxBoost     = 2.0
)

// Index is the vector-index surface retrieval needs: nearest-neighbor
// queries plus a recency-ordered listing for keyword-only fallback.
type Index interface {
	Query(ctx context.Context, values []float32, filter vector.Filter, k int) ([]vector.Match, error)
	ListRecent(ctx context.Context, filter vector.Filter, limit int) ([]vector.Match, error)
}

// Options tune one search call. Zero values mean defaults.
type Options struct {
	// ProjectID restricts results to one project.
	ProjectID *uuid.UUID
	// People is optional caller context; results mentioning any of
	// these names are boosted.
	People []string
	// K is the number of results to return.
	K int
}

// Result is one ranked match.
type Result struct {
	ID         string
	ItemID     uuid.UUID
	ChunkIndex int
	Source     model.Source
	Content    string
	Metadata   map[string]string
	ReceivedAt time.Time

	Score       float64
	DenseScore  float64
	SparseScore float64
}

// Searcher runs hybrid queries. Safe for concurrent use.
type Searcher struct {
	index  Index
	embed  llm.EmbeddingModel
	logger *slog.Logger
}

// NewSearcher builds a Searcher.
func NewSearcher(index Index, embed llm.EmbeddingModel, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{index: index, embed: embed, logger: logger}
}

// Search returns the top results for the query. Dense and sparse
// retrieval degrade independently: either side failing narrows the
// search instead of failing it, and only both failing is an error.
func (s *Searcher) Search(ctx context.Context, query string, userID uuid.UUID, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}
	filter := vector.Filter{UserID: &userID, ProjectID: opts.ProjectID}

	candidates, denseErr := s.denseSearch(ctx, query, filter)
	if denseErr != nil {
		s.logger.Warn("dense search failed, falling back to keyword-only",
			"user_id", userID, "error", denseErr)
		var listErr error
		candidates, listErr = s.listFallbackCandidates(ctx, filter)
		if listErr != nil {
			return nil, fmt.Errorf("dense search failed (%v) and no keyword candidates: %w", denseErr, listErr)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sparse := s.sparseScores(query, candidates)

	results := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		var sparseScore float64
		if sparse != nil {
			sparseScore = sparse[i]
		}
		r := Result{
			ID:          c.ID,
			ItemID:      c.ItemID,
			ChunkIndex:  c.ChunkIndex,
			Source:      c.Source,
			Content:     c.Content,
			Metadata:    c.Metadata,
			ReceivedAt:  c.ReceivedAt,
			DenseScore:  c.Score,
			SparseScore: sparseScore,
		}
		base := weightDense*min1(r.DenseScore) + weightSparse*min1(r.SparseScore)
		r.Score = base * boost(r, opts.People)
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return dedupe(results, k), nil
}

// denseSearch embeds the query and its variants, queries each, and
// unions matches by chunk id keeping the best score. It fails only when
// every variant fails.
func (s *Searcher) denseSearch(ctx context.Context, query string, filter vector.Filter) ([]vector.Match, error) {
	variants := append([]string{query}, Rewrite(query)...)
	vecs, err := s.embed.Embed(ctx, variants)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	best := make(map[string]vector.Match)
	var lastErr error
	succeeded := 0
	for i, values := range vecs {
		matches, err := s.index.Query(ctx, values, filter, denseTopK)
		if err != nil {
			lastErr = err
			s.logger.Warn("dense query variant failed", "variant", variants[i], "error", err)
			continue
		}
		succeeded++
		for _, m := range matches {
			if prev, ok := best[m.ID]; !ok || m.Score > prev.Score {
				best[m.ID] = m
			}
		}
	}
	if succeeded == 0 {
		return nil, lastErr
	}

	out := make([]vector.Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out, nil
}

// listFallbackCandidates loads recent chunks so BM25 still has a corpus
// when the dense side is down. Their dense scores stay zero.
func (s *Searcher) listFallbackCandidates(ctx context.Context, filter vector.Filter) ([]vector.Match, error) {
	matches, err := s.index.ListRecent(ctx, filter, sparseCandidates)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].Score = 0
	}
	return matches, nil
}

// sparseScores runs BM25 over the candidates' raw chunk text. A nil
// return means sparse scoring contributed nothing.
func (s *Searcher) sparseScores(query string, candidates []vector.Match) []float64 {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	docs := make([][]string, len(candidates))
	for i, c := range candidates {
		docs[i] = Tokenize(rawText(c.Content))
	}
	return bm25Scores(terms, docs)
}

// boost applies recency, person-overlap, and content-type multipliers,
// capped at maxBoost.
func boost(r Result, people []string) float64 {
	b := 1.0

	if !r.ReceivedAt.IsZero() {
		switch age := time.Since(r.ReceivedAt); {
		case age < 7*24*time.Hour:
			b *= 1.3
		case age < 30*24*time.Hour:
			b *= 1.1
		}
	}

	if len(people) > 0 {
		content := strings.ToLower(r.Content)
		author := strings.ToLower(r.Metadata["author"])
		for _, p := range people {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if strings.Contains(content, p) || strings.Contains(author, p) {
				b *= 1.2
				break
			}
		}
	}

	if r.Source == model.SourceMail || r.Source == model.SourceCalendar {
		b *= 1.2
	}

	if b > maxBoost {
		b = maxBoost
	}
	return b
}

// dedupe collapses results whose raw text starts identically, keeping
// the highest-ranked, and truncates to k.
func dedupe(results []Result, k int) []Result {
	seen := make(map[[32]byte]bool, len(results))
	out := make([]Result, 0, k)
	for _, r := range results {
		key := sha256.Sum256([]byte(prefix(rawText(r.Content), 200)))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

// rawText strips the enrichment context line, returning the chunk's
// original text.
func rawText(content string) string {
	if _, raw, ok := strings.Cut(content, "\n\n"); ok {
		return raw
	}
	return content
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
