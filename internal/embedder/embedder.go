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

// Package embedder turns an item's chunks into vectors and writes them
// to the index in one idempotent upsert.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tributary-ai/tributary/internal/llm"
	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/vector"
)

const (
	// maxBatch is the most chunks sent to the embedding model per call.
	maxBatch = 50
	// batchDeadline bounds each provider call.
	batchDeadline = 30 * time.Second
)

// Embedder embeds chunks and upserts vectors. Safe for concurrent use.
type Embedder struct {
	model  llm.EmbeddingModel
	index  vector.Index
	logger *slog.Logger
}

// New builds an Embedder.
func New(embeddingModel llm.EmbeddingModel, index vector.Index, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{model: embeddingModel, index: index, logger: logger}
}

// EmbedItem embeds every chunk of the item and writes all vectors with a
// single index upsert. Vector ids are <item_id>:<chunk_index>, so
// re-embedding after an update replaces the previous vectors in place.
func (e *Embedder) EmbedItem(ctx context.Context, item *model.Item, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	values := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += maxBatch {
		end := min(start+maxBatch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.EnrichedText)
		}

		batchCtx, cancel := context.WithTimeout(ctx, batchDeadline)
		batch, err := e.model.Embed(batchCtx, texts)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to embed chunks %d-%d of item %s: %w", start, end-1, item.ID, err)
		}
		values = append(values, batch...)
	}

	vectors := make([]vector.Vector, len(chunks))
	for i, ch := range chunks {
		vectors[i] = vector.Vector{
			ID:         vector.EmbeddingID(item.ID, ch.Index),
			ItemID:     item.ID,
			ChunkIndex: ch.Index,
			UserID:     item.UserID,
			ProjectID:  item.ProjectID,
			Source:     item.Source,
			Content:    ch.EnrichedText,
			Metadata:   chunkMetadata(item, ch),
			Values:     values[i],
		}
	}
	if err := e.index.Upsert(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors for item %s: %w", item.ID, err)
	}

	e.logger.Debug("embedded item", "item_id", item.ID, "chunks", len(chunks))
	return nil
}

// chunkMetadata builds the per-vector metadata used at retrieval time
// for filtering and boosting.
func chunkMetadata(item *model.Item, ch model.Chunk) map[string]string {
	meta := map[string]string{
		"title":       item.Title,
		"author":      item.Author,
		"received_at": item.ReceivedAt.UTC().Format(time.RFC3339),
		"quality":     strconv.FormatFloat(ch.Quality, 'f', 2, 64),
	}
	for k, v := range item.Metadata {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}
	return meta
}
