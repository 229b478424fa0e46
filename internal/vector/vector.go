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

// Package vector defines the dense vector index and its pgvector-backed
// implementation. Embedding ids follow the scheme <item_id>:<chunk_index>
// so re-embedding an item replaces its vectors in place.
package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// Vector is one embedding row with its retrieval metadata. Content is
// the enriched chunk text, carried in the index so retrieval can re-rank
// and sparse-score without a second store lookup.
type Vector struct {
	ID         string
	ItemID     uuid.UUID
	ChunkIndex int
	UserID     uuid.UUID
	ProjectID  *uuid.UUID
	Source     model.Source
	Content    string
	Metadata   map[string]string
	Values     []float32
}

// Filter restricts queries and deletes with equality predicates. Nil
// fields are unconstrained.
type Filter struct {
	UserID    *uuid.UUID
	ProjectID *uuid.UUID
	Source    *model.Source
	ItemID    *uuid.UUID
}

// Match is one query result. Score is cosine similarity in [0, 1].
type Match struct {
	ID         string
	ItemID     uuid.UUID
	ChunkIndex int
	Source     model.Source
	Content    string
	Metadata   map[string]string
	Score      float64
	ReceivedAt time.Time
}

// Index is the dense vector store. Implementations must make Upsert
// idempotent by id.
type Index interface {
	Upsert(ctx context.Context, vectors []Vector) error
	Query(ctx context.Context, values []float32, filter Filter, k int) ([]Match, error)
	DeleteByFilter(ctx context.Context, filter Filter) error
}

// EmbeddingID builds the index id for one chunk of an item.
func EmbeddingID(itemID uuid.UUID, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", itemID, chunkIndex)
}

// EncodeValues renders a float32 slice as a pgvector literal, e.g.
// "[0.1,0.2,0.3]".
func EncodeValues(values []float32) string {
	var b strings.Builder
	b.Grow(len(values)*10 + 2)
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
