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

package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGIndex is the pgvector implementation of Index, sharing the record
// store's connection pool. Cosine distance via the <=> operator;
// similarity = 1 - distance.
type PGIndex struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGIndex creates a pgvector index over an existing pool.
func NewPGIndex(pool *pgxpool.Pool, logger *slog.Logger) *PGIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGIndex{pool: pool, logger: logger}
}

// Upsert writes all vectors in one transaction, replacing rows by id.
func (idx *PGIndex) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, idx.pool, func(tx pgx.Tx) error {
		for _, v := range vectors {
			meta, err := json.Marshal(metadataOrEmpty(v.Metadata))
			if err != nil {
				return fmt.Errorf("failed to marshal vector metadata: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO embeddings
					(id, item_id, chunk_index, user_id, project_id, source, content, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)
				ON CONFLICT (id) DO UPDATE SET
					project_id = EXCLUDED.project_id,
					content = EXCLUDED.content,
					metadata = EXCLUDED.metadata,
					embedding = EXCLUDED.embedding`,
				v.ID, v.ItemID, v.ChunkIndex, v.UserID, v.ProjectID, v.Source,
				v.Content, meta, EncodeValues(v.Values))
			if err != nil {
				return fmt.Errorf("failed to upsert vector %s: %w", v.ID, err)
			}
		}
		return nil
	})
}

// Query returns the k nearest vectors under the filter, scored by cosine
// similarity. Received-at comes from the joined item row for recency
// boosting in retrieval.
func (idx *PGIndex) Query(ctx context.Context, values []float32, filter Filter, k int) ([]Match, error) {
	where, args := buildFilter(filter, 2)
	query := fmt.Sprintf(`
		SELECT e.id, e.item_id, e.chunk_index, e.source, e.content, e.metadata,
			1 - (e.embedding <=> $1::vector) AS score,
			COALESCE(i.received_at, 'epoch'::timestamptz)
		FROM embeddings e
		LEFT JOIN items i ON i.id = e.item_id
		%s
		ORDER BY e.embedding <=> $1::vector
		LIMIT %d`, where, k)

	fullArgs := append([]any{EncodeValues(values)}, args...)
	rows, err := idx.pool.Query(ctx, query, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
			at   time.Time
		)
		if err := rows.Scan(&m.ID, &m.ItemID, &m.ChunkIndex, &m.Source,
			&m.Content, &meta, &m.Score, &at); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode vector metadata: %w", err)
			}
		}
		m.ReceivedAt = at
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ListRecent returns up to limit vectors under the filter, newest items
// first, with zero scores. Retrieval uses it as the keyword-search
// candidate set when dense search is unavailable.
func (idx *PGIndex) ListRecent(ctx context.Context, filter Filter, limit int) ([]Match, error) {
	where, args := buildFilter(filter, 1)
	query := fmt.Sprintf(`
		SELECT e.id, e.item_id, e.chunk_index, e.source, e.content, e.metadata,
			COALESCE(i.received_at, 'epoch'::timestamptz)
		FROM embeddings e
		LEFT JOIN items i ON i.id = e.item_id
		%s
		ORDER BY i.received_at DESC NULLS LAST
		LIMIT %d`, where, limit)

	rows, err := idx.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
			at   time.Time
		)
		if err := rows.Scan(&m.ID, &m.ItemID, &m.ChunkIndex, &m.Source,
			&m.Content, &meta, &at); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode vector metadata: %w", err)
			}
		}
		m.ReceivedAt = at
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeleteByFilter removes every vector matching the filter.
func (idx *PGIndex) DeleteByFilter(ctx context.Context, filter Filter) error {
	where, args := buildFilter(filter, 1)
	if where == "" {
		return fmt.Errorf("refusing to delete with an empty filter")
	}
	query := "DELETE FROM embeddings e " + where
	if _, err := idx.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// buildFilter renders the WHERE clause for a Filter, numbering
// placeholders from startArg.
func buildFilter(filter Filter, startArg int) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value any) {
		clauses = append(clauses, fmt.Sprintf("e.%s = $%d", column, startArg+len(args)))
		args = append(args, value)
	}
	if filter.UserID != nil {
		add("user_id", *filter.UserID)
	}
	if filter.ProjectID != nil {
		add("project_id", *filter.ProjectID)
	}
	if filter.Source != nil {
		add("source", *filter.Source)
	}
	if filter.ItemID != nil {
		add("item_id", *filter.ItemID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	joined := clauses[0]
	for _, c := range clauses[1:] {
		joined += " AND " + c
	}
	return "WHERE " + joined, args
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
