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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

const itemColumns = `id, source, source_id, user_id, project_id, title, author,
	received_at, body, metadata, revision, status, created_at, updated_at`

// UpsertItem inserts a pending item row for (source, source_id) and
// reports whether a row already existed. The insert is atomic: under
// concurrent calls exactly one caller observes existing == false.
func (s *Store) UpsertItem(ctx context.Context, item *model.Item) (existing *model.Item, err error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.ItemPending
	}
	meta, err := json.Marshal(metadataOrEmpty(item.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO items (id, source, source_id, user_id, project_id, title, author,
			received_at, body, metadata, revision, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source, source_id) DO NOTHING`,
		item.ID, item.Source, item.SourceID, item.UserID, item.ProjectID,
		item.Title, item.Author, nullableTime(item.ReceivedAt), item.Body,
		meta, item.Revision, item.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	// Conflict: surface the existing row so the pipeline can decide
	// duplicate vs update.
	row, err := s.GetItemBySource(ctx, item.Source, item.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing item after conflict: %w", err)
	}
	return row, nil
}

// GetItem loads an item by internal id.
func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

// GetItemBySource loads an item by its provider identity.
func (s *Store) GetItemBySource(ctx context.Context, source model.Source, sourceID string) (*model.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source = $1 AND source_id = $2`,
		source, sourceID)
	return scanItem(row)
}

// UpdateItemContent writes the fetched fields onto an existing row and
// resets it to pending for reprocessing.
func (s *Store) UpdateItemContent(ctx context.Context, item *model.Item) error {
	meta, err := json.Marshal(metadataOrEmpty(item.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal item metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE items SET title = $2, author = $3, received_at = $4, body = $5,
			metadata = $6, revision = $7, status = $8, updated_at = now()
		WHERE id = $1`,
		item.ID, item.Title, item.Author, nullableTime(item.ReceivedAt),
		item.Body, meta, item.Revision, item.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to update item content: %w", err)
	}
	return nil
}

// SetItemStatus updates only the lifecycle status.
func (s *Store) SetItemStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to set item status: %w", err)
	}
	return nil
}

// SetItemProject writes the classified project and status in one update.
func (s *Store) SetItemProject(ctx context.Context, id uuid.UUID, projectID *uuid.UUID, status model.ItemStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET project_id = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, projectID, status)
	if err != nil {
		return fmt.Errorf("failed to set item project: %w", err)
	}
	return nil
}

// SoftDeleteItem marks the row deleted. Vector cleanup happens first in
// the pipeline so the cascade invariant holds.
func (s *Store) SoftDeleteItem(ctx context.Context, id uuid.UUID) error {
	return s.SetItemStatus(ctx, id, model.ItemDeleted)
}

// HasRecentMailActivity reports whether the user received any mail item
// in the last 24 hours. The scheduler halves the polling interval for
// users with fresh virtual-mail traffic.
func (s *Store) HasRecentMailActivity(ctx context.Context, userID uuid.UUID) (bool, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM items
		WHERE user_id = $1 AND source = $2 AND created_at > now() - interval '24 hours'`,
		userID, model.SourceMail).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count recent mail activity: %w", err)
	}
	return count > 0, nil
}

// CountItemsSince counts items created for (user, source) after the
// given instant. Feeds the activity metric update after each poll.
func (s *Store) CountItemsSince(ctx context.Context, userID uuid.UUID, source model.Source, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM items
		WHERE user_id = $1 AND source = $2 AND created_at > $3`,
		userID, source, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var (
		item       model.Item
		receivedAt *time.Time
		meta       []byte
	)
	err := row.Scan(
		&item.ID, &item.Source, &item.SourceID, &item.UserID, &item.ProjectID,
		&item.Title, &item.Author, &receivedAt, &item.Body, &meta,
		&item.Revision, &item.Status, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, noRows(err)
	}
	if receivedAt != nil {
		item.ReceivedAt = *receivedAt
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode item metadata: %w", err)
		}
	}
	return &item, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
