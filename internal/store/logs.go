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
	"fmt"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// InsertLog appends one processing-log record. The log is append-only;
// there is no update path.
func (s *Store) InsertLog(ctx context.Context, entry *model.ProcessingLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_logs (item_id, user_id, source, outcome, error_kind, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		nullableUUID(entry.ItemID), nullableUUID(entry.UserID), entry.Source,
		entry.Outcome, entry.ErrorKind, entry.Error, entry.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert processing log: %w", err)
	}
	return nil
}

// ListLogsForItem returns the attempt history for one item, newest first.
func (s *Store) ListLogsForItem(ctx context.Context, itemID uuid.UUID, limit int) ([]*model.ProcessingLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, item_id, user_id, source, outcome, error_kind, error, duration_ms, created_at
		FROM processing_logs WHERE item_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.ProcessingLog
	for rows.Next() {
		var (
			e      model.ProcessingLog
			itemID *uuid.UUID
			userID *uuid.UUID
		)
		if err := rows.Scan(&e.ID, &itemID, &userID, &e.Source, &e.Outcome,
			&e.ErrorKind, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		if itemID != nil {
			e.ItemID = *itemID
		}
		if userID != nil {
			e.UserID = *userID
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
