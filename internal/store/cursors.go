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
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// GetCursor returns the sync cursor for (user, source). A missing row
// returns an empty cursor rather than an error: the first poll of a new
// pair starts from nothing.
func (s *Store) GetCursor(ctx context.Context, userID uuid.UUID, source model.Source) (*model.SyncCursor, error) {
	cur := &model.SyncCursor{UserID: userID, Source: source}
	var polledAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT cursor, last_polled_at FROM sync_cursors
		WHERE user_id = $1 AND source = $2`,
		userID, source).Scan(&cur.Cursor, &polledAt)
	if err != nil {
		if noRows(err) == ErrNotFound {
			return cur, nil
		}
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	if polledAt != nil {
		cur.LastPolledAt = *polledAt
	}
	return cur, nil
}

// SetCursor atomically replaces the cursor after a successful poll. A
// failed poll never calls this, so the stored cursor is unchanged on
// failure.
func (s *Store) SetCursor(ctx context.Context, userID uuid.UUID, source model.Source, cursor string, polledAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (user_id, source, cursor, last_polled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, source)
		DO UPDATE SET cursor = EXCLUDED.cursor, last_polled_at = EXCLUDED.last_polled_at`,
		userID, source, cursor, polledAt)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// ResetCursor clears the stored history token so the next poll re-scans
// recent history. The last-polled instant is preserved.
func (s *Store) ResetCursor(ctx context.Context, userID uuid.UUID, source model.Source) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_cursors SET cursor = '' WHERE user_id = $1 AND source = $2`,
		userID, source)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
