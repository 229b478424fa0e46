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
	"github.com/jackc/pgx/v5"

	"github.com/tributary-ai/tributary/internal/model"
)

const watchColumns = `id, user_id, source, resource_id, channel_id,
	channel_token, expiry, active, failure_count`

// InsertWatch stores a newly created watch, deactivating any previous
// active watch for the same (user, source, resource) in the same
// transaction so the uniqueness invariant holds.
func (s *Store) InsertWatch(ctx context.Context, w *model.Watch) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE watches SET active = FALSE
			WHERE user_id = $1 AND source = $2 AND resource_id = $3 AND active`,
			w.UserID, w.Source, w.ResourceID)
		if err != nil {
			return fmt.Errorf("failed to deactivate previous watch: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO watches (id, user_id, source, resource_id, channel_id,
				channel_token, expiry, active, failure_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			w.ID, w.UserID, w.Source, w.ResourceID, w.ChannelID,
			w.ChannelToken, w.Expiry, w.Active, w.FailureCount)
		if err != nil {
			return fmt.Errorf("failed to insert watch: %w", err)
		}
		return nil
	})
}

// ReplaceWatch atomically swaps oldID for the renewed watch. The new row
// becomes the single active watch for its key.
func (s *Store) ReplaceWatch(ctx context.Context, oldID uuid.UUID, renewed *model.Watch) error {
	if renewed.ID == uuid.Nil {
		renewed.ID = uuid.New()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE watches SET active = FALSE WHERE id = $1`, oldID)
		if err != nil {
			return fmt.Errorf("failed to deactivate watch %s: %w", oldID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("watch %s: %w", oldID, ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO watches (id, user_id, source, resource_id, channel_id,
				channel_token, expiry, active, failure_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0)`,
			renewed.ID, renewed.UserID, renewed.Source, renewed.ResourceID,
			renewed.ChannelID, renewed.ChannelToken, renewed.Expiry)
		if err != nil {
			return fmt.Errorf("failed to insert renewed watch: %w", err)
		}
		return nil
	})
}

// ListExpiringWatches returns active watches whose expiry falls within
// the given window from now.
func (s *Store) ListExpiringWatches(ctx context.Context, within time.Duration) ([]*model.Watch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+watchColumns+` FROM watches
		WHERE active AND expiry < now() + $1::interval
		ORDER BY expiry`, within)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring watches: %w", err)
	}
	defer rows.Close()
	return scanWatches(rows)
}

// ListActiveWatches returns every active watch, optionally filtered by user.
func (s *Store) ListActiveWatches(ctx context.Context, userID *uuid.UUID) ([]*model.Watch, error) {
	query := `SELECT ` + watchColumns + ` FROM watches WHERE active`
	args := []any{}
	if userID != nil {
		query += ` AND user_id = $1`
		args = append(args, *userID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active watches: %w", err)
	}
	defer rows.Close()
	return scanWatches(rows)
}

// GetActiveWatch returns the single active watch for a key, or ErrNotFound.
func (s *Store) GetActiveWatch(ctx context.Context, userID uuid.UUID, source model.Source, resourceID string) (*model.Watch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+watchColumns+` FROM watches
		WHERE user_id = $1 AND source = $2 AND resource_id = $3 AND active`,
		userID, source, resourceID)
	return scanWatch(row)
}

// GetWatchByChannel resolves a push notification's channel id to its
// active watch, or ErrNotFound.
func (s *Store) GetWatchByChannel(ctx context.Context, channelID string) (*model.Watch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+watchColumns+` FROM watches
		WHERE channel_id = $1 AND active`, channelID)
	return scanWatch(row)
}

// RecordWatchRenewalFailure bumps the failure counter and returns the new
// count. Three consecutive failures deactivate the watch.
func (s *Store) RecordWatchRenewalFailure(ctx context.Context, id uuid.UUID, deactivateAt int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE watches
		SET failure_count = failure_count + 1,
		    active = (failure_count + 1 < $2)
		WHERE id = $1
		RETURNING failure_count`,
		id, deactivateAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record watch failure: %w", noRows(err))
	}
	return count, nil
}

// DeactivateWatch marks a watch inactive.
func (s *Store) DeactivateWatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE watches SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate watch: %w", err)
	}
	return nil
}

func scanWatch(row rowScanner) (*model.Watch, error) {
	var w model.Watch
	err := row.Scan(&w.ID, &w.UserID, &w.Source, &w.ResourceID, &w.ChannelID,
		&w.ChannelToken, &w.Expiry, &w.Active, &w.FailureCount)
	if err != nil {
		return nil, noRows(err)
	}
	return &w, nil
}

func scanWatches(rows pgx.Rows) ([]*model.Watch, error) {
	var watches []*model.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		watches = append(watches, w)
	}
	return watches, rows.Err()
}
