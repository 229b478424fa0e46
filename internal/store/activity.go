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

// GetActivity returns the activity metric for (user, source). A missing
// row yields the default cadence (medium, 30 minutes) so a new pair is
// polled promptly.
func (s *Store) GetActivity(ctx context.Context, userID uuid.UUID, source model.Source) (*model.ActivityMetric, error) {
	m := &model.ActivityMetric{
		UserID:          userID,
		Source:          source,
		Frequency:       model.FrequencyMedium,
		NextIntervalMin: 30,
	}
	err := s.pool.QueryRow(ctx, `
		SELECT items_seen, items_changed_24h, change_frequency, next_interval_min, updated_at
		FROM activity_metrics WHERE user_id = $1 AND source = $2`,
		userID, source).Scan(
		&m.ItemsSeen, &m.ItemsChanged24h, &m.Frequency, &m.NextIntervalMin, &m.UpdatedAt)
	if err != nil {
		if noRows(err) == ErrNotFound {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read activity metric: %w", err)
	}
	return m, nil
}

// UpsertActivity writes the metric derived after a poll completes.
func (s *Store) UpsertActivity(ctx context.Context, m *model.ActivityMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_metrics
			(user_id, source, items_seen, items_changed_24h, change_frequency, next_interval_min, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, source) DO UPDATE SET
			items_seen = EXCLUDED.items_seen,
			items_changed_24h = EXCLUDED.items_changed_24h,
			change_frequency = EXCLUDED.change_frequency,
			next_interval_min = EXCLUDED.next_interval_min,
			updated_at = now()`,
		m.UserID, m.Source, m.ItemsSeen, m.ItemsChanged24h, m.Frequency, m.NextIntervalMin)
	if err != nil {
		return fmt.Errorf("failed to upsert activity metric: %w", err)
	}
	return nil
}

// HalveInterval halves the stored polling interval for (user, source),
// flooring at one minute. Used when a watch cannot be renewed and the
// source must lean on polling until an operator intervenes.
func (s *Store) HalveInterval(ctx context.Context, userID uuid.UUID, source model.Source) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE activity_metrics
		SET next_interval_min = GREATEST(next_interval_min / 2, 1), updated_at = now()
		WHERE user_id = $1 AND source = $2`,
		userID, source)
	if err != nil {
		return fmt.Errorf("failed to halve polling interval: %w", err)
	}
	return nil
}
