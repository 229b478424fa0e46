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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/provider"
	"github.com/tributary-ai/tributary/internal/queue"
)

// pollDeadline bounds one poll of one (user, source) pair.
const pollDeadline = 30 * time.Second

// Store is the record-store surface the scheduler and poller need.
type Store interface {
	ListActiveUsers(ctx context.Context) ([]*model.User, error)
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error
	GetCursor(ctx context.Context, userID uuid.UUID, source model.Source) (*model.SyncCursor, error)
	SetCursor(ctx context.Context, userID uuid.UUID, source model.Source, cursor string, polledAt time.Time) error
	GetActivity(ctx context.Context, userID uuid.UUID, source model.Source) (*model.ActivityMetric, error)
	UpsertActivity(ctx context.Context, m *model.ActivityMetric) error
	CountItemsSince(ctx context.Context, userID uuid.UUID, source model.Source, since time.Time) (int64, error)
	HasRecentMailActivity(ctx context.Context, userID uuid.UUID) (bool, error)
	ListActiveWatches(ctx context.Context, userID *uuid.UUID) ([]*model.Watch, error)
}

// Enqueuer is the queue surface: appending tasks and reading depth.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
	Depth(ctx context.Context) (int64, error)
}

// Poller runs one incremental poll per call. The cursor only advances
// after every discovered change has been durably enqueued; a failure
// anywhere leaves it untouched so the next poll re-reads the same
// window.
type Poller struct {
	store    Store
	adapters map[model.Source]provider.Adapter
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewPoller builds a Poller.
func NewPoller(st Store, adapters map[model.Source]provider.Adapter, enqueuer Enqueuer, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: st, adapters: adapters, enqueuer: enqueuer, logger: logger}
}

// PollPair polls one (user, source) pair and returns how many changes
// were enqueued. Auth failures suspend the user.
func (p *Poller) PollPair(ctx context.Context, user *model.User, source model.Source) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, pollDeadline)
	defer cancel()

	adapter, ok := p.adapters[source]
	if !ok {
		return 0, model.Fatalf("no adapter for source %q", source)
	}
	cursor, err := p.store.GetCursor(ctx, user.ID, source)
	if err != nil {
		return 0, err
	}

	result, err := adapter.Poll(ctx, user, cursor.Cursor)
	if err != nil {
		if model.IsAuth(err) {
			p.logger.Error("suspending user after auth failure on poll",
				"user", user.Username, "source", source, "error", err)
			if suspendErr := p.store.SetUserActive(ctx, user.ID, false); suspendErr != nil {
				p.logger.Error("failed to suspend user", "user", user.Username, "error", suspendErr)
			}
		}
		return 0, fmt.Errorf("poll %s/%s failed: %w", user.Username, source, err)
	}

	for _, change := range result.Changes {
		task := queue.Task{
			UserID:   user.ID,
			Source:   source,
			SourceID: change.SourceID,
			Deleted:  change.Deleted,
		}
		if err := p.enqueuer.Enqueue(ctx, task); err != nil {
			// Cursor stays put; the re-poll re-delivers this window and
			// ingestion dedupes whatever already got through.
			return 0, fmt.Errorf("failed to enqueue change %s: %w", change.SourceID, err)
		}
	}

	if result.NextCursor != "" && result.NextCursor != cursor.Cursor {
		if err := p.store.SetCursor(ctx, user.ID, source, result.NextCursor, time.Now().UTC()); err != nil {
			return 0, err
		}
	}

	if len(result.Changes) > 0 {
		p.logger.Info("poll found changes",
			"user", user.Username, "source", source, "changes", len(result.Changes))
	}
	return len(result.Changes), nil
}

// updateActivity recomputes the pair's activity metric and cadence after
// a poll.
func (p *Poller) updateActivity(ctx context.Context, user *model.User, source model.Source, changed int) (*model.ActivityMetric, error) {
	metric, err := p.store.GetActivity(ctx, user.ID, source)
	if err != nil {
		return nil, err
	}
	changed24h, err := p.store.CountItemsSince(ctx, user.ID, source, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	virtualActive := false
	if source == model.SourceMail {
		virtualActive, err = p.store.HasRecentMailActivity(ctx, user.ID)
		if err != nil {
			return nil, err
		}
	}

	metric.ItemsSeen += int64(changed)
	metric.ItemsChanged24h = changed24h
	metric.Frequency = Frequency(changed24h)
	metric.NextIntervalMin = NextInterval(metric.NextIntervalMin, changed24h, virtualActive)
	if err := p.store.UpsertActivity(ctx, metric); err != nil {
		return nil, err
	}
	return metric, nil
}
