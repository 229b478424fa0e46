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

// Package watchman keeps provider push channels alive: it creates the
// first watch for each active (user, source) pair and renews watches
// before they expire. A pair whose watch cannot be renewed falls back
// to tighter polling until an operator steps in.
package watchman

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/provider"
	"github.com/tributary-ai/tributary/internal/store"
	"github.com/tributary-ai/tributary/utils/metrics"
)

const (
	// scanInterval is how often the renewal scan runs.
	scanInterval = 6 * time.Hour
	// renewWithin is the expiry lookahead of each scan. It exceeds the
	// scan interval so no watch can expire between two scans.
	renewWithin = 25 * time.Hour
	// maxRenewalFailures deactivates a watch after this many
	// consecutive failed renewals.
	maxRenewalFailures = 3
)

// Store is the record-store surface the watch manager needs.
type Store interface {
	ListActiveUsers(ctx context.Context) ([]*model.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	ListExpiringWatches(ctx context.Context, within time.Duration) ([]*model.Watch, error)
	ListActiveWatches(ctx context.Context, userID *uuid.UUID) ([]*model.Watch, error)
	InsertWatch(ctx context.Context, w *model.Watch) error
	ReplaceWatch(ctx context.Context, oldID uuid.UUID, renewed *model.Watch) error
	RecordWatchRenewalFailure(ctx context.Context, id uuid.UUID, deactivateAt int) (int, error)
	HalveInterval(ctx context.Context, userID uuid.UUID, source model.Source) error
	GetCursor(ctx context.Context, userID uuid.UUID, source model.Source) (*model.SyncCursor, error)
	SetCursor(ctx context.Context, userID uuid.UUID, source model.Source, cursor string, polledAt time.Time) error
}

// Manager owns the watch lifecycle. Only it writes watch rows.
type Manager struct {
	store       Store
	adapters    map[model.Source]provider.Adapter
	callbackURL string
	logger      *slog.Logger
}

// New builds a Manager. callbackURL is the externally reachable base for
// push deliveries; the per-source path is appended.
func New(st Store, adapters map[model.Source]provider.Adapter, callbackURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, adapters: adapters, callbackURL: callbackURL, logger: logger}
}

// Run ensures watches exist, then renews expiring ones on a fixed cadence
// until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	m.EnsureWatches(ctx)
	m.RenewExpiring(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.EnsureWatches(ctx)
			m.RenewExpiring(ctx)
		}
	}
}

// EnsureWatches creates a first watch for every active (user, source)
// pair that has none. Failures are logged and skipped; the next scan
// retries.
func (m *Manager) EnsureWatches(ctx context.Context) {
	users, err := m.store.ListActiveUsers(ctx)
	if err != nil {
		m.logger.Error("failed to list users for watch setup", "error", err)
		return
	}
	for _, user := range users {
		watches, err := m.store.ListActiveWatches(ctx, &user.ID)
		if err != nil {
			m.logger.Error("failed to list watches", "user", user.Username, "error", err)
			continue
		}
		covered := make(map[model.Source]bool, len(watches))
		for _, w := range watches {
			covered[w.Source] = true
		}
		for source, adapter := range m.adapters {
			if covered[source] {
				continue
			}
			if err := m.createWatch(ctx, user, adapter); err != nil {
				m.logger.Error("failed to create watch",
					"user", user.Username, "source", source, "error", err)
			}
		}
	}
}

// createWatch registers a new channel, persists it, and primes the pair's
// cursor so the first poll does not replay history.
func (m *Manager) createWatch(ctx context.Context, user *model.User, adapter provider.Adapter) error {
	source := adapter.Source()
	watch, err := adapter.SetupWatch(ctx, user, m.callbackFor(source))
	if err != nil {
		return fmt.Errorf("failed to set up %s watch: %w", source, err)
	}
	if err := m.store.InsertWatch(ctx, watch); err != nil {
		return fmt.Errorf("failed to persist %s watch: %w", source, err)
	}

	cursor, err := m.store.GetCursor(ctx, user.ID, source)
	if err != nil {
		return err
	}
	if cursor.Cursor == "" {
		result, err := adapter.Poll(ctx, user, "")
		if err != nil {
			// The watch stands; the scheduler's first poll will prime.
			m.logger.Warn("failed to prime cursor after watch creation",
				"user", user.Username, "source", source, "error", err)
			return nil
		}
		if result.NextCursor != "" {
			if err := m.store.SetCursor(ctx, user.ID, source, result.NextCursor, time.Now().UTC()); err != nil {
				return err
			}
		}
	}
	m.logger.Info("created watch",
		"user", user.Username, "source", source, "expiry", watch.Expiry)
	return nil
}

// RenewExpiring scans for watches expiring inside the lookahead window
// and renews each one.
func (m *Manager) RenewExpiring(ctx context.Context) {
	watches, err := m.store.ListExpiringWatches(ctx, renewWithin)
	if err != nil {
		m.logger.Error("failed to list expiring watches", "error", err)
		return
	}
	renewed := 0
	for _, watch := range watches {
		if err := m.renew(ctx, watch); err != nil {
			m.recordFailure(ctx, watch, err)
			continue
		}
		renewed++
	}
	if len(watches) > 0 {
		m.logger.Info("watch renewal scan complete",
			"expiring", len(watches), "renewed", renewed)
	}
	mc := metrics.GetMetricCreator()
	_ = mc.RecordCounter(ctx, "watch_renewals_total", int64(renewed), "1",
		"Successfully renewed watches", nil)
}

// renew registers a fresh channel, swaps the rows, then stops the old
// channel. Stop failures are tolerated since the old channel expires on
// its own.
func (m *Manager) renew(ctx context.Context, watch *model.Watch) error {
	adapter, ok := m.adapters[watch.Source]
	if !ok {
		return model.Fatalf("no adapter for source %q", watch.Source)
	}
	user, err := m.store.GetUser(ctx, watch.UserID)
	if err != nil {
		return err
	}
	if !user.Active {
		return nil
	}

	fresh, err := adapter.SetupWatch(ctx, user, m.callbackFor(watch.Source))
	if err != nil {
		return fmt.Errorf("failed to renew %s watch: %w", watch.Source, err)
	}
	fresh.ResourceID = watch.ResourceID
	if err := m.store.ReplaceWatch(ctx, watch.ID, fresh); err != nil {
		return fmt.Errorf("failed to swap watch rows: %w", err)
	}

	if err := adapter.StopWatch(ctx, user, watch); err != nil {
		m.logger.Warn("failed to stop replaced channel",
			"user", user.Username, "source", watch.Source,
			"channel_id", watch.ChannelID, "error", err)
	}
	m.logger.Info("renewed watch",
		"user", user.Username, "source", watch.Source, "expiry", fresh.Expiry)
	return nil
}

// recordFailure bumps the watch's failure counter. On the third strike
// the watch deactivates, an alert is logged, and the pair's polling
// interval is halved so coverage degrades to fast polling rather than
// silence.
func (m *Manager) recordFailure(ctx context.Context, watch *model.Watch, cause error) {
	count, err := m.store.RecordWatchRenewalFailure(ctx, watch.ID, maxRenewalFailures)
	if err != nil {
		m.logger.Error("failed to record watch renewal failure",
			"watch_id", watch.ID, "error", err)
		return
	}
	m.logger.Error("watch renewal failed",
		"watch_id", watch.ID, "user_id", watch.UserID, "source", watch.Source,
		"failures", count, "error", cause)
	if count < maxRenewalFailures {
		return
	}

	m.logger.Error("ALERT: watch deactivated after repeated renewal failures, falling back to polling",
		"watch_id", watch.ID, "user_id", watch.UserID, "source", watch.Source)
	if err := m.store.HalveInterval(ctx, watch.UserID, watch.Source); err != nil {
		m.logger.Error("failed to tighten polling interval",
			"user_id", watch.UserID, "source", watch.Source, "error", err)
	}
	mc := metrics.GetMetricCreator()
	_ = mc.RecordCounter(ctx, "watch_deactivations_total", 1, "1",
		"Watches deactivated after repeated renewal failures",
		map[string]string{"source": string(watch.Source)})
}

// RenewNow force-renews the active watch for (user, source). Used by the
// admin surface.
func (m *Manager) RenewNow(ctx context.Context, userID uuid.UUID, source model.Source) error {
	watches, err := m.store.ListActiveWatches(ctx, &userID)
	if err != nil {
		return err
	}
	for _, watch := range watches {
		if watch.Source == source {
			return m.renew(ctx, watch)
		}
	}
	return fmt.Errorf("no active %s watch for user %s: %w", source, userID, store.ErrNotFound)
}

func (m *Manager) callbackFor(source model.Source) string {
	return m.callbackURL + "/callbacks/" + string(source)
}
