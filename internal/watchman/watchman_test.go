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

package watchman

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/provider"
	"github.com/tributary-ai/tributary/internal/store"
)

type fakeStore struct {
	users    []*model.User
	watches  map[uuid.UUID]*model.Watch
	cursors  map[string]string
	halved   []string
	replaced []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		watches: map[uuid.UUID]*model.Watch{},
		cursors: map[string]string{},
	}
}

func (f *fakeStore) ListActiveUsers(_ context.Context) ([]*model.User, error) {
	return f.users, nil
}

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListExpiringWatches(_ context.Context, within time.Duration) ([]*model.Watch, error) {
	var out []*model.Watch
	deadline := time.Now().Add(within)
	for _, w := range f.watches {
		if w.Active && w.Expiry.Before(deadline) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveWatches(_ context.Context, userID *uuid.UUID) ([]*model.Watch, error) {
	var out []*model.Watch
	for _, w := range f.watches {
		if w.Active && (userID == nil || w.UserID == *userID) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertWatch(_ context.Context, w *model.Watch) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	f.watches[w.ID] = w
	return nil
}

func (f *fakeStore) ReplaceWatch(_ context.Context, oldID uuid.UUID, renewed *model.Watch) error {
	old, ok := f.watches[oldID]
	if !ok {
		return store.ErrNotFound
	}
	old.Active = false
	if renewed.ID == uuid.Nil {
		renewed.ID = uuid.New()
	}
	renewed.Active = true
	f.watches[renewed.ID] = renewed
	f.replaced = append(f.replaced, oldID)
	return nil
}

func (f *fakeStore) RecordWatchRenewalFailure(_ context.Context, id uuid.UUID, deactivateAt int) (int, error) {
	w, ok := f.watches[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	w.FailureCount++
	if w.FailureCount >= deactivateAt {
		w.Active = false
	}
	return w.FailureCount, nil
}

func (f *fakeStore) HalveInterval(_ context.Context, userID uuid.UUID, source model.Source) error {
	f.halved = append(f.halved, userID.String()+":"+string(source))
	return nil
}

func (f *fakeStore) GetCursor(_ context.Context, userID uuid.UUID, source model.Source) (*model.SyncCursor, error) {
	return &model.SyncCursor{
		UserID: userID,
		Source: source,
		Cursor: f.cursors[userID.String()+":"+string(source)],
	}, nil
}

func (f *fakeStore) SetCursor(_ context.Context, userID uuid.UUID, source model.Source, cursor string, _ time.Time) error {
	f.cursors[userID.String()+":"+string(source)] = cursor
	return nil
}

type fakeAdapter struct {
	source    model.Source
	setupErr  error
	expiry    time.Duration
	callbacks []string
	stopped   []string
	primeTo   string
}

func (f *fakeAdapter) Source() model.Source { return f.source }

func (f *fakeAdapter) Poll(_ context.Context, _ *model.User, cursor string) (*provider.PollResult, error) {
	if cursor == "" {
		return &provider.PollResult{NextCursor: f.primeTo}, nil
	}
	return &provider.PollResult{NextCursor: cursor}, nil
}

func (f *fakeAdapter) FetchItem(context.Context, *model.User, string) (*model.RawItem, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) SetupWatch(_ context.Context, user *model.User, callbackURL string) (*model.Watch, error) {
	f.callbacks = append(f.callbacks, callbackURL)
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	expiry := f.expiry
	if expiry == 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &model.Watch{
		UserID:       user.ID,
		Source:       f.source,
		ResourceID:   "res-" + string(f.source),
		ChannelID:    uuid.NewString(),
		ChannelToken: uuid.NewString(),
		Expiry:       time.Now().Add(expiry),
		Active:       true,
	}, nil
}

func (f *fakeAdapter) StopWatch(_ context.Context, _ *model.User, watch *model.Watch) error {
	f.stopped = append(f.stopped, watch.ChannelID)
	return nil
}

func fixture() (*Manager, *fakeStore, *fakeAdapter, *model.User) {
	st := newFakeStore()
	user := &model.User{ID: uuid.New(), Username: "alice", PrimaryEmail: "alice@example.com", Active: true}
	st.users = []*model.User{user}
	adapter := &fakeAdapter{source: model.SourceMail, primeTo: "hist-100"}
	m := New(st, map[model.Source]provider.Adapter{model.SourceMail: adapter}, "https://sync.example.com", nil)
	return m, st, adapter, user
}

func TestEnsureWatchesCreatesAndPrimesCursor(t *testing.T) {
	t.Parallel()
	m, st, adapter, user := fixture()

	m.EnsureWatches(context.Background())

	watches, _ := st.ListActiveWatches(context.Background(), &user.ID)
	if len(watches) != 1 {
		t.Fatalf("active watches = %d, want 1", len(watches))
	}
	if watches[0].Source != model.SourceMail {
		t.Errorf("watch source = %s", watches[0].Source)
	}
	if got := st.cursors[user.ID.String()+":mail"]; got != "hist-100" {
		t.Errorf("primed cursor = %q, want hist-100", got)
	}
	if len(adapter.callbacks) != 1 || adapter.callbacks[0] != "https://sync.example.com/callbacks/mail" {
		t.Errorf("callbacks = %v", adapter.callbacks)
	}

	// A second pass sees the existing watch and creates nothing.
	m.EnsureWatches(context.Background())
	watches, _ = st.ListActiveWatches(context.Background(), &user.ID)
	if len(watches) != 1 {
		t.Errorf("active watches after second pass = %d, want 1", len(watches))
	}
}

func TestEnsureWatchesSkipsExistingCursor(t *testing.T) {
	t.Parallel()
	m, st, _, user := fixture()
	st.cursors[user.ID.String()+":mail"] = "hist-50"

	m.EnsureWatches(context.Background())

	if got := st.cursors[user.ID.String()+":mail"]; got != "hist-50" {
		t.Errorf("existing cursor overwritten to %q", got)
	}
}

func TestRenewExpiringReplacesWatch(t *testing.T) {
	t.Parallel()
	m, st, adapter, user := fixture()
	old := &model.Watch{
		ID:         uuid.New(),
		UserID:     user.ID,
		Source:     model.SourceMail,
		ResourceID: "res-mail",
		ChannelID:  "old-channel",
		Expiry:     time.Now().Add(12 * time.Hour),
		Active:     true,
	}
	st.watches[old.ID] = old

	m.RenewExpiring(context.Background())

	watches, _ := st.ListActiveWatches(context.Background(), &user.ID)
	if len(watches) != 1 {
		t.Fatalf("active watches = %d, want exactly 1 after renewal", len(watches))
	}
	fresh := watches[0]
	if fresh.ID == old.ID {
		t.Error("renewal must create a new watch row")
	}
	if fresh.Expiry.Before(time.Now().Add(24 * time.Hour)) {
		t.Errorf("renewed expiry %v too soon", fresh.Expiry)
	}
	if len(adapter.stopped) != 1 || adapter.stopped[0] != "old-channel" {
		t.Errorf("stopped channels = %v, want [old-channel]", adapter.stopped)
	}
}

func TestRenewExpiringIgnoresDistantWatches(t *testing.T) {
	t.Parallel()
	m, st, _, user := fixture()
	far := &model.Watch{
		ID:     uuid.New(),
		UserID: user.ID,
		Source: model.SourceMail,
		Expiry: time.Now().Add(6 * 24 * time.Hour),
		Active: true,
	}
	st.watches[far.ID] = far

	m.RenewExpiring(context.Background())

	if len(st.replaced) != 0 {
		t.Error("watch far from expiry must not be renewed")
	}
}

func TestThreeRenewalFailuresDeactivateAndHalveInterval(t *testing.T) {
	t.Parallel()
	m, st, adapter, user := fixture()
	adapter.setupErr = model.Tag(model.KindTransient, errors.New("quota exceeded"))
	watch := &model.Watch{
		ID:     uuid.New(),
		UserID: user.ID,
		Source: model.SourceMail,
		Expiry: time.Now().Add(12 * time.Hour),
		Active: true,
	}
	st.watches[watch.ID] = watch

	for i := 0; i < 3; i++ {
		m.RenewExpiring(context.Background())
	}

	if st.watches[watch.ID].Active {
		t.Error("watch still active after three failed renewals")
	}
	if len(st.halved) != 1 || st.halved[0] != user.ID.String()+":mail" {
		t.Errorf("halved = %v, want one entry for the pair", st.halved)
	}

	// A deactivated watch leaves the scan; no further failures accrue.
	m.RenewExpiring(context.Background())
	if st.watches[watch.ID].FailureCount != 3 {
		t.Errorf("failure count = %d, want 3", st.watches[watch.ID].FailureCount)
	}
}

func TestRenewSkipsSuspendedUser(t *testing.T) {
	t.Parallel()
	m, st, _, user := fixture()
	user.Active = false
	watch := &model.Watch{
		ID:     uuid.New(),
		UserID: user.ID,
		Source: model.SourceMail,
		Expiry: time.Now().Add(12 * time.Hour),
		Active: true,
	}
	st.watches[watch.ID] = watch

	m.RenewExpiring(context.Background())

	if len(st.replaced) != 0 {
		t.Error("suspended user's watch must not be renewed")
	}
	if st.watches[watch.ID].FailureCount != 0 {
		t.Error("skipping a suspended user is not a failure")
	}
}

func TestRenewNow(t *testing.T) {
	t.Parallel()
	m, st, _, user := fixture()
	watch := &model.Watch{
		ID:         uuid.New(),
		UserID:     user.ID,
		Source:     model.SourceMail,
		ResourceID: "res-mail",
		Expiry:     time.Now().Add(6 * 24 * time.Hour),
		Active:     true,
	}
	st.watches[watch.ID] = watch

	if err := m.RenewNow(context.Background(), user.ID, model.SourceMail); err != nil {
		t.Fatalf("RenewNow: %v", err)
	}
	if len(st.replaced) != 1 {
		t.Error("forced renewal must replace the watch")
	}

	if err := m.RenewNow(context.Background(), user.ID, model.SourceDrive); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RenewNow without a watch = %v, want ErrNotFound", err)
	}
}
