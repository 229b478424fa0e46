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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/push"
	"github.com/tributary-ai/tributary/internal/retrieval"
	"github.com/tributary-ai/tributary/internal/store"
)

type fakeStore struct {
	users    map[string]*model.User
	resets   []string
	inactive []uuid.UUID
	active   []uuid.UUID
}

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetUserActive(_ context.Context, id uuid.UUID, active bool) error {
	if active {
		f.active = append(f.active, id)
	} else {
		f.inactive = append(f.inactive, id)
	}
	return nil
}

func (f *fakeStore) ResetCursor(_ context.Context, userID uuid.UUID, source model.Source) error {
	f.resets = append(f.resets, userID.String()+":"+string(source))
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeScheduler struct {
	pollErr   error
	changes   int
	kicks     int
	suspends  int
	resumes   int
	lastPoll  string
	lastKicks []string
}

func (f *fakeScheduler) PollNow(_ context.Context, userID uuid.UUID, source model.Source) (int, error) {
	f.lastPoll = userID.String() + ":" + string(source)
	return f.changes, f.pollErr
}

func (f *fakeScheduler) Suspend(uuid.UUID) { f.suspends++ }
func (f *fakeScheduler) Resume(uuid.UUID)  { f.resumes++ }
func (f *fakeScheduler) Kick(userID uuid.UUID, source model.Source) {
	f.kicks++
	f.lastKicks = append(f.lastKicks, string(source))
}

type fakeRenewer struct{ err error }

func (f *fakeRenewer) RenewNow(context.Context, uuid.UUID, model.Source) error { return f.err }

type fakeSearcher struct {
	results []retrieval.Result
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ uuid.UUID, _ retrieval.Options) ([]retrieval.Result, error) {
	return f.results, f.err
}

type fakePush struct {
	mails    [][]byte
	channels []push.ChannelNotification
	err      error
}

func (f *fakePush) HandleMail(_ context.Context, data []byte) error {
	f.mails = append(f.mails, data)
	return f.err
}

func (f *fakePush) HandleChannel(_ context.Context, _ model.Source, note push.ChannelNotification) error {
	f.channels = append(f.channels, note)
	return f.err
}

type fakeVerifier struct{ err error }

func (f *fakeVerifier) Verify(_ context.Context, _ string) error { return f.err }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type fixtureT struct {
	server    *Server
	store     *fakeStore
	scheduler *fakeScheduler
	renewer   *fakeRenewer
	searcher  *fakeSearcher
	pushes    *fakePush
	verifier  *fakeVerifier
	user      *model.User
}

func fixture() *fixtureT {
	user := &model.User{ID: uuid.New(), Username: "alice", PrimaryEmail: "alice@example.com", Active: true}
	f := &fixtureT{
		store:     &fakeStore{users: map[string]*model.User{"alice": user}},
		scheduler: &fakeScheduler{},
		renewer:   &fakeRenewer{},
		searcher:  &fakeSearcher{},
		pushes:    &fakePush{},
		verifier:  &fakeVerifier{},
		user:      user,
	}
	f.server = New(f.store, f.scheduler, f.renewer, f.searcher, f.pushes, f.verifier, okPinger{}, nil)
	return f
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMailCallbackUnwrapsEnvelope(t *testing.T) {
	t.Parallel()
	f := fixture()
	body := `{"message": {"data": "eyJlbWFpbEFkZHJlc3MiOiAiYSJ9", "messageId": "m1"}, "subscription": "s"}`
	rec := do(t, f.server, http.MethodPost, "/callbacks/mail", body,
		map[string]string{"Authorization": "Bearer token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(f.pushes.mails) != 1 || string(f.pushes.mails[0]) != "eyJlbWFpbEFkZHJlc3MiOiAiYSJ9" {
		t.Errorf("handler got %q", f.pushes.mails)
	}
}

func TestMailCallbackRejectsBadToken(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.verifier.err = errors.New("bad signature")
	rec := do(t, f.server, http.MethodPost, "/callbacks/mail", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(f.pushes.mails) != 0 {
		t.Error("unverified callback must not reach the handler")
	}
}

func TestMailCallbackProcessingErrorStillReturns200(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.pushes.err = errors.New("unknown mailbox shape")
	rec := do(t, f.server, http.MethodPost, "/callbacks/mail", `{"emailAddress":"x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so the provider drops the notification", rec.Code)
	}
}

func TestMailCallbackThrottledReturns503(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.pushes.err = push.ErrThrottled
	rec := do(t, f.server, http.MethodPost, "/callbacks/mail", `{"emailAddress":"x"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestChannelCallbackMapsHeaders(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/callbacks/drive", "", map[string]string{
		"X-Goog-Channel-ID":      "chan-1",
		"X-Goog-Channel-Token":   "secret",
		"X-Goog-Resource-State":  "change",
		"X-Goog-Message-Number":  "7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(f.pushes.channels) != 1 {
		t.Fatal("channel notification not delivered")
	}
	note := f.pushes.channels[0]
	if note.ChannelID != "chan-1" || note.Token != "secret" ||
		note.ResourceState != "change" || note.MessageNumber != "7" {
		t.Errorf("note = %+v", note)
	}
}

func TestCallbackUnknownSource(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/callbacks/sms", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.searcher.results = []retrieval.Result{{ID: "i:0", Content: "hello", Score: 0.8}}
	rec := do(t, f.server, http.MethodGet, "/api/search?q=roadmap&user=alice&k=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var body struct {
		Results []searchResponse `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 1 || body.Results[0].ID != "i:0" {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestSearchUnknownUser(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodGet, "/api/search?q=x&user=ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodGet, "/api/search?user=alice", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminPoll(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.scheduler.changes = 4
	rec := do(t, f.server, http.MethodPost, "/admin/poll?user=alice&source=mail", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"changes":4`) {
		t.Errorf("body = %s", rec.Body)
	}
	if f.scheduler.lastPoll != f.user.ID.String()+":mail" {
		t.Errorf("lastPoll = %s", f.scheduler.lastPoll)
	}
}

func TestAdminPollProviderRejection(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.scheduler.pollErr = model.Tag(model.KindFatal, errors.New("permission denied"))
	rec := do(t, f.server, http.MethodPost, "/admin/poll?user=alice&source=mail", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestAdminPollStateCorruption(t *testing.T) {
	t.Parallel()
	f := fixture()
	f.scheduler.pollErr = model.Tag(model.KindInvariant, errors.New("embedded item without vectors"))
	rec := do(t, f.server, http.MethodPost, "/admin/poll?user=alice&source=mail", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAdminPollUnknownUser(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/admin/poll?user=ghost&source=mail", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminPollBadSource(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/admin/poll?user=alice&source=pager", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminResetCursorKicksPair(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/admin/reset-cursor?user=alice&source=drive", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(f.store.resets) != 1 || f.store.resets[0] != f.user.ID.String()+":drive" {
		t.Errorf("resets = %v", f.store.resets)
	}
	if f.scheduler.kicks != 1 {
		t.Error("reset must kick the pair for an immediate re-poll")
	}
}

func TestAdminSuspendResume(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/admin/suspend?user=alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend status = %d", rec.Code)
	}
	if len(f.store.inactive) != 1 || f.scheduler.suspends != 1 {
		t.Error("suspend must deactivate the user and stop scheduling")
	}

	rec = do(t, f.server, http.MethodPost, "/admin/resume?user=alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if len(f.store.active) != 1 || f.scheduler.resumes != 1 {
		t.Error("resume must reactivate the user and reschedule")
	}
}

func TestAdminRenewWatch(t *testing.T) {
	t.Parallel()
	f := fixture()
	rec := do(t, f.server, http.MethodPost, "/admin/renew-watch?user=alice&source=calendar", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.renewer.err = store.ErrNotFound
	rec = do(t, f.server, http.MethodPost, "/admin/renew-watch?user=alice&source=calendar", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
