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

// Package server exposes syncd's HTTP surface: provider push callbacks,
// the admin operations behind syncctl, the search API, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/push"
	"github.com/tributary-ai/tributary/internal/retrieval"
	"github.com/tributary-ai/tributary/internal/store"
)

// maxCallbackBody bounds push callback payloads.
const maxCallbackBody = 1 << 20

// Scheduler is the admin surface of the polling scheduler.
type Scheduler interface {
	PollNow(ctx context.Context, userID uuid.UUID, source model.Source) (int, error)
	Suspend(userID uuid.UUID)
	Resume(userID uuid.UUID)
	Kick(userID uuid.UUID, source model.Source)
}

// WatchRenewer force-renews a push channel.
type WatchRenewer interface {
	RenewNow(ctx context.Context, userID uuid.UUID, source model.Source) error
}

// Store is the record-store surface the HTTP handlers need.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error
	ResetCursor(ctx context.Context, userID uuid.UUID, source model.Source) error
	Ping(ctx context.Context) error
}

// Searcher runs hybrid retrieval queries.
type Searcher interface {
	Search(ctx context.Context, query string, userID uuid.UUID, opts retrieval.Options) ([]retrieval.Result, error)
}

// PushHandler consumes verified push notifications.
type PushHandler interface {
	HandleMail(ctx context.Context, data []byte) error
	HandleChannel(ctx context.Context, source model.Source, note push.ChannelNotification) error
}

// Verifier checks push callback authorization headers.
type Verifier interface {
	Verify(ctx context.Context, authorization string) error
}

// Pinger reports liveness of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the handlers into a chi router.
type Server struct {
	store     Store
	scheduler Scheduler
	renewer   WatchRenewer
	searcher  Searcher
	pushes    PushHandler
	verifier  Verifier
	queue     Pinger
	logger    *slog.Logger
	router    chi.Router
}

// New builds the router. verifier may be nil to disable mail callback
// authentication (tests, local runs).
func New(st Store, sched Scheduler, renewer WatchRenewer, searcher Searcher,
	pushes PushHandler, verifier Verifier, queue Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     st,
		scheduler: sched,
		renewer:   renewer,
		searcher:  searcher,
		pushes:    pushes,
		verifier:  verifier,
		queue:     queue,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/callbacks/{source}", s.handleCallback)
	r.Get("/api/search", s.handleSearch)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/poll", s.handlePoll)
		r.Post("/renew-watch", s.handleRenewWatch)
		r.Post("/reset-cursor", s.handleResetCursor)
		r.Post("/suspend", s.handleSuspend)
		r.Post("/resume", s.handleResume)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.queue != nil {
		if err := s.queue.Ping(ctx); err != nil {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pubsubEnvelope is the push wrapper delivered for mail notifications.
type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handleCallback accepts provider push notifications. Processing errors
// map to 200 so the provider does not retry a notification we will never
// accept; only throttling asks for redelivery with 503.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	source := model.Source(chi.URLParam(r, "source"))
	if !source.Valid() {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	var err error
	switch source {
	case model.SourceMail:
		err = s.acceptMailCallback(w, r)
	default:
		err = s.acceptChannelCallback(r, source)
	}
	if errors.Is(err, errUnauthorized) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if errors.Is(err, push.ErrThrottled) {
		http.Error(w, "queue full, retry later", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.logger.Warn("push callback rejected", "source", source, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

var errUnauthorized = errors.New("unauthorized callback")

func (s *Server) acceptMailCallback(_ http.ResponseWriter, r *http.Request) error {
	if s.verifier != nil {
		if err := s.verifier.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
			s.logger.Warn("push callback failed verification", "error", err)
			return errUnauthorized
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return err
	}
	var envelope pubsubEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Message.Data == "" {
		// Bare notification body, not wrapped in an envelope.
		return s.pushes.HandleMail(r.Context(), body)
	}
	return s.pushes.HandleMail(r.Context(), []byte(envelope.Message.Data))
}

func (s *Server) acceptChannelCallback(r *http.Request, source model.Source) error {
	note := push.ChannelNotification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}
	if note.ChannelID == "" {
		return errors.New("missing channel id header")
	}
	return s.pushes.HandleChannel(r.Context(), source, note)
}

// searchResponse is the wire shape of one search hit.
type searchResponse struct {
	ID          string            `json:"id"`
	ItemID      uuid.UUID         `json:"item_id"`
	Source      model.Source      `json:"source"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Score       float64           `json:"score"`
	DenseScore  float64           `json:"dense_score"`
	SparseScore float64           `json:"sparse_score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	user, err := s.lookupUser(r.Context(), q.Get("user"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	opts := retrieval.Options{}
	if p := q.Get("project"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			http.Error(w, "invalid project id", http.StatusBadRequest)
			return
		}
		opts.ProjectID = &id
	}
	if k := q.Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 {
			http.Error(w, "invalid k", http.StatusBadRequest)
			return
		}
		opts.K = n
	}
	if people := q.Get("people"); people != "" {
		opts.People = strings.Split(people, ",")
	}

	results, err := s.searcher.Search(r.Context(), query, user.ID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]searchResponse, 0, len(results))
	for _, res := range results {
		out = append(out, searchResponse{
			ID:          res.ID,
			ItemID:      res.ItemID,
			Source:      res.Source,
			Content:     res.Content,
			Metadata:    res.Metadata,
			ReceivedAt:  res.ReceivedAt,
			Score:       res.Score,
			DenseScore:  res.DenseScore,
			SparseScore: res.SparseScore,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	user, source, err := s.pairParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	changed, err := s.scheduler.PollNow(r.Context(), user.ID, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changed})
}

func (s *Server) handleRenewWatch(w http.ResponseWriter, r *http.Request) {
	if s.renewer == nil {
		http.Error(w, "watches are disabled", http.StatusServiceUnavailable)
		return
	}
	user, source, err := s.pairParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.renewer.RenewNow(r.Context(), user.ID, source); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (s *Server) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	user, source, err := s.pairParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.ResetCursor(r.Context(), user.ID, source); err != nil {
		s.writeError(w, err)
		return
	}
	// The next poll re-primes and re-scans recent history.
	s.scheduler.Kick(user.ID, source)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	user, err := s.lookupUser(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetUserActive(r.Context(), user.ID, false); err != nil {
		s.writeError(w, err)
		return
	}
	s.scheduler.Suspend(user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	user, err := s.lookupUser(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetUserActive(r.Context(), user.ID, true); err != nil {
		s.writeError(w, err)
		return
	}
	s.scheduler.Resume(user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// pairParams resolves the user and source query parameters.
func (s *Server) pairParams(r *http.Request) (*model.User, model.Source, error) {
	q := r.URL.Query()
	source := model.Source(q.Get("source"))
	if !source.Valid() {
		return nil, "", badRequestError{"unknown source"}
	}
	user, err := s.lookupUser(r.Context(), q.Get("user"))
	if err != nil {
		return nil, "", err
	}
	return user, source, nil
}

// lookupUser accepts a username or a user UUID.
func (s *Server) lookupUser(ctx context.Context, ref string) (*model.User, error) {
	if ref == "" {
		return nil, badRequestError{"missing user parameter"}
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.store.GetUser(ctx, id)
	}
	return s.store.GetUserByUsername(ctx, ref)
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

// writeError maps errors to HTTP status: 400 bad input, 404 unknown
// entity, 502 provider rejection, 409 state corruption, 500 otherwise.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		badReq badRequestError
		tagged *model.TaggedError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &tagged):
		if tagged.Kind == model.KindInvariant {
			status = http.StatusConflict
		} else {
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
