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

// Package push turns provider notifications into prompt polls. A push
// never carries content; it only tells us which (user, source) pair to
// poll now instead of at the next scheduled tick.
package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/store"
)

const (
	// dedupeSize and dedupeTTL bound the replay window for repeated
	// notifications.
	dedupeSize = 4096
	dedupeTTL  = 10 * time.Minute
)

// ErrThrottled means the ingest queue is above its high-water mark and
// the notification should be retried by the provider.
var ErrThrottled = errors.New("ingest queue above high-water mark")

// Store is the lookup surface the handler needs.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetWatchByChannel(ctx context.Context, channelID string) (*model.Watch, error)
	ListActiveWatches(ctx context.Context, userID *uuid.UUID) ([]*model.Watch, error)
}

// Kicker requests an immediate poll for a (user, source) pair. The
// scheduler implements this.
type Kicker interface {
	Kick(userID uuid.UUID, source model.Source)
}

// DepthReader exposes the ingest queue depth for back-pressure.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Handler processes verified push notifications.
type Handler struct {
	store     Store
	kicker    Kicker
	depth     DepthReader
	highWater int64
	seen      *expirable.LRU[string, struct{}]
	logger    *slog.Logger
}

// NewHandler builds a Handler. highWater is the queue depth above which
// notifications are throttled.
func NewHandler(st Store, kicker Kicker, depth DepthReader, highWater int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     st,
		kicker:    kicker,
		depth:     depth,
		highWater: highWater,
		seen:      expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
		logger:    logger,
	}
}

// mailNotification is the JSON payload inside a mail push message.
type mailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandleMail processes one mail notification body (the base64 Pub/Sub
// data field, already extracted from the envelope).
func (h *Handler) HandleMail(ctx context.Context, data []byte) error {
	if err := h.throttle(ctx); err != nil {
		return err
	}

	note, messageID, err := decodeMailNotification(data)
	if err != nil {
		return fmt.Errorf("failed to decode mail notification: %w", err)
	}
	if note == nil {
		return h.kickWatchedMailboxes(ctx, messageID)
	}
	key := "mail:" + note.EmailAddress + ":" + strconv.FormatUint(note.HistoryID, 10)
	if h.duplicate(key) {
		return nil
	}

	user, err := h.store.GetUserByEmail(ctx, note.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("mail push for unknown mailbox", "email", note.EmailAddress)
			return nil
		}
		return err
	}
	if !user.Active {
		h.logger.Debug("mail push for suspended user", "user", user.Username)
		return nil
	}

	h.kicker.Kick(user.ID, model.SourceMail)
	h.logger.Info("mail push accepted",
		"user", user.Username, "history_id", note.HistoryID)
	return nil
}

// kickWatchedMailboxes handles a bare message-id payload. The id names
// a message but not a mailbox, so every user with a live mail watch
// gets polled; their cursors narrow the work to actual changes.
func (h *Handler) kickWatchedMailboxes(ctx context.Context, messageID string) error {
	if h.duplicate("mail:msg:" + messageID) {
		return nil
	}
	watches, err := h.store.ListActiveWatches(ctx, nil)
	if err != nil {
		return err
	}
	kicked := 0
	for _, w := range watches {
		if w.Source != model.SourceMail {
			continue
		}
		h.kicker.Kick(w.UserID, model.SourceMail)
		kicked++
	}
	h.logger.Info("mail push accepted",
		"message_id", messageID, "mailboxes", kicked)
	return nil
}

// ChannelNotification is a drive or calendar web-hook delivery, built
// from the X-Goog-* headers.
type ChannelNotification struct {
	ChannelID     string
	Token         string
	ResourceState string
	MessageNumber string
}

// HandleChannel processes one channel notification after matching it to
// a stored watch and checking the channel token.
func (h *Handler) HandleChannel(ctx context.Context, source model.Source, note ChannelNotification) error {
	if err := h.throttle(ctx); err != nil {
		return err
	}

	watch, err := h.store.GetWatchByChannel(ctx, note.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Stale channel from before a renewal; the provider will
			// stop delivering once the old channel expires.
			h.logger.Debug("push for unknown channel", "channel_id", note.ChannelID)
			return nil
		}
		return err
	}
	if watch.ChannelToken != "" && watch.ChannelToken != note.Token {
		return fmt.Errorf("channel token mismatch for channel %s", note.ChannelID)
	}
	if watch.Source != source {
		return fmt.Errorf("channel %s belongs to source %s, not %s",
			note.ChannelID, watch.Source, source)
	}
	if note.ResourceState == "sync" {
		// Registration handshake, nothing changed.
		return nil
	}

	key := "channel:" + note.ChannelID + ":" + note.MessageNumber
	if h.duplicate(key) {
		return nil
	}

	h.kicker.Kick(watch.UserID, watch.Source)
	h.logger.Info("channel push accepted",
		"source", watch.Source, "channel_id", note.ChannelID,
		"state", note.ResourceState)
	return nil
}

func (h *Handler) throttle(ctx context.Context) error {
	depth, err := h.depth.Depth(ctx)
	if err != nil {
		// Unknown depth is not a reason to drop pushes.
		h.logger.Warn("failed to read queue depth", "error", err)
		return nil
	}
	if depth >= h.highWater {
		return ErrThrottled
	}
	return nil
}

func (h *Handler) duplicate(key string) bool {
	if _, dup := h.seen.Get(key); dup {
		return true
	}
	h.seen.Add(key, struct{}{})
	return false
}

// decodeMailNotification tries JSON first, then base64url (standard
// alphabet as a fallback). Decoded bytes that parse as the notification
// are the notification; any other valid UTF-8 decode is a bare message
// id and is returned as such.
func decodeMailNotification(data []byte) (*mailNotification, string, error) {
	var note mailNotification
	if err := json.Unmarshal(data, &note); err == nil && note.EmailAddress != "" {
		return &note, "", nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(string(data))
	if err != nil {
		if decoded2, err2 := base64.StdEncoding.DecodeString(string(data)); err2 == nil {
			decoded = decoded2
		} else {
			return nil, "", fmt.Errorf("payload is neither JSON nor base64")
		}
	}
	if !utf8.Valid(decoded) {
		return nil, "", fmt.Errorf("decoded payload is not valid UTF-8")
	}
	if err := json.Unmarshal(decoded, &note); err == nil && note.EmailAddress != "" {
		return &note, "", nil
	}
	if len(decoded) == 0 {
		return nil, "", fmt.Errorf("decoded payload is empty")
	}
	return nil, string(decoded), nil
}
