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

package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/tributary-ai/tributary/internal/model"
)

// mailWatchTTL is the lifetime Gmail grants a mailbox watch.
const mailWatchTTL = 7 * 24 * time.Hour

// MailAdapter syncs a Gmail mailbox. Push notifications arrive through
// a Pub/Sub topic configured at deploy time.
type MailAdapter struct {
	creds   CredentialsSource
	matcher *VirtualAddressMatcher
	topic   string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewMailAdapter builds the mail adapter. topic is the fully qualified
// Pub/Sub topic name push notifications are routed through.
func NewMailAdapter(creds CredentialsSource, matcher *VirtualAddressMatcher, topic string, logger *slog.Logger) *MailAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailAdapter{
		creds:   creds,
		matcher: matcher,
		topic:   topic,
		breaker: breakerFor("mail"),
		logger:  logger,
	}
}

func (a *MailAdapter) Source() model.Source { return model.SourceMail }

func (a *MailAdapter) service(ctx context.Context, user *model.User) (*gmail.Service, error) {
	ts, err := a.creds.TokenSource(ctx, user)
	if err != nil {
		return nil, model.Tag(model.KindAuth, fmt.Errorf("failed to resolve mail credentials: %w", err))
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, model.Tag(model.KindTransient, fmt.Errorf("failed to create mail service: %w", err))
	}
	return svc, nil
}

// Poll lists mailbox history after the cursor. An empty cursor primes at
// the mailbox's current history id and reports no changes; so does an
// expired history id, since Gmail only retains history for about a week.
func (a *MailAdapter) Poll(ctx context.Context, user *model.User, cursor string) (*PollResult, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		return a.prime(ctx, svc, user)
	}
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, model.Fatalf("malformed mail cursor %q: %v", cursor, err)
	}

	var (
		changes   []Change
		latestID  = startID
		pageToken string
	)
	for {
		req := svc.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "messageDeleted").
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := call(ctx, a.breaker, func() (*gmail.ListHistoryResponse, error) {
			return req.Do()
		})
		if err != nil {
			if model.IsFatal(err) {
				// History window expired. Re-prime and catch new mail
				// from here on; the gap is closed by the next full poll.
				a.logger.Warn("mail history expired, re-priming cursor",
					"user", user.Username, "cursor", cursor)
				return a.prime(ctx, svc, user)
			}
			return nil, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil {
					changes = append(changes, Change{SourceID: added.Message.Id})
				}
			}
			for _, deleted := range h.MessagesDeleted {
				if deleted.Message != nil {
					changes = append(changes, Change{SourceID: deleted.Message.Id, Deleted: true})
				}
			}
		}
		if resp.HistoryId > latestID {
			latestID = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return &PollResult{
		Changes:    dedupeChanges(changes),
		NextCursor: strconv.FormatUint(latestID, 10),
	}, nil
}

func (a *MailAdapter) prime(ctx context.Context, svc *gmail.Service, user *model.User) (*PollResult, error) {
	profile, err := call(ctx, a.breaker, func() (*gmail.Profile, error) {
		return svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prime mail cursor for %s: %w", user.Username, err)
	}
	return &PollResult{NextCursor: strconv.FormatUint(profile.HistoryId, 10)}, nil
}

// FetchItem retrieves one message in full and decodes its bodies and
// the headers the pipeline cares about.
func (a *MailAdapter) FetchItem(ctx context.Context, user *model.User, sourceID string) (*model.RawItem, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	msg, err := call(ctx, a.breaker, func() (*gmail.Message, error) {
		return svc.Users.Messages.Get("me", sourceID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", sourceID, err)
	}

	item := &model.RawItem{
		Source:     model.SourceMail,
		SourceID:   msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Revision:   strconv.FormatUint(msg.HistoryId, 10),
		Metadata:   map[string]string{},
	}
	for _, label := range msg.LabelIds {
		if label == "TRASH" {
			item.Deleted = true
		}
	}

	var to, cc, bcc string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				item.Title = h.Value
			case "from":
				item.Author = h.Value
			case "to":
				to = h.Value
				item.Metadata["to"] = h.Value
			case "cc":
				cc = h.Value
				item.Metadata["cc"] = h.Value
			case "bcc":
				bcc = h.Value
			case "message-id":
				item.Metadata["message_id"] = h.Value
			}
		}
		item.TextPlain, item.TextHTML = extractBodies(msg.Payload)
		if names := attachmentNames(msg.Payload); len(names) > 0 {
			item.Metadata["attachments"] = strings.Join(names, ", ")
		}
	}
	if username := a.matcher.Match(to, cc, bcc); username != "" {
		item.Metadata[model.MetaVirtualUsername] = username
	}
	return item, nil
}

// SetupWatch registers a mailbox watch on the Pub/Sub topic. Gmail
// expirations arrive as epoch milliseconds.
func (a *MailAdapter) SetupWatch(ctx context.Context, user *model.User, _ string) (*model.Watch, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	resp, err := call(ctx, a.breaker, func() (*gmail.WatchResponse, error) {
		return svc.Users.Watch("me", &gmail.WatchRequest{
			TopicName:         a.topic,
			LabelIds:          []string{"INBOX"},
			LabelFilterAction: "include",
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up mail watch for %s: %w", user.Username, err)
	}

	expiry := time.UnixMilli(resp.Expiration).UTC()
	if resp.Expiration == 0 {
		expiry = time.Now().UTC().Add(mailWatchTTL)
	}
	return &model.Watch{
		ID:         uuid.New(),
		UserID:     user.ID,
		Source:     model.SourceMail,
		ResourceID: "me",
		ChannelID:  uuid.NewString(),
		Expiry:     expiry,
		Active:     true,
	}, nil
}

// StopWatch stops mailbox notifications. Gmail keeps no channel handle,
// so stop is mailbox-wide.
func (a *MailAdapter) StopWatch(ctx context.Context, user *model.User, _ *model.Watch) error {
	svc, err := a.service(ctx, user)
	if err != nil {
		return err
	}
	_, err = call(ctx, a.breaker, func() (struct{}, error) {
		return struct{}{}, svc.Users.Stop("me").Context(ctx).Do()
	})
	if model.IsFatal(err) {
		return nil
	}
	return err
}

// extractBodies walks the MIME tree collecting the first text/plain and
// text/html parts.
func extractBodies(part *gmail.MessagePart) (plain, html string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" {
		if text, err := decodeBody(part.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && plain == "":
				plain = text
			case strings.HasPrefix(part.MimeType, "text/html") && html == "":
				html = text
			}
		}
	}
	for _, child := range part.Parts {
		p, h := extractBodies(child)
		if plain == "" {
			plain = p
		}
		if html == "" {
			html = h
		}
	}
	return plain, html
}

// decodeBody handles both padded and unpadded base64url payloads.
func decodeBody(data string) (string, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded), nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode message body: %w", err)
	}
	return string(decoded), nil
}

func attachmentNames(part *gmail.MessagePart) []string {
	var names []string
	if part.Filename != "" {
		names = append(names, part.Filename)
	}
	for _, child := range part.Parts {
		names = append(names, attachmentNames(child)...)
	}
	return names
}

// dedupeChanges keeps the last change per source id, preserving first
// appearance order.
func dedupeChanges(changes []Change) []Change {
	if len(changes) < 2 {
		return changes
	}
	last := make(map[string]Change, len(changes))
	var order []string
	for _, c := range changes {
		if _, seen := last[c.SourceID]; !seen {
			order = append(order, c.SourceID)
		}
		last[c.SourceID] = c
	}
	out := make([]Change, 0, len(order))
	for _, id := range order {
		out = append(out, last[id])
	}
	return out
}
