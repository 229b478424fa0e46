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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tributary-ai/tributary/internal/model"
)

// calendarWatchTTL is the channel lifetime requested from Calendar.
const calendarWatchTTL = 24 * time.Hour

// primaryCalendar is the only calendar synced per user.
const primaryCalendar = "primary"

// CalendarAdapter syncs the user's primary calendar with incremental
// sync tokens.
type CalendarAdapter struct {
	creds   CredentialsSource
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewCalendarAdapter builds the calendar adapter.
func NewCalendarAdapter(creds CredentialsSource, logger *slog.Logger) *CalendarAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarAdapter{creds: creds, breaker: breakerFor("calendar"), logger: logger}
}

func (a *CalendarAdapter) Source() model.Source { return model.SourceCalendar }

func (a *CalendarAdapter) service(ctx context.Context, user *model.User) (*calendar.Service, error) {
	ts, err := a.creds.TokenSource(ctx, user)
	if err != nil {
		return nil, model.Tag(model.KindAuth, fmt.Errorf("failed to resolve calendar credentials: %w", err))
	}
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, model.Tag(model.KindTransient, fmt.Errorf("failed to create calendar service: %w", err))
	}
	return svc, nil
}

// Poll lists events changed since the sync token. An empty cursor pages
// through the current state without emitting changes, just to obtain a
// token. An expired token (410) re-primes the same way.
func (a *CalendarAdapter) Poll(ctx context.Context, user *model.User, cursor string) (*PollResult, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}

	result, err := a.list(ctx, svc, cursor, cursor != "")
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
			a.logger.Warn("calendar sync token expired, re-priming cursor",
				"user", user.Username)
			return a.list(ctx, svc, "", false)
		}
		return nil, fmt.Errorf("failed to list calendar events for %s: %w", user.Username, err)
	}
	return result, nil
}

func (a *CalendarAdapter) list(ctx context.Context, svc *calendar.Service, syncToken string, emit bool) (*PollResult, error) {
	var (
		changes   []Change
		pageToken string
		nextSync  string
	)
	for {
		req := svc.Events.List(primaryCalendar).
			ShowDeleted(true).
			MaxResults(250).
			Context(ctx)
		if syncToken != "" {
			req = req.SyncToken(syncToken)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := call(ctx, a.breaker, func() (*calendar.Events, error) {
			return req.Do()
		})
		if err != nil {
			return nil, err
		}

		if emit {
			for _, ev := range resp.Items {
				changes = append(changes, Change{
					SourceID: ev.Id,
					Deleted:  ev.Status == "cancelled",
				})
			}
		}
		if resp.NextSyncToken != "" {
			nextSync = resp.NextSyncToken
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return &PollResult{Changes: dedupeChanges(changes), NextCursor: nextSync}, nil
}

// FetchItem loads one event. The body is the description plus the
// attendee list so people and agenda text are both searchable.
func (a *CalendarAdapter) FetchItem(ctx context.Context, user *model.User, sourceID string) (*model.RawItem, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	ev, err := call(ctx, a.breaker, func() (*calendar.Event, error) {
		return svc.Events.Get(primaryCalendar, sourceID).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar event %s: %w", sourceID, err)
	}

	item := &model.RawItem{
		Source:   model.SourceCalendar,
		SourceID: ev.Id,
		Title:    ev.Summary,
		Deleted:  ev.Status == "cancelled",
		Revision: strconv.FormatInt(ev.Sequence, 10),
		Metadata: map[string]string{},
	}
	if ev.Organizer != nil {
		item.Author = ev.Organizer.Email
	}
	if ev.Updated != "" {
		if at, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			item.ReceivedAt = at.UTC()
		}
	}
	if ev.Location != "" {
		item.Metadata["location"] = ev.Location
	}
	if ev.Start != nil {
		item.Metadata["start"] = eventTime(ev.Start)
	}
	if ev.End != nil {
		item.Metadata["end"] = eventTime(ev.End)
	}

	var attendees []string
	for _, att := range ev.Attendees {
		if att.Email != "" {
			attendees = append(attendees, att.Email)
		}
	}
	if len(attendees) > 0 {
		item.Metadata["attendees"] = strings.Join(attendees, ", ")
	}

	var body strings.Builder
	if ev.Description != "" {
		body.WriteString(ev.Description)
	}
	if len(attendees) > 0 {
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString("Attendees: " + strings.Join(attendees, ", "))
	}
	item.TextPlain = body.String()
	return item, nil
}

// SetupWatch registers a web-hook channel on the primary calendar.
func (a *CalendarAdapter) SetupWatch(ctx context.Context, user *model.User, callbackURL string) (*model.Watch, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	channelID := uuid.NewString()
	channelToken := uuid.NewString()
	resp, err := call(ctx, a.breaker, func() (*calendar.Channel, error) {
		return svc.Events.Watch(primaryCalendar, &calendar.Channel{
			Id:         channelID,
			Type:       "web_hook",
			Address:    callbackURL,
			Token:      channelToken,
			Expiration: time.Now().Add(calendarWatchTTL).UnixMilli(),
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up calendar watch for %s: %w", user.Username, err)
	}

	expiry := time.UnixMilli(resp.Expiration).UTC()
	if resp.Expiration == 0 {
		expiry = time.Now().UTC().Add(calendarWatchTTL)
	}
	return &model.Watch{
		ID:           uuid.New(),
		UserID:       user.ID,
		Source:       model.SourceCalendar,
		ResourceID:   resp.ResourceId,
		ChannelID:    channelID,
		ChannelToken: channelToken,
		Expiry:       expiry,
		Active:       true,
	}, nil
}

// StopWatch tears the channel down, tolerating channels the provider
// already forgot.
func (a *CalendarAdapter) StopWatch(ctx context.Context, user *model.User, watch *model.Watch) error {
	svc, err := a.service(ctx, user)
	if err != nil {
		return err
	}
	_, err = call(ctx, a.breaker, func() (struct{}, error) {
		return struct{}{}, svc.Channels.Stop(&calendar.Channel{
			Id:         watch.ChannelID,
			ResourceId: watch.ResourceID,
		}).Context(ctx).Do()
	})
	if model.IsFatal(err) {
		return nil
	}
	return err
}

func eventTime(t *calendar.EventDateTime) string {
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}
