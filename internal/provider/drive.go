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
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/tributary-ai/tributary/internal/model"
)

const (
	// driveWatchTTL is the channel lifetime requested from Drive.
	driveWatchTTL = 24 * time.Hour
	// maxExportBytes caps how much exported text is read per file.
	maxExportBytes = 2 << 20
)

// exportableMimeTypes maps Google-native document types to plain text
// export. Anything else gets a metadata-only placeholder body.
var exportableMimeTypes = map[string]struct{}{
	"application/vnd.google-apps.document":     {},
	"application/vnd.google-apps.spreadsheet":  {},
	"application/vnd.google-apps.presentation": {},
}

// DriveAdapter syncs a user's Drive through the changes feed.
type DriveAdapter struct {
	creds   CredentialsSource
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewDriveAdapter builds the drive adapter.
func NewDriveAdapter(creds CredentialsSource, logger *slog.Logger) *DriveAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriveAdapter{creds: creds, breaker: breakerFor("drive"), logger: logger}
}

func (a *DriveAdapter) Source() model.Source { return model.SourceDrive }

func (a *DriveAdapter) service(ctx context.Context, user *model.User) (*drive.Service, error) {
	ts, err := a.creds.TokenSource(ctx, user)
	if err != nil {
		return nil, model.Tag(model.KindAuth, fmt.Errorf("failed to resolve drive credentials: %w", err))
	}
	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, model.Tag(model.KindTransient, fmt.Errorf("failed to create drive service: %w", err))
	}
	return svc, nil
}

// Poll walks the changes feed from the cursor. An empty cursor primes at
// the current start page token and reports no changes.
func (a *DriveAdapter) Poll(ctx context.Context, user *model.User, cursor string) (*PollResult, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		token, err := call(ctx, a.breaker, func() (*drive.StartPageToken, error) {
			return svc.Changes.GetStartPageToken().Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("failed to prime drive cursor for %s: %w", user.Username, err)
		}
		return &PollResult{NextCursor: token.StartPageToken}, nil
	}

	var (
		changes   []Change
		pageToken = cursor
		next      = cursor
	)
	for {
		resp, err := call(ctx, a.breaker, func() (*drive.ChangeList, error) {
			return svc.Changes.List(pageToken).
				Fields("changes(fileId, removed, file(trashed)), newStartPageToken, nextPageToken").
				IncludeRemoved(true).
				PageSize(100).
				Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list drive changes for %s: %w", user.Username, err)
		}
		for _, ch := range resp.Changes {
			if ch.FileId == "" {
				continue
			}
			deleted := ch.Removed || (ch.File != nil && ch.File.Trashed)
			changes = append(changes, Change{SourceID: ch.FileId, Deleted: deleted})
		}
		if resp.NewStartPageToken != "" {
			next = resp.NewStartPageToken
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return &PollResult{Changes: dedupeChanges(changes), NextCursor: next}, nil
}

// FetchItem loads file metadata and, for exportable types, the plain
// text content. Binary files become a searchable metadata placeholder.
func (a *DriveAdapter) FetchItem(ctx context.Context, user *model.User, sourceID string) (*model.RawItem, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	file, err := call(ctx, a.breaker, func() (*drive.File, error) {
		return svc.Files.Get(sourceID).
			Fields("id, name, mimeType, modifiedTime, version, trashed, size, owners(emailAddress)").
			Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch drive file %s: %w", sourceID, err)
	}

	item := &model.RawItem{
		Source:   model.SourceDrive,
		SourceID: file.Id,
		Title:    file.Name,
		Deleted:  file.Trashed,
		Revision: strconv.FormatInt(file.Version, 10),
		Metadata: map[string]string{
			"mime_type": file.MimeType,
			"size":      strconv.FormatInt(file.Size, 10),
		},
	}
	if len(file.Owners) > 0 {
		item.Author = file.Owners[0].EmailAddress
	}
	if file.ModifiedTime != "" {
		if at, err := time.Parse(time.RFC3339, file.ModifiedTime); err == nil {
			item.ReceivedAt = at.UTC()
		}
	}

	if _, exportable := exportableMimeTypes[file.MimeType]; exportable {
		text, err := a.export(ctx, svc, file.Id)
		if err != nil {
			return nil, err
		}
		item.TextPlain = text
	} else {
		item.TextPlain = placeholderBody(file)
	}
	return item, nil
}

func (a *DriveAdapter) export(ctx context.Context, svc *drive.Service, fileID string) (string, error) {
	text, err := call(ctx, a.breaker, func() (string, error) {
		resp, err := svc.Files.Export(fileID, "text/plain").Context(ctx).Download()
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes))
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to export drive file %s: %w", fileID, err)
	}
	return text, nil
}

// placeholderBody renders a short description so non-exportable files
// still index by name and type.
func placeholderBody(file *drive.File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nType: %s\n", file.Name, file.MimeType)
	if file.Size > 0 {
		fmt.Fprintf(&b, "Size: %d bytes\n", file.Size)
	}
	if file.ModifiedTime != "" {
		fmt.Fprintf(&b, "Modified: %s\n", file.ModifiedTime)
	}
	return b.String()
}

// SetupWatch registers a web-hook channel on the changes feed.
func (a *DriveAdapter) SetupWatch(ctx context.Context, user *model.User, callbackURL string) (*model.Watch, error) {
	svc, err := a.service(ctx, user)
	if err != nil {
		return nil, err
	}
	token, err := call(ctx, a.breaker, func() (*drive.StartPageToken, error) {
		return svc.Changes.GetStartPageToken().Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read drive start page token for %s: %w", user.Username, err)
	}

	channelID := uuid.NewString()
	channelToken := uuid.NewString()
	resp, err := call(ctx, a.breaker, func() (*drive.Channel, error) {
		return svc.Changes.Watch(token.StartPageToken, &drive.Channel{
			Id:         channelID,
			Type:       "web_hook",
			Address:    callbackURL,
			Token:      channelToken,
			Expiration: time.Now().Add(driveWatchTTL).UnixMilli(),
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up drive watch for %s: %w", user.Username, err)
	}

	expiry := time.UnixMilli(resp.Expiration).UTC()
	if resp.Expiration == 0 {
		expiry = time.Now().UTC().Add(driveWatchTTL)
	}
	return &model.Watch{
		ID:           uuid.New(),
		UserID:       user.ID,
		Source:       model.SourceDrive,
		ResourceID:   resp.ResourceId,
		ChannelID:    channelID,
		ChannelToken: channelToken,
		Expiry:       expiry,
		Active:       true,
	}, nil
}

// StopWatch tears the channel down. A channel the provider already
// forgot is treated as stopped.
func (a *DriveAdapter) StopWatch(ctx context.Context, user *model.User, watch *model.Watch) error {
	svc, err := a.service(ctx, user)
	if err != nil {
		return err
	}
	_, err = call(ctx, a.breaker, func() (struct{}, error) {
		return struct{}{}, svc.Channels.Stop(&drive.Channel{
			Id:         watch.ChannelID,
			ResourceId: watch.ResourceID,
		}).Context(ctx).Do()
	})
	if model.IsFatal(err) {
		return nil
	}
	return err
}
