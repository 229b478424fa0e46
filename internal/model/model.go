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

// Package model defines the durable entities shared by every tributary
// component: users, projects, items, watches, sync cursors, activity
// metrics, chunks, and processing logs.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies the external system an item came from.
type Source string

const (
	SourceMail     Source = "mail"
	SourceDrive    Source = "drive"
	SourceCalendar Source = "calendar"
)

// Sources lists every supported source in a stable order.
var Sources = []Source{SourceMail, SourceDrive, SourceCalendar}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceMail, SourceDrive, SourceCalendar:
		return true
	}
	return false
}

// ItemStatus is the lifecycle status of an ingested item.
type ItemStatus string

const (
	ItemPending      ItemStatus = "pending"
	ItemClassified   ItemStatus = "classified"
	ItemUnclassified ItemStatus = "unclassified"
	ItemEmbedded     ItemStatus = "embedded"
	ItemFailed       ItemStatus = "failed"
	ItemDeleted      ItemStatus = "deleted"
)

// Outcome is the result of a single pipeline ingest attempt.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeFailed    Outcome = "failed"
)

// ChangeFrequency buckets how actively a (user, source) pair changes.
type ChangeFrequency string

const (
	FrequencyLow    ChangeFrequency = "low"
	FrequencyMedium ChangeFrequency = "medium"
	FrequencyHigh   ChangeFrequency = "high"
)

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectActive     ProjectStatus = "active"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectArchived   ProjectStatus = "archived"
)

// User owns items, watches, cursors, and activity metrics. The virtual
// mail address is derived as ai+<username>@<domain> and recognized on
// inbound mail.
type User struct {
	ID           uuid.UUID
	Username     string
	PrimaryEmail string
	VirtualEmail string
	Active       bool
}

// ClassificationProfile is the subset of a project fed to the classifier
// when deciding project membership for an item.
type ClassificationProfile struct {
	Tags           []string
	Keywords       []string
	EntityPatterns []string
	Notes          string
}

// Project groups a user's items. Items reference projects by id; the
// project owns no items directly.
type Project struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Name    string
	Status  ProjectStatus
	Profile ClassificationProfile
}

// Item is a single ingested piece of content. (Source, SourceID) is a
// uniqueness key; re-ingestion of the same pair is a no-op.
type Item struct {
	ID         uuid.UUID
	Source     Source
	SourceID   string
	UserID     uuid.UUID
	ProjectID  *uuid.UUID
	Title      string
	Author     string
	ReceivedAt time.Time
	Body       string
	Metadata   map[string]string
	Revision   string
	Status     ItemStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RawItem is what a provider adapter returns for a fetched item. Parsing
// stays at the adapter boundary; the pipeline consumes these strong types.
type RawItem struct {
	Source     Source
	SourceID   string
	Title      string
	Author     string
	ReceivedAt time.Time
	Deleted    bool
	Revision   string

	// TextPlain and TextHTML carry the decoded mail bodies; drive and
	// calendar adapters fill TextPlain only.
	TextPlain string
	TextHTML  string

	// Metadata carries source-specific fields: headers and attachment
	// names for mail (plus "virtual_username" when a virtual address
	// matched), mime type / size / revision for drive, attendees and
	// start/end for calendar.
	Metadata map[string]string
}

// MetaVirtualUsername is the RawItem metadata key under which the mail
// adapter reports a matched virtual-address username.
const MetaVirtualUsername = "virtual_username"

// Watch is a provider-side notification channel with a finite lifetime.
// At most one active watch exists per (user, source, resource).
type Watch struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Source       Source
	ResourceID   string
	ChannelID    string
	ChannelToken string
	Expiry       time.Time
	Active       bool
	FailureCount int
}

// SyncCursor marks the last consumed point in a source's change stream
// for one (user, source) pair. Cursors only move forward; a failed poll
// leaves the cursor untouched.
type SyncCursor struct {
	UserID       uuid.UUID
	Source       Source
	Cursor       string
	LastPolledAt time.Time
}

// ActivityMetric holds the rolling counters the scheduler uses to derive
// each (user, source) polling cadence.
type ActivityMetric struct {
	UserID          uuid.UUID
	Source          Source
	ItemsSeen       int64
	ItemsChanged24h int64
	Frequency       ChangeFrequency
	NextIntervalMin int
	UpdatedAt       time.Time
}

// Chunk is a contiguous span of an item's text, the unit of embedding
// and retrieval. EnrichedText is RawText prefixed with a short model
// written context summary.
type Chunk struct {
	ItemID       uuid.UUID
	Index        int
	TokenCount   int
	RawText      string
	EnrichedText string
	Quality      float64
}

// ProcessingLog is one append-only record per pipeline attempt per item.
type ProcessingLog struct {
	ID         int64
	ItemID     uuid.UUID
	UserID     uuid.UUID
	Source     Source
	Outcome    Outcome
	ErrorKind  string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}
