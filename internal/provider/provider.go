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

// Package provider adapts external sources (mail, drive, calendar) to a
// single polling and watch contract. All provider-specific parsing and
// error classification stays behind the Adapter interface.
package provider

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/tributary-ai/tributary/internal/model"
)

// Change is one changed item reported by a poll.
type Change struct {
	SourceID string
	Deleted  bool
}

// PollResult carries a poll's changes and the cursor to persist once
// every change has been handed off.
type PollResult struct {
	Changes    []Change
	NextCursor string
}

// Adapter is one source's implementation of polling, item fetch, and
// push-channel management. Implementations classify their own errors
// with model.Tag so callers can branch on kind alone.
type Adapter interface {
	// Source identifies which source this adapter serves.
	Source() model.Source

	// Poll lists changes after the cursor. An empty cursor means the
	// pair has never synced; the adapter primes a cursor at the current
	// position and returns it with no changes.
	Poll(ctx context.Context, user *model.User, cursor string) (*PollResult, error)

	// FetchItem retrieves one item by source id.
	FetchItem(ctx context.Context, user *model.User, sourceID string) (*model.RawItem, error)

	// SetupWatch registers a push channel delivering to callbackURL.
	// The returned watch is not yet persisted.
	SetupWatch(ctx context.Context, user *model.User, callbackURL string) (*model.Watch, error)

	// StopWatch tears down a previously registered channel. Stopping a
	// channel the provider no longer knows is not an error.
	StopWatch(ctx context.Context, user *model.User, watch *model.Watch) error
}

// CredentialsSource yields per-user OAuth tokens. The concrete source is
// wired in main; adapters only ever see the interface.
type CredentialsSource interface {
	TokenSource(ctx context.Context, user *model.User) (oauth2.TokenSource, error)
}
