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

package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/tributary/internal/model"
)

// oauthScopes is the read surface the adapters need.
var oauthScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/calendar.readonly",
}

// credentialsFile is the on-disk shape: one OAuth client plus per-user
// refresh tokens keyed by username. Identity management proper lives
// outside this service; the file is its hand-off format.
type credentialsFile struct {
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	Users        map[string]string `yaml:"users"`
}

// fileCredentials implements provider.CredentialsSource from a YAML
// credentials file. Token sources are cached per user so refreshed
// access tokens are reused across calls.
type fileCredentials struct {
	config oauth2.Config
	tokens map[string]string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// loadCredentials reads and validates the credentials file.
func loadCredentials(path string) (*fileCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.ClientID == "" || file.ClientSecret == "" {
		return nil, fmt.Errorf("credentials file missing client_id or client_secret")
	}
	return &fileCredentials{
		config: oauth2.Config{
			ClientID:     file.ClientID,
			ClientSecret: file.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       oauthScopes,
		},
		tokens:  file.Users,
		sources: make(map[string]oauth2.TokenSource),
	}, nil
}

// TokenSource returns the cached per-user token source. A user without a
// stored refresh token is an auth failure so the caller suspends them
// rather than retrying.
func (c *fileCredentials) TokenSource(ctx context.Context, user *model.User) (oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.sources[user.Username]; ok {
		return ts, nil
	}
	refresh, ok := c.tokens[user.Username]
	if !ok || refresh == "" {
		return nil, model.Tag(model.KindAuth,
			fmt.Errorf("no credentials for user %s", user.Username))
	}
	ts := c.config.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: refresh})
	ts = oauth2.ReuseTokenSource(nil, ts)
	c.sources[user.Username] = ts
	return ts, nil
}
