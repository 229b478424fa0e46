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

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, primary_email, virtual_email, active
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByUsername loads a user by username. Used to route virtual-mail
// items to their owner.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, primary_email, virtual_email, active
		FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// GetUserByEmail loads a user by primary email. Push notifications for
// mail identify the mailbox this way.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, primary_email, virtual_email, active
		FROM users WHERE primary_email = $1`, email)
	return scanUser(row)
}

// ListActiveUsers returns every active user, for the scheduler fan-out.
func (s *Store) ListActiveUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, primary_email, virtual_email, active
		FROM users WHERE active ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetUserActive flips the user's active flag (suspend / resume).
func (s *Store) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set user active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveProjects returns the user's projects whose status is active
// or in_progress, with their classification profiles.
func (s *Store) ListActiveProjects(ctx context.Context, userID uuid.UUID) ([]*model.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, status, tags, keywords, entity_patterns, notes
		FROM projects
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY name`,
		userID, model.ProjectActive, model.ProjectInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list active projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject loads a single project with its classification profile.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, status, tags, keywords, entity_patterns, notes
		FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PrimaryEmail, &u.VirtualEmail, &u.Active)
	if err != nil {
		return nil, noRows(err)
	}
	return &u, nil
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Status,
		&p.Profile.Tags, &p.Profile.Keywords, &p.Profile.EntityPatterns, &p.Profile.Notes)
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}
