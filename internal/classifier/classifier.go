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

// Package classifier assigns each ingested item to at most one of the
// owner's active projects, using the project classification profiles and
// a single chat-model call.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/llm"
	"github.com/tributary-ai/tributary/internal/model"
)

// MinConfidence is the floor below which an item stays unclassified.
const MinConfidence = 0.5

// maxBodyChars bounds how much of the item body goes into the prompt.
const maxBodyChars = 4000

// Result is the classifier's decision for one item. A nil ProjectID
// means unclassified.
type Result struct {
	ProjectID    *uuid.UUID
	Confidence   float64
	MatchedTags  []string
	InferredTags []string
	Rationale    string
}

// response is the JSON shape the model is instructed to return.
type response struct {
	ProjectID    string   `json:"project_id"`
	Confidence   float64  `json:"confidence"`
	MatchedTags  []string `json:"matched_tags"`
	InferredTags []string `json:"inferred_tags"`
	Rationale    string   `json:"rationale"`
}

// Classifier decides project membership. Safe for concurrent use.
type Classifier struct {
	chat   llm.ChatModel
	logger *slog.Logger
}

// New builds a Classifier.
func New(chat llm.ChatModel, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{chat: chat, logger: logger}
}

// Classify picks a project for the item from the candidate list, or
// returns an unclassified result. Model failures also yield unclassified
// along with a model-tagged error so the caller can log the degradation
// without failing the pipeline.
func (c *Classifier) Classify(ctx context.Context, item *model.Item, projects []*model.Project) (*Result, error) {
	if len(projects) == 0 {
		return &Result{}, nil
	}

	raw, err := c.chat.Complete(ctx, buildPrompt(item, projects))
	if err != nil {
		return &Result{}, model.Tag(model.KindModel, fmt.Errorf("classification call failed: %w", err))
	}

	var resp response
	if err := json.Unmarshal(extractJSON(raw), &resp); err != nil {
		return &Result{}, model.Tag(model.KindModel,
			fmt.Errorf("failed to parse classification response %q: %w", truncate(raw, 200), err))
	}

	result := &Result{
		Confidence:   resp.Confidence,
		MatchedTags:  resp.MatchedTags,
		InferredTags: resp.InferredTags,
		Rationale:    resp.Rationale,
	}
	if resp.ProjectID == "" || strings.EqualFold(resp.ProjectID, "none") {
		return result, nil
	}
	projectID, err := uuid.Parse(resp.ProjectID)
	if err != nil {
		c.logger.Warn("classifier returned unparseable project id",
			"item_id", item.ID, "project_id", resp.ProjectID)
		return result, nil
	}
	if !candidate(projects, projectID) {
		c.logger.Warn("classifier returned a non-candidate project id",
			"item_id", item.ID, "project_id", projectID)
		return result, nil
	}
	if resp.Confidence < MinConfidence {
		return result, nil
	}
	result.ProjectID = &projectID
	return result, nil
}

// buildPrompt enumerates each candidate project's full classification
// profile, then the item, then the required JSON shape.
func buildPrompt(item *model.Item, projects []*model.Project) string {
	var b strings.Builder
	b.WriteString("You assign an incoming item to at most one of the user's projects.\n\n")
	b.WriteString("Candidate projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n", p.ID, p.Name)
		if len(p.Profile.Tags) > 0 {
			fmt.Fprintf(&b, "  tags: %s\n", strings.Join(p.Profile.Tags, ", "))
		}
		if len(p.Profile.Keywords) > 0 {
			fmt.Fprintf(&b, "  keywords: %s\n", strings.Join(p.Profile.Keywords, ", "))
		}
		if len(p.Profile.EntityPatterns) > 0 {
			fmt.Fprintf(&b, "  entity patterns: %s\n", strings.Join(p.Profile.EntityPatterns, ", "))
		}
		if p.Profile.Notes != "" {
			fmt.Fprintf(&b, "  notes: %s\n", p.Profile.Notes)
		}
	}
	fmt.Fprintf(&b, "\nItem source: %s\nItem title: %s\nItem author: %s\n\nItem body:\n%s\n\n",
		item.Source, item.Title, item.Author, truncate(item.Body, maxBodyChars))
	b.WriteString(`Reply with JSON only, no prose, in this exact shape:
{"project_id": "<uuid of the chosen project, or \"none\">", "confidence": <0.0-1.0>, "matched_tags": [...], "inferred_tags": [...], "rationale": "<one sentence>"}`)
	return b.String()
}

// extractJSON pulls the first balanced JSON object out of a model reply,
// tolerating code fences and surrounding prose.
func extractJSON(raw string) []byte {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return []byte(raw)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(raw[start : i+1])
			}
		}
	}
	return []byte(raw[start:])
}

func candidate(projects []*model.Project, id uuid.UUID) bool {
	for _, p := range projects {
		if p.ID == id {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
