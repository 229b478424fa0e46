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

package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

type fakeChat struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeChat) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testProjects() []*model.Project {
	return []*model.Project{
		{
			ID:     uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			Name:   "Apollo",
			Status: model.ProjectActive,
			Profile: model.ClassificationProfile{
				Tags:           []string{"launch", "rocketry"},
				Keywords:       []string{"booster", "telemetry"},
				EntityPatterns: []string{"AP-\\d+"},
				Notes:          "Anything about the Apollo launch campaign.",
			},
		},
		{
			ID:     uuid.MustParse("22222222-2222-2222-2222-222222222222"),
			Name:   "Budget",
			Status: model.ProjectActive,
			Profile: model.ClassificationProfile{
				Keywords: []string{"invoice", "forecast"},
			},
		},
	}
}

func testItem() *model.Item {
	return &model.Item{
		ID:     uuid.New(),
		Source: model.SourceMail,
		Title:  "Telemetry review",
		Author: "ops@example.com",
		Body:   "The booster telemetry from AP-7 looks nominal.",
	}
}

func TestClassifyAssignsConfidentMatch(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: `{"project_id": "11111111-1111-1111-1111-111111111111", "confidence": 0.92, "matched_tags": ["rocketry"], "inferred_tags": ["telemetry-review"], "rationale": "Telemetry discussion matches Apollo."}`}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID == nil {
		t.Fatal("expected a project assignment")
	}
	if result.ProjectID.String() != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("assigned project %s", result.ProjectID)
	}
	if result.Confidence != 0.92 {
		t.Errorf("confidence = %v", result.Confidence)
	}
	if len(result.MatchedTags) != 1 || result.MatchedTags[0] != "rocketry" {
		t.Errorf("matched tags = %v", result.MatchedTags)
	}
}

func TestClassifyBelowThresholdStaysUnclassified(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: `{"project_id": "11111111-1111-1111-1111-111111111111", "confidence": 0.4, "rationale": "Weak signal."}`}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID != nil {
		t.Errorf("low-confidence match must stay unclassified, got %s", result.ProjectID)
	}
	if result.Confidence != 0.4 {
		t.Errorf("confidence = %v", result.Confidence)
	}
}

func TestClassifyNoneAnswer(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: `{"project_id": "none", "confidence": 0.9, "rationale": "Unrelated."}`}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID != nil {
		t.Errorf("expected unclassified, got %s", result.ProjectID)
	}
}

func TestClassifyModelErrorIsModelTagged(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{err: errors.New("rate limited")}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if !model.IsModel(err) {
		t.Fatalf("expected a model-tagged error, got %v", err)
	}
	if result == nil || result.ProjectID != nil {
		t.Errorf("model failure must yield an unclassified result, got %+v", result)
	}
}

func TestClassifyGarbageReplyIsModelTagged(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: "I cannot help with that."}
	c := New(chat, nil)

	_, err := c.Classify(context.Background(), testItem(), testProjects())
	if !model.IsModel(err) {
		t.Fatalf("expected a model-tagged error, got %v", err)
	}
}

func TestClassifyToleratesFencedJSON(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: "Sure, here is the result:\n```json\n" +
		`{"project_id": "22222222-2222-2222-2222-222222222222", "confidence": 0.8, "rationale": "Invoices."}` +
		"\n```"}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID == nil || result.ProjectID.String() != "22222222-2222-2222-2222-222222222222" {
		t.Errorf("expected the fenced project id, got %v", result.ProjectID)
	}
}

func TestClassifyRejectsNonCandidateProject(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: fmt.Sprintf(`{"project_id": "%s", "confidence": 0.99}`, uuid.New())}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), testProjects())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID != nil {
		t.Errorf("hallucinated project id must be rejected, got %s", result.ProjectID)
	}
}

func TestClassifyNoProjectsSkipsModel(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: "unused"}
	c := New(chat, nil)

	result, err := c.Classify(context.Background(), testItem(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.ProjectID != nil {
		t.Error("expected unclassified with no candidates")
	}
	if chat.prompt != "" {
		t.Error("model must not be called with no candidates")
	}
}

func TestPromptContainsProfiles(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: `{"project_id": "none", "confidence": 0}`}
	c := New(chat, nil)

	if _, err := c.Classify(context.Background(), testItem(), testProjects()); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	for _, want := range []string{
		"Apollo", "launch, rocketry", "booster, telemetry", "AP-\\d+",
		"Anything about the Apollo launch campaign.",
		"Budget", "invoice, forecast",
		"Telemetry review",
	} {
		if !strings.Contains(chat.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"prose around", `Answer: {"a": 1} done`, `{"a": 1}`},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"brace in string", `{"a": "}"}`, `{"a": "}"}`},
		{"no object", `nope`, `nope`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(extractJSON(tc.raw)); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
