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
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/gmail/v1"

	"github.com/tributary-ai/tributary/internal/model"
)

func TestVirtualAddressMatcher(t *testing.T) {
	t.Parallel()
	m, err := NewVirtualAddressMatcher("example.com")
	if err != nil {
		t.Fatalf("NewVirtualAddressMatcher: %v", err)
	}

	tests := []struct {
		name    string
		headers []string
		want    string
	}{
		{"simple", []string{"ai+alice@example.com"}, "alice"},
		{"display name", []string{`"Assistant" <ai+bob@example.com>`}, "bob"},
		{"mixed case", []string{"AI+Carol@Example.COM"}, "carol"},
		{"among others", []string{"x@example.com, ai+dave@example.com"}, "dave"},
		{"second header", []string{"x@example.com", "ai+erin@example.com"}, "erin"},
		{"wrong domain", []string{"ai+alice@other.com"}, ""},
		{"missing plus", []string{"aialice@example.com"}, ""},
		{"non-alphanumeric username stops", []string{"ai+al.ice@example.com"}, "al"},
		{"empty", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.Match(tc.headers...); got != tc.want {
				t.Errorf("Match(%v) = %q, want %q", tc.headers, got, tc.want)
			}
		})
	}

	if got := m.Address("Frank", "example.com"); got != "ai+frank@example.com" {
		t.Errorf("Address = %q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, model.KindAuth},
		{"forbidden", &googleapi.Error{Code: 403}, model.KindAuth},
		{"rate limited", &googleapi.Error{Code: 429}, model.KindTransient},
		{"server error", &googleapi.Error{Code: 503}, model.KindTransient},
		{"not found", &googleapi.Error{Code: 404}, model.KindFatal},
		{"bad request", &googleapi.Error{Code: 400}, model.KindFatal},
		{"deadline", context.DeadlineExceeded, model.KindTransient},
		{"network", errors.New("connection reset"), model.KindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := model.KindOf(classify(tc.err)); got != tc.want {
				t.Errorf("classify kind = %v, want %v", got, tc.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) must be nil")
	}
}

func TestCallRetriesTransient(t *testing.T) {
	t.Parallel()
	breaker := breakerFor("test-retry")
	attempts := 0
	got, err := call(context.Background(), breaker, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &googleapi.Error{Code: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCallDoesNotRetryFatal(t *testing.T) {
	t.Parallel()
	breaker := breakerFor("test-fatal")
	attempts := 0
	_, err := call(context.Background(), breaker, func() (string, error) {
		attempts++
		return "", &googleapi.Error{Code: 404}
	})
	if !model.IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestCallDoesNotRetryAuth(t *testing.T) {
	t.Parallel()
	breaker := breakerFor("test-auth")
	attempts := 0
	_, err := call(context.Background(), breaker, func() (string, error) {
		attempts++
		return "", &googleapi.Error{Code: 401}
	})
	if !model.IsAuth(err) {
		t.Fatalf("expected auth, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBreakerOpensOnConsecutiveTransients(t *testing.T) {
	t.Parallel()
	breaker := breakerFor("test-open")
	for i := 0; i < 3; i++ {
		_, _ = call(context.Background(), breaker, func() (string, error) {
			return "", &googleapi.Error{Code: 503}
		})
	}
	// 9 transient failures recorded by now; breaker trips at 5.
	_, err := call(context.Background(), breaker, func() (string, error) {
		return "unreachable", nil
	})
	if !model.IsTransient(err) {
		t.Fatalf("open breaker must surface transient, got %v", err)
	}
}

func TestDedupeChanges(t *testing.T) {
	t.Parallel()
	in := []Change{
		{SourceID: "a"},
		{SourceID: "b"},
		{SourceID: "a", Deleted: true},
		{SourceID: "c"},
	}
	out := dedupeChanges(in)
	if len(out) != 3 {
		t.Fatalf("got %d changes, want 3", len(out))
	}
	if out[0].SourceID != "a" || !out[0].Deleted {
		t.Errorf("first change = %+v, want deleted a", out[0])
	}
	if out[1].SourceID != "b" || out[2].SourceID != "c" {
		t.Errorf("order not preserved: %+v", out)
	}
}

func TestExtractBodies(t *testing.T) {
	t.Parallel()
	encode := func(s string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(s))
	}
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "text/plain; charset=UTF-8",
				Body:     &gmail.MessagePartBody{Data: encode("plain body")},
			},
			{
				MimeType: "text/html",
				Body:     &gmail.MessagePartBody{Data: encode("<p>html body</p>")},
			},
			{
				MimeType: "application/pdf",
				Filename: "report.pdf",
				Body:     &gmail.MessagePartBody{Data: encode("binary")},
			},
		},
	}

	plain, html := extractBodies(payload)
	if plain != "plain body" {
		t.Errorf("plain = %q", plain)
	}
	if html != "<p>html body</p>" {
		t.Errorf("html = %q", html)
	}
	names := attachmentNames(payload)
	if len(names) != 1 || names[0] != "report.pdf" {
		t.Errorf("attachments = %v", names)
	}
}

func TestDecodeBodyPaddedAndRaw(t *testing.T) {
	t.Parallel()
	for _, data := range []string{
		base64.URLEncoding.EncodeToString([]byte("hello")),
		base64.RawURLEncoding.EncodeToString([]byte("hello")),
	} {
		got, err := decodeBody(data)
		if err != nil {
			t.Fatalf("decodeBody(%q): %v", data, err)
		}
		if got != "hello" {
			t.Errorf("decodeBody(%q) = %q", data, got)
		}
	}
	if _, err := decodeBody("!!!"); err == nil {
		t.Error("expected an error for invalid input")
	}
}

func TestClassifyKeepsExistingTag(t *testing.T) {
	t.Parallel()
	tagged := model.Tag(model.KindAuth, fmt.Errorf("already tagged"))
	if got := model.KindOf(classify(tagged)); got != model.KindAuth {
		t.Errorf("existing tag overwritten: %v", got)
	}
}
