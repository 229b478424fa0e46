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

package pipeline

import (
	"html"
	"regexp"
	"strings"

	"github.com/tributary-ai/tributary/internal/model"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	blockBreakRe  = regexp.MustCompile(`(?i)<(/p|br\s*/?|/div|/h[1-6]|/li|/tr)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)

	// driveLinkRe matches shared Drive and Docs links and captures the
	// file id.
	driveLinkRe = regexp.MustCompile(
		`(?:drive|docs)\.google\.com/(?:file/d/|document/d/|spreadsheets/d/|presentation/d/|open\?id=)([A-Za-z0-9_-]{10,})`)
)

// stripHTML reduces an HTML body to plain text: script and style blocks
// are dropped, block-level closers become newlines, remaining tags are
// removed, and entities are decoded.
func stripHTML(src string) string {
	text := scriptStyleRe.ReplaceAllString(src, " ")
	text = blockBreakRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = spaceRunRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// extractText picks the item body from a raw fetch: the plain part when
// present, otherwise the stripped HTML part.
func extractText(raw *model.RawItem) string {
	if plain := strings.TrimSpace(raw.TextPlain); plain != "" {
		return plain
	}
	if raw.TextHTML != "" {
		return stripHTML(raw.TextHTML)
	}
	return ""
}

// extractDriveIDs returns the distinct Drive file ids linked from the
// given texts, in first-appearance order.
func extractDriveIDs(texts ...string) []string {
	var (
		ids  []string
		seen = make(map[string]struct{})
	)
	for _, text := range texts {
		for _, groups := range driveLinkRe.FindAllStringSubmatch(text, -1) {
			id := groups[1]
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
