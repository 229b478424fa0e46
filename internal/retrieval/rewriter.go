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

package retrieval

import "strings"

// maxVariants caps the alternative phrasings produced for one query.
const maxVariants = 3

// synonyms is a small workplace lexicon. Each hit contributes one
// variant with the term swapped for its first synonym.
var synonyms = map[string][]string{
	"meeting":  {"call", "sync"},
	"call":     {"meeting"},
	"email":    {"mail", "message"},
	"mail":     {"email"},
	"message":  {"email"},
	"document": {"doc", "file"},
	"doc":      {"document"},
	"file":     {"document"},
	"deadline": {"due date"},
	"task":     {"todo", "action item"},
	"budget":   {"cost", "spend"},
	"contract": {"agreement"},
	"report":   {"summary"},
	"notes":    {"minutes"},
	"schedule": {"calendar", "agenda"},
	"plan":     {"roadmap"},
	"issue":    {"problem", "bug"},
	"launch":   {"release"},
	"hire":     {"recruit"},
	"invoice":  {"bill"},
}

// questionWords open interrogative queries; stripping them leaves the
// content terms.
var questionWords = map[string]bool{
	"what": true, "when": true, "where": true, "who": true,
	"which": true, "why": true, "how": true,
	"did": true, "does": true, "do": true, "is": true, "are": true, "was": true,
}

// Rewrite produces up to three alternative phrasings of a query: a
// synonym swap, a question-word strip, and a specificity reduction that
// keeps only the longest terms. Duplicates of the original or of each
// other are dropped.
func Rewrite(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	seen := map[string]bool{strings.ToLower(query): true}
	var variants []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] || len(variants) >= maxVariants {
			return
		}
		seen[strings.ToLower(v)] = true
		variants = append(variants, v)
	}

	add(swapSynonym(query))
	add(stripQuestion(query))
	add(keySpecifics(query))
	return variants
}

// swapSynonym replaces the first word with a lexicon entry.
func swapSynonym(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		alts, ok := synonyms[strings.ToLower(strings.Trim(w, "?.,!"))]
		if !ok {
			continue
		}
		out := make([]string, len(words))
		copy(out, words)
		out[i] = alts[0]
		return strings.Join(out, " ")
	}
	return ""
}

// stripQuestion drops leading question words and trailing punctuation,
// turning "when is the budget review?" into "the budget review".
func stripQuestion(query string) string {
	words := strings.Fields(strings.TrimRight(query, "?.!"))
	i := 0
	for i < len(words) && questionWords[strings.ToLower(words[i])] {
		i++
	}
	if i == 0 || i == len(words) {
		return ""
	}
	return strings.Join(words[i:], " ")
}

// keySpecifics keeps only the longer content words, a narrower query
// for when the full phrasing matches nothing.
func keySpecifics(query string) string {
	words := strings.Fields(strings.TrimRight(query, "?.!"))
	var kept []string
	for _, w := range words {
		if len([]rune(w)) >= 5 && !questionWords[strings.ToLower(w)] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 || len(kept) == len(words) {
		return ""
	}
	return strings.Join(kept, " ")
}
