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

package chunker

import (
	"strings"
	"unicode"
)

// commonAbbreviations never end a sentence even when followed by
// whitespace and a capital.
var commonAbbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "vs": {}, "etc": {}, "eg": {}, "e.g": {}, "ie": {}, "i.e": {},
	"inc": {}, "ltd": {}, "co": {}, "corp": {}, "dept": {}, "fig": {},
	"no": {}, "vol": {}, "approx": {},
}

// SplitSentences splits text into sentences. Paragraph breaks always
// split; within a paragraph a terminal mark followed by whitespace and a
// capital or opening quote splits, unless the preceding word is a known
// abbreviation or a single initial.
func SplitSentences(text string) []string {
	var sentences []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		sentences = append(sentences, splitParagraph(paragraph)...)
	}
	return sentences
}

func splitParagraph(paragraph string) []string {
	var (
		sentences []string
		runes     = []rune(paragraph)
		start     = 0
	)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		// Absorb a run of terminals ("?!", "...") and closing marks.
		end := i
		for end+1 < len(runes) && (isTerminal(runes[end+1]) || isClosing(runes[end+1])) {
			end++
		}
		if end+1 >= len(runes) {
			break
		}
		if !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}
		next := end + 1
		for next < len(runes) && unicode.IsSpace(runes[next]) {
			next++
		}
		if next >= len(runes) {
			break
		}
		if !startsSentence(runes[next]) || isAbbreviation(runes[start:i]) {
			i = end
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : end+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = next
		i = next - 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosing(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}

func startsSentence(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) ||
		r == '"' || r == '\'' || r == '(' || r == '“' || r == '‘'
}

// isAbbreviation checks the final word before a period against the
// abbreviation list, and treats a single letter as an initial.
func isAbbreviation(before []rune) bool {
	i := len(before)
	for i > 0 && !unicode.IsSpace(before[i-1]) {
		i--
	}
	word := strings.ToLower(strings.TrimRight(string(before[i:]), "."))
	if word == "" {
		return false
	}
	if len([]rune(word)) == 1 {
		return true
	}
	_, ok := commonAbbreviations[word]
	return ok
}
