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

import (
	"math"
	"strings"
	"unicode"
)

// Okapi BM25 parameters. Document frequencies come from the candidate
// set itself; average document length is fixed rather than measured.
const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25AvgDL = 100.0
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "had": true, "this": true, "that": true, "with": true,
	"from": true, "they": true, "will": true, "would": true, "there": true,
	"their": true, "what": true, "about": true, "which": true, "when": true,
	"your": true, "them": true, "then": true, "than": true, "were": true,
	"been": true, "being": true, "into": true, "over": true, "after": true,
	"does": true, "did": true, "who": true, "how": true, "why": true,
	"where": true, "any": true, "some": true, "its": true, "also": true,
}

// Tokenize lowercases and splits on non-letters, keeping alphabetic
// terms longer than two characters that are not stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	var terms []string
	for _, f := range fields {
		if len(f) > 2 && !stopwords[f] {
			terms = append(terms, f)
		}
	}
	return terms
}

// bm25Scores scores each document against the query terms. Documents are
// pre-tokenized; the returned slice is parallel to docs. Scores are
// normalized by the maximum so they land in [0, 1].
func bm25Scores(queryTerms []string, docs [][]string) []float64 {
	scores := make([]float64, len(docs))
	if len(queryTerms) == 0 || len(docs) == 0 {
		return scores
	}

	// Document frequency per query term over the candidate set.
	df := make(map[string]int, len(queryTerms))
	for _, doc := range docs {
		present := make(map[string]bool)
		for _, t := range doc {
			present[t] = true
		}
		for _, q := range queryTerms {
			if present[q] {
				df[q]++
			}
		}
	}

	n := float64(len(docs))
	maxScore := 0.0
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, t := range doc {
			tf[t]++
		}
		dl := float64(len(doc))
		var score float64
		for _, q := range queryTerms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[q])+0.5)/(float64(df[q])+0.5))
			score += idf * (f * (bm25K1 + 1)) /
				(f + bm25K1*(1-bm25B+bm25B*dl/bm25AvgDL))
		}
		scores[i] = score
		if score > maxScore {
			maxScore = score
		}
	}

	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}
	return scores
}
