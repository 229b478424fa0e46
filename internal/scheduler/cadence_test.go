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

package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

func TestNextInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		prev    int
		changed int64
		virtual bool
		want    int
	}{
		{"quiet pair backs off", 30, 0, false, 45},
		{"backoff caps at max", 100, 0, false, 120},
		{"zero prev uses default before backoff", 0, 0, false, 45},
		{"light activity snaps to 30", 90, 3, false, 30},
		{"boundary of light band", 120, 5, false, 30},
		{"moderate activity snaps to 15", 30, 6, false, 15},
		{"boundary of moderate band", 30, 20, false, 15},
		{"heavy activity snaps to 10", 120, 21, false, 10},
		{"virtual mail halves", 30, 6, true, 7},
		{"virtual mail respects floor", 30, 21, true, 5},
		{"virtual mail on quiet pair", 10, 0, true, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextInterval(tt.prev, tt.changed, tt.virtual)
			if got != tt.want {
				t.Errorf("NextInterval(%d, %d, %v) = %d, want %d",
					tt.prev, tt.changed, tt.virtual, got, tt.want)
			}
		})
	}
}

func TestFrequency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		changed int64
		want    model.ChangeFrequency
	}{
		{0, model.FrequencyLow},
		{1, model.FrequencyMedium},
		{5, model.FrequencyMedium},
		{6, model.FrequencyHigh},
		{500, model.FrequencyHigh},
	}
	for _, tt := range tests {
		if got := Frequency(tt.changed); got != tt.want {
			t.Errorf("Frequency(%d) = %v, want %v", tt.changed, got, tt.want)
		}
	}
}

func TestTimerHeapOrdering(t *testing.T) {
	t.Parallel()
	h := newTimerHeap()
	now := time.Now()
	a := pairKey{userID: uuid.New(), source: model.SourceMail}
	b := pairKey{userID: uuid.New(), source: model.SourceDrive}
	c := pairKey{userID: uuid.New(), source: model.SourceCalendar}

	h.schedule(a, now.Add(3*time.Minute), false)
	h.schedule(b, now.Add(time.Minute), false)
	h.schedule(c, now.Add(2*time.Minute), false)

	if got := h.next(); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("next() = %v, want %v", got, now.Add(time.Minute))
	}

	due := h.popDue(now.Add(2 * time.Minute))
	if len(due) != 2 || due[0] != b || due[1] != c {
		t.Fatalf("popDue = %v, want [b c]", due)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d after pop, want 1", h.Len())
	}
}

func TestTimerHeapRescheduleOnlyMovesEarlier(t *testing.T) {
	t.Parallel()
	h := newTimerHeap()
	now := time.Now()
	key := pairKey{userID: uuid.New(), source: model.SourceMail}

	h.schedule(key, now.Add(10*time.Minute), false)
	h.schedule(key, now.Add(30*time.Minute), false)
	if got := h.next(); !got.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("later non-forced schedule moved the entry to %v", got)
	}

	h.schedule(key, now.Add(time.Minute), false)
	if got := h.next(); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("earlier schedule did not move the entry, next = %v", got)
	}

	h.schedule(key, now.Add(time.Hour), true)
	if got := h.next(); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("forced schedule did not move the entry, next = %v", got)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (no duplicate entries)", h.Len())
	}
}

func TestTimerHeapRemove(t *testing.T) {
	t.Parallel()
	h := newTimerHeap()
	now := time.Now()
	a := pairKey{userID: uuid.New(), source: model.SourceMail}
	b := pairKey{userID: uuid.New(), source: model.SourceDrive}

	h.schedule(a, now, false)
	h.schedule(b, now.Add(time.Minute), false)
	h.remove(a)
	h.remove(a) // removing twice is a noop

	due := h.popDue(now.Add(time.Hour))
	if len(due) != 1 || due[0] != b {
		t.Errorf("popDue after remove = %v, want [b]", due)
	}
	if !h.next().IsZero() {
		t.Error("next() on empty heap must be zero")
	}
}
