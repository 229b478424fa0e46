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
	"container/heap"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/model"
)

// pairKey identifies one scheduled (user, source) pair.
type pairKey struct {
	userID uuid.UUID
	source model.Source
}

// entry is one pending poll in the timer heap.
type entry struct {
	key     pairKey
	nextRun time.Time
	index   int
}

// timerHeap is a min-heap on nextRun with O(log n) reschedule by key.
// Not safe for concurrent use; the scheduler guards it with its mutex.
type timerHeap struct {
	entries []*entry
	byKey   map[pairKey]*entry
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byKey: make(map[pairKey]*entry)}
}

func (h *timerHeap) Len() int { return len(h.entries) }

func (h *timerHeap) Less(i, j int) bool {
	return h.entries[i].nextRun.Before(h.entries[j].nextRun)
}

func (h *timerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byKey[e.key] = e
}

func (h *timerHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	delete(h.byKey, e.key)
	return e
}

// schedule inserts or reschedules the key. An existing entry moves only
// if the new time is earlier or force is set.
func (h *timerHeap) schedule(key pairKey, at time.Time, force bool) {
	if e, ok := h.byKey[key]; ok {
		if !force && e.nextRun.Before(at) {
			return
		}
		e.nextRun = at
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &entry{key: key, nextRun: at})
}

// popDue removes and returns every entry due at or before now.
func (h *timerHeap) popDue(now time.Time) []pairKey {
	var due []pairKey
	for h.Len() > 0 && !h.entries[0].nextRun.After(now) {
		e := heap.Pop(h).(*entry)
		due = append(due, e.key)
	}
	return due
}

// remove drops the key if present.
func (h *timerHeap) remove(key pairKey) {
	if e, ok := h.byKey[key]; ok {
		heap.Remove(h, e.index)
	}
}

// next returns the earliest scheduled time, or zero when empty.
func (h *timerHeap) next() time.Time {
	if h.Len() == 0 {
		return time.Time{}
	}
	return h.entries[0].nextRun
}
