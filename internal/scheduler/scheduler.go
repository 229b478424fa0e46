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

// Package scheduler owns the polling cadence: every active (user,
// source) pair sits in a timer heap, polls fan out through a bounded
// worker pool, and each result feeds the next interval. Push
// notifications and admin actions pull a pair forward via Kick.
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/utils/metrics"
)

const (
	// tickResolution is the coarse wake-up granularity.
	tickResolution = 30 * time.Second
	// backPressureDelay is the reschedule delay while the queue is full.
	backPressureDelay = time.Minute
	// dormantAfter suspends a pair that produced no changes for this
	// long. A push or admin action revives it.
	dormantAfter = 14 * 24 * time.Hour
)

// Scheduler drives the pollers. Safe for concurrent use.
type Scheduler struct {
	store     Store
	poller    *Poller
	enqueuer  Enqueuer
	highWater int64
	workers   *semaphore.Weighted
	logger    *slog.Logger

	shards     int
	shardIndex int

	mu         sync.Mutex
	heap       *timerHeap
	suspended  map[uuid.UUID]bool
	dormant    map[pairKey]bool
	lastChange map[pairKey]time.Time

	wake chan struct{}
}

// New builds a Scheduler with the given worker pool size and queue
// high-water mark.
func New(st Store, poller *Poller, enqueuer Enqueuer, workers int, highWater int64, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		poller:     poller,
		enqueuer:   enqueuer,
		highWater:  highWater,
		workers:    semaphore.NewWeighted(int64(workers)),
		logger:     logger,
		shards:     1,
		heap:       newTimerHeap(),
		suspended:  make(map[uuid.UUID]bool),
		dormant:    make(map[pairKey]bool),
		lastChange: make(map[pairKey]time.Time),
		wake:       make(chan struct{}, 1),
	}
}

// ConfigureSharding limits this instance to users whose id hashes to
// the given shard. All instances share the store; each owns a disjoint
// slice of the user population. Call before Run.
func (s *Scheduler) ConfigureSharding(shards, index int) {
	if shards < 1 {
		shards = 1
	}
	if index < 0 || index >= shards {
		index = 0
	}
	s.shards = shards
	s.shardIndex = index
}

// ownsUser reports whether this shard schedules the user.
func (s *Scheduler) ownsUser(userID uuid.UUID) bool {
	if s.shards == 1 {
		return true
	}
	h := fnv.New32a()
	h.Write(userID[:])
	return int(h.Sum32())%s.shards == s.shardIndex
}

// Run schedules every active pair and loops until the context ends,
// waiting for in-flight polls on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.loadPairs(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(tickResolution)
	defer timer.Stop()

	for {
		s.mu.Lock()
		due := s.heap.popDue(time.Now())
		next := s.heap.next()
		s.mu.Unlock()

		for _, key := range due {
			wg.Add(1)
			go func(key pairKey) {
				defer wg.Done()
				s.runPair(ctx, key)
			}(key)
		}

		wait := tickResolution
		if !next.IsZero() {
			if until := time.Until(next); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// loadPairs seeds the heap with every active (user, source) pair,
// staggered so startup does not poll everything at once.
func (s *Scheduler) loadPairs(ctx context.Context) error {
	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := 0
	for _, user := range users {
		if !s.ownsUser(user.ID) {
			continue
		}
		for _, source := range model.Sources {
			at := time.Now().Add(time.Duration(offset) * time.Second)
			s.heap.schedule(pairKey{userID: user.ID, source: source}, at, false)
			offset++
		}
	}
	s.logger.Info("scheduled polling pairs", "users", len(users), "pairs", offset)
	return nil
}

// runPair executes one scheduled poll and reschedules the pair.
func (s *Scheduler) runPair(ctx context.Context, key pairKey) {
	s.mu.Lock()
	skip := s.suspended[key.userID]
	s.mu.Unlock()
	if skip {
		return
	}

	if depth, err := s.enqueuer.Depth(ctx); err == nil && depth >= s.highWater {
		s.logger.Warn("queue above high-water mark, deferring poll",
			"user_id", key.userID, "source", key.source, "depth", depth)
		s.reschedule(key, time.Now().Add(backPressureDelay))
		return
	}

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	user, err := s.userFor(ctx, key.userID)
	if err != nil || user == nil || !user.Active {
		// Gone or suspended; the pair drops out until a resume.
		return
	}

	changed, err := s.poller.PollPair(ctx, user, key.source)
	if err != nil {
		if model.IsAuth(err) {
			// PollPair already suspended the user.
			return
		}
		s.logger.Error("poll failed",
			"user", user.Username, "source", key.source, "error", err)
		s.reschedule(key, time.Now().Add(backPressureDelay))
		return
	}

	metric, err := s.poller.updateActivity(ctx, user, key.source, changed)
	if err != nil {
		s.logger.Error("failed to update activity metric",
			"user", user.Username, "source", key.source, "error", err)
		s.reschedule(key, time.Now().Add(time.Duration(DefaultIntervalMin)*time.Minute))
		return
	}

	interval := time.Duration(metric.NextIntervalMin) * time.Minute
	if s.watchCovers(ctx, user.ID, key.source) {
		// A live push channel keeps the pair fresh; polling is only the
		// safety net.
		if floor := time.Duration(watchIntervalMin) * time.Minute; interval < floor {
			interval = floor
		}
	}

	s.mu.Lock()
	if changed > 0 {
		s.lastChange[key] = time.Now()
	}
	last, tracked := s.lastChange[key]
	if !tracked {
		s.lastChange[key] = time.Now()
	} else if changed == 0 && time.Since(last) > dormantAfter {
		s.dormant[key] = true
		s.mu.Unlock()
		s.logger.Info("pair dormant after prolonged inactivity",
			"user", user.Username, "source", key.source)
		return
	}
	s.mu.Unlock()

	s.reschedule(key, time.Now().Add(interval))

	mc := metrics.GetMetricCreator()
	_ = mc.RecordCounter(ctx, "polls_total", 1, "1", "Completed polls",
		map[string]string{"source": string(key.source)})
	_ = mc.RecordHistogram(ctx, "poll_changes", float64(changed), "1",
		"Changes discovered per poll", map[string]string{"source": string(key.source)})
}

// Kick pulls the pair's next poll to now. Used by push notifications
// and the admin surface; it also revives dormant pairs.
func (s *Scheduler) Kick(userID uuid.UUID, source model.Source) {
	if !s.ownsUser(userID) {
		return
	}
	key := pairKey{userID: userID, source: source}
	s.mu.Lock()
	delete(s.dormant, key)
	s.lastChange[key] = time.Now()
	if !s.suspended[userID] {
		s.heap.schedule(key, time.Now(), true)
	}
	s.mu.Unlock()
	s.wakeUp()
}

// Suspend stops scheduling every source for the user.
func (s *Scheduler) Suspend(userID uuid.UUID) {
	s.mu.Lock()
	s.suspended[userID] = true
	for _, source := range model.Sources {
		s.heap.remove(pairKey{userID: userID, source: source})
	}
	s.mu.Unlock()
}

// Resume re-admits the user and schedules an immediate poll of all
// sources.
func (s *Scheduler) Resume(userID uuid.UUID) {
	s.mu.Lock()
	delete(s.suspended, userID)
	if !s.ownsUser(userID) {
		s.mu.Unlock()
		return
	}
	for _, source := range model.Sources {
		key := pairKey{userID: userID, source: source}
		delete(s.dormant, key)
		s.lastChange[key] = time.Now()
		s.heap.schedule(key, time.Now(), true)
	}
	s.mu.Unlock()
	s.wakeUp()
}

// PollNow runs one synchronous poll for the admin surface and feeds the
// result into the activity metric.
func (s *Scheduler) PollNow(ctx context.Context, userID uuid.UUID, source model.Source) (int, error) {
	user, err := s.userFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, model.Fatalf("unknown or inactive user %s", userID)
	}
	changed, err := s.poller.PollPair(ctx, user, source)
	if err != nil {
		return 0, err
	}
	if _, err := s.poller.updateActivity(ctx, user, source, changed); err != nil {
		s.logger.Error("failed to update activity metric after admin poll",
			"user", user.Username, "source", source, "error", err)
	}
	return changed, nil
}

func (s *Scheduler) reschedule(key pairKey, at time.Time) {
	s.mu.Lock()
	if !s.suspended[key.userID] && !s.dormant[key] {
		s.heap.schedule(key, at, true)
	}
	s.mu.Unlock()
	s.wakeUp()
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) userFor(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) watchCovers(ctx context.Context, userID uuid.UUID, source model.Source) bool {
	watches, err := s.store.ListActiveWatches(ctx, &userID)
	if err != nil {
		s.logger.Warn("failed to list watches", "user_id", userID, "error", err)
		return false
	}
	for _, w := range watches {
		if w.Source == source {
			return true
		}
	}
	return false
}
