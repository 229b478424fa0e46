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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/queue"
)

const (
	// maxPerUser bounds concurrent ingests for one user so a burst from
	// a single mailbox cannot starve everyone else.
	maxPerUser = 4
	// readBatch is how many tasks one read pulls.
	readBatch = 16
	// readBlock is the blocking read timeout.
	readBlock = 5 * time.Second
)

// Runner drains the ingest queue into the pipeline with a global worker
// bound and a per-user fairness bound.
type Runner struct {
	consumer *queue.Consumer
	pipeline *Pipeline
	workers  *semaphore.Weighted
	logger   *slog.Logger

	mu        sync.Mutex
	userSlots map[uuid.UUID]*semaphore.Weighted
}

// NewRunner builds a Runner with the given global worker count.
func NewRunner(consumer *queue.Consumer, p *Pipeline, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		consumer:  consumer,
		pipeline:  p,
		workers:   semaphore.NewWeighted(int64(workers)),
		logger:    logger,
		userSlots: make(map[uuid.UUID]*semaphore.Weighted),
	}
}

// Run consumes until the context is canceled, then waits for in-flight
// tasks to finish.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		messages, err := r.consumer.Read(ctx, readBatch, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			if err := r.workers.Acquire(ctx, 1); err != nil {
				return err
			}
			userSlot := r.slotFor(msg.Task.UserID)
			if err := userSlot.Acquire(ctx, 1); err != nil {
				r.workers.Release(1)
				return err
			}

			wg.Add(1)
			go func(msg queue.Message) {
				defer wg.Done()
				defer r.workers.Release(1)
				defer userSlot.Release(1)
				r.handle(ctx, msg)
			}(msg)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handle runs one ingest. Transient failures leave the entry unacked so
// the claim loop redelivers it; everything else acks.
func (r *Runner) handle(ctx context.Context, msg queue.Message) {
	outcome, err := r.pipeline.Ingest(ctx, msg.Task)
	if err != nil && model.IsTransient(err) {
		r.logger.Warn("ingest will be retried",
			"source", msg.Task.Source, "source_id", msg.Task.SourceID, "error", err)
		return
	}
	if err != nil {
		r.logger.Error("ingest failed terminally",
			"source", msg.Task.Source, "source_id", msg.Task.SourceID,
			"outcome", outcome, "error", err)
	}
	if ackErr := r.consumer.Ack(context.WithoutCancel(ctx), msg.ID); ackErr != nil {
		r.logger.Error("failed to ack queue entry", "id", msg.ID, "error", ackErr)
	}
}

func (r *Runner) slotFor(userID uuid.UUID) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.userSlots[userID]
	if !ok {
		slot = semaphore.NewWeighted(maxPerUser)
		r.userSlots[userID] = slot
	}
	return slot
}
