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

// Package queue is the durable ingest queue between change detection
// (pollers, push callbacks) and the item pipeline, backed by a Redis
// stream with a consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tributary-ai/tributary/internal/model"
)

const (
	// IngestStream is the stream key. The hash tag keeps all queue keys
	// on one cluster slot.
	IngestStream = "{tributary}:{queue}:ingest"
	// ConsumerGroup is the pipeline's consumer group name.
	ConsumerGroup = "pipeline"

	// maxLen caps the stream, trimming oldest entries approximately.
	maxLen = 100000
	// claimMinIdle is how long a pending entry may sit unacked before
	// another consumer may claim it.
	claimMinIdle = 5 * time.Minute
)

// Task is one unit of ingest work: fetch and process a single changed
// item for a user.
type Task struct {
	UserID      uuid.UUID    `json:"user_id"`
	Source      model.Source `json:"source"`
	SourceID    string       `json:"source_id"`
	Deleted     bool         `json:"deleted,omitempty"`
	ProjectHint *uuid.UUID   `json:"project_hint,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

// Queue wraps the Redis stream operations.
type Queue struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New builds a Queue over an existing Redis client.
func New(client redis.UniversalClient, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue appends one task to the stream.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal ingest task: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: IngestStream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"task": payload},
	}).Err()
	if err != nil {
		return model.Tag(model.KindTransient, fmt.Errorf("failed to enqueue ingest task: %w", err))
	}
	return nil
}

// Depth returns the stream length, the scheduler's back-pressure signal.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, IngestStream).Result()
	if err != nil {
		return 0, model.Tag(model.KindTransient, fmt.Errorf("failed to read queue depth: %w", err))
	}
	return depth, nil
}

// Message is a dequeued task with the stream id needed to ack it.
type Message struct {
	ID   string
	Task Task
}

// Consumer reads tasks from the stream on behalf of one named consumer
// in the pipeline group.
type Consumer struct {
	client   redis.UniversalClient
	name     string
	logger   *slog.Logger
	claimCur string
}

// NewConsumer creates the consumer group if needed and returns a reader.
func NewConsumer(ctx context.Context, client redis.UniversalClient, name string, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := client.XGroupCreateMkStream(ctx, IngestStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &Consumer{client: client, name: name, logger: logger, claimCur: "0-0"}, nil
}

// Read blocks up to block for the next batch of tasks. Before reading
// new entries it claims anything another consumer left pending past the
// idle threshold, so crashed workers' tasks are not lost.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	if claimed, err := c.claimStale(ctx, count); err != nil {
		c.logger.Warn("failed to claim stale queue entries", "error", err)
	} else if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.name,
		Streams:  []string{IngestStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, model.Tag(model.KindTransient, fmt.Errorf("failed to read from ingest queue: %w", err))
	}

	var messages []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := decode(entry)
			if err != nil {
				c.logger.Error("dropping malformed queue entry", "id", entry.ID, "error", err)
				_ = c.Ack(ctx, entry.ID)
				continue
			}
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (c *Consumer) claimStale(ctx context.Context, count int64) ([]Message, error) {
	entries, cursor, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   IngestStream,
		Group:    ConsumerGroup,
		Consumer: c.name,
		MinIdle:  claimMinIdle,
		Start:    c.claimCur,
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	c.claimCur = cursor

	var messages []Message
	for _, entry := range entries {
		msg, err := decode(entry)
		if err != nil {
			c.logger.Error("dropping malformed claimed entry", "id", entry.ID, "error", err)
			_ = c.Ack(ctx, entry.ID)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Ack marks a stream entry as processed.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, IngestStream, ConsumerGroup, id).Err(); err != nil {
		return model.Tag(model.KindTransient, fmt.Errorf("failed to ack queue entry %s: %w", id, err))
	}
	return nil
}

func decode(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values["task"].(string)
	if !ok {
		return Message{}, fmt.Errorf("queue entry %s has no task field", entry.ID)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Message{}, fmt.Errorf("failed to decode queue entry %s: %w", entry.ID, err)
	}
	return Message{ID: entry.ID, Task: task}, nil
}
