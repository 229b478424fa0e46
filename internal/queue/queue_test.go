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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tributary-ai/tributary/internal/model"
)

func setup(t *testing.T) (*Queue, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, nil)
	c, err := NewConsumer(context.Background(), client, "worker-1", nil)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return q, c
}

func TestEnqueueReadAck(t *testing.T) {
	ctx := context.Background()
	q, c := setup(t)

	task := Task{
		UserID:   uuid.New(),
		Source:   model.SourceMail,
		SourceID: "msg-1",
	}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	messages, err := c.Read(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	got := messages[0].Task
	if got.UserID != task.UserID || got.Source != task.Source || got.SourceID != task.SourceID {
		t.Errorf("task round trip mismatch: %+v", got)
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not stamped")
	}

	if err := c.Ack(ctx, messages[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestReadEmptyReturnsNothing(t *testing.T) {
	ctx := context.Background()
	_, c := setup(t)

	messages, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("got %d messages from an empty stream", len(messages))
	}
}

func TestUnackedNotRedeliveredToSameConsumer(t *testing.T) {
	ctx := context.Background()
	q, c := setup(t)

	if err := q.Enqueue(ctx, Task{UserID: uuid.New(), Source: model.SourceDrive, SourceID: "f-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d messages, want 1", len(first))
	}

	// Not acked, but also not idle long enough to be claimed.
	second, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("unacked fresh entry redelivered: %+v", second)
	}
}

func TestProjectHintRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, c := setup(t)

	hint := uuid.New()
	task := Task{
		UserID:      uuid.New(),
		Source:      model.SourceDrive,
		SourceID:    "f-2",
		ProjectHint: &hint,
	}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	messages, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	got := messages[0].Task
	if got.ProjectHint == nil || *got.ProjectHint != hint {
		t.Errorf("project hint lost: %+v", got.ProjectHint)
	}
}

func TestMalformedEntryDroppedAndAcked(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := NewConsumer(ctx, client, "worker-1", nil)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: IngestStream,
		Values: map[string]any{"task": "not json"},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	messages, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("malformed entry surfaced: %+v", messages)
	}
	pending, err := client.XPending(ctx, IngestStream, ConsumerGroup).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("malformed entry left pending: %d", pending.Count)
	}
}
