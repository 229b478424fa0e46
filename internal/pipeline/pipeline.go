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

// Package pipeline turns one queued change into a fully ingested item:
// fetch, persist, classify, chunk, embed, log. Ingest is idempotent per
// (source, source_id) and serialized per item by a keyed mutex.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-ai/tributary/internal/classifier"
	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/provider"
	"github.com/tributary-ai/tributary/internal/queue"
	"github.com/tributary-ai/tributary/internal/store"
	"github.com/tributary-ai/tributary/internal/vector"
	"github.com/tributary-ai/tributary/utils/metrics"
)

// ingestDeadline bounds one full ingest attempt.
const ingestDeadline = 60 * time.Second

// Store is the record-store surface the pipeline needs.
type Store interface {
	UpsertItem(ctx context.Context, item *model.Item) (*model.Item, error)
	GetItemBySource(ctx context.Context, source model.Source, sourceID string) (*model.Item, error)
	UpdateItemContent(ctx context.Context, item *model.Item) error
	SetItemStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error
	SetItemProject(ctx context.Context, id uuid.UUID, projectID *uuid.UUID, status model.ItemStatus) error
	SoftDeleteItem(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error
	ListActiveProjects(ctx context.Context, userID uuid.UUID) ([]*model.Project, error)
	InsertLog(ctx context.Context, entry *model.ProcessingLog) error
}

// Classifier decides project membership for an item.
type Classifier interface {
	Classify(ctx context.Context, item *model.Item, projects []*model.Project) (*classifier.Result, error)
}

// Chunker splits an item body into chunks.
type Chunker interface {
	Chunk(ctx context.Context, item *model.Item) ([]model.Chunk, error)
}

// Embedder embeds chunks and writes them to the vector index.
type Embedder interface {
	EmbedItem(ctx context.Context, item *model.Item, chunks []model.Chunk) error
}

// Enqueuer feeds follow-up tasks back into the ingest queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Pipeline executes ingest tasks. Safe for concurrent use; concurrent
// tasks for the same item serialize on the keyed mutex.
type Pipeline struct {
	store      Store
	index      vector.Index
	adapters   map[model.Source]provider.Adapter
	classifier Classifier
	chunker    Chunker
	embedder   Embedder
	enqueuer   Enqueuer
	locks      *keyedMutex
	logger     *slog.Logger
}

// New builds a Pipeline. enqueuer may be nil, disabling drive-link
// follow-ups.
func New(
	st Store,
	index vector.Index,
	adapters map[model.Source]provider.Adapter,
	cls Classifier,
	chk Chunker,
	emb Embedder,
	enqueuer Enqueuer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      st,
		index:      index,
		adapters:   adapters,
		classifier: cls,
		chunker:    chk,
		embedder:   emb,
		enqueuer:   enqueuer,
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

// Ingest processes one task to completion and appends a processing-log
// record regardless of outcome. A transient error leaves the item
// re-processable and is returned so the caller can leave the task
// unacked.
func (p *Pipeline) Ingest(ctx context.Context, task queue.Task) (model.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, ingestDeadline)
	defer cancel()

	unlock := p.locks.Lock(string(task.Source) + ":" + task.SourceID)
	defer unlock()

	start := time.Now()
	outcome, itemID, err := p.ingest(ctx, task)

	entry := &model.ProcessingLog{
		ItemID:     itemID,
		UserID:     task.UserID,
		Source:     task.Source,
		Outcome:    outcome,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.ErrorKind = string(model.KindOf(err))
		entry.Error = err.Error()
	}
	if logErr := p.store.InsertLog(context.WithoutCancel(ctx), entry); logErr != nil {
		p.logger.Error("failed to record processing log",
			"source", task.Source, "source_id", task.SourceID, "error", logErr)
	}

	mc := metrics.GetMetricCreator()
	_ = mc.RecordCounter(ctx, "ingest_total", 1, "1", "Ingest attempts by outcome",
		map[string]string{"source": string(task.Source), "outcome": string(outcome)})
	_ = mc.RecordHistogram(ctx, "ingest_duration_ms", float64(entry.DurationMS), "ms",
		"Ingest attempt duration", map[string]string{"source": string(task.Source)})
	return outcome, err
}

func (p *Pipeline) ingest(ctx context.Context, task queue.Task) (model.Outcome, uuid.UUID, error) {
	adapter, ok := p.adapters[task.Source]
	if !ok {
		return model.OutcomeFailed, uuid.Nil, model.Fatalf("no adapter for source %q", task.Source)
	}
	user, err := p.store.GetUser(ctx, task.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.OutcomeFailed, uuid.Nil, model.Fatalf("unknown user %s", task.UserID)
		}
		return model.OutcomeFailed, uuid.Nil, err
	}

	if task.Deleted {
		return p.delete(ctx, task)
	}

	raw, err := adapter.FetchItem(ctx, user, task.SourceID)
	if err != nil {
		return p.fetchFailure(ctx, task, user, err)
	}
	if raw.Deleted {
		return p.delete(ctx, task)
	}

	// Virtual-address mail belongs to the addressed user, not the
	// mailbox the forwarder delivered it to.
	if username := raw.Metadata[model.MetaVirtualUsername]; username != "" && username != user.Username {
		owner, err := p.store.GetUserByUsername(ctx, username)
		switch {
		case err == nil && owner.Active:
			user = owner
		case errors.Is(err, store.ErrNotFound):
			p.logger.Warn("virtual address for unknown user",
				"username", username, "source_id", task.SourceID)
		case err != nil:
			return model.OutcomeFailed, uuid.Nil, err
		}
	}

	item := &model.Item{
		Source:     raw.Source,
		SourceID:   raw.SourceID,
		UserID:     user.ID,
		Title:      raw.Title,
		Author:     raw.Author,
		ReceivedAt: raw.ReceivedAt,
		Body:       extractText(raw),
		Metadata:   raw.Metadata,
		Revision:   raw.Revision,
		Status:     model.ItemPending,
	}

	existing, err := p.store.UpsertItem(ctx, item)
	if err != nil {
		return model.OutcomeFailed, uuid.Nil, model.Tag(model.KindInvariant, err)
	}

	outcome := model.OutcomeCreated
	if existing != nil {
		if existing.Status == model.ItemEmbedded && existing.Revision == item.Revision {
			return model.OutcomeDuplicate, existing.ID, nil
		}
		item.ID = existing.ID
		item.ProjectID = existing.ProjectID
		if err := p.store.UpdateItemContent(ctx, item); err != nil {
			return model.OutcomeFailed, existing.ID, model.Tag(model.KindInvariant, err)
		}
		outcome = model.OutcomeUpdated
	}

	if err := p.process(ctx, user, item, task.ProjectHint); err != nil {
		return p.processFailure(ctx, item, outcome, err)
	}

	if p.enqueuer != nil && item.Source == model.SourceMail {
		p.enqueueLinkedDriveFiles(ctx, user, item, raw)
	}
	return outcome, item.ID, nil
}

// process runs classify, chunk, embed for an item already persisted as
// pending, finishing at status embedded. Items that end up without a
// project stop at unclassified and receive no vectors.
func (p *Pipeline) process(ctx context.Context, user *model.User, item *model.Item, hint *uuid.UUID) error {
	status := model.ItemUnclassified
	var projectID *uuid.UUID

	switch {
	case hint != nil:
		projectID = hint
		status = model.ItemClassified
	default:
		projects, err := p.store.ListActiveProjects(ctx, user.ID)
		if err != nil {
			return err
		}
		result, err := p.classifier.Classify(ctx, item, projects)
		if err != nil {
			// A degraded classifier never blocks ingestion. The item
			// lands unclassified and an operator can reclassify later.
			p.logger.Warn("classification degraded",
				"item_id", item.ID, "error", err)
		} else if result.ProjectID != nil {
			projectID = result.ProjectID
			status = model.ItemClassified
		}
	}
	if err := p.store.SetItemProject(ctx, item.ID, projectID, status); err != nil {
		return model.Tag(model.KindInvariant, err)
	}
	item.ProjectID = projectID
	item.Status = status

	if status == model.ItemUnclassified {
		// No project, no vectors. The item waits for a later
		// reclassification; embedding happens then.
		p.logger.Info("item left unclassified",
			"item_id", item.ID, "source", item.Source)
		return nil
	}

	chunks, err := p.chunker.Chunk(ctx, item)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	// Vectors first, then the status flip. A crash in between leaves a
	// re-runnable item whose re-embedding overwrites the same vector ids.
	if err := p.embedder.EmbedItem(ctx, item, chunks); err != nil {
		return err
	}
	if err := p.store.SetItemStatus(ctx, item.ID, model.ItemEmbedded); err != nil {
		return model.Tag(model.KindInvariant, err)
	}
	item.Status = model.ItemEmbedded
	return nil
}

// delete removes the item's vectors, then soft-deletes the row. Unknown
// items are a no-op duplicate.
func (p *Pipeline) delete(ctx context.Context, task queue.Task) (model.Outcome, uuid.UUID, error) {
	existing, err := p.store.GetItemBySource(ctx, task.Source, task.SourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.OutcomeDuplicate, uuid.Nil, nil
		}
		return model.OutcomeFailed, uuid.Nil, err
	}
	if existing.Status == model.ItemDeleted {
		return model.OutcomeDuplicate, existing.ID, nil
	}

	itemID := existing.ID
	if err := p.index.DeleteByFilter(ctx, vector.Filter{ItemID: &itemID}); err != nil {
		return model.OutcomeFailed, itemID, model.Tag(model.KindTransient, err)
	}
	if err := p.store.SoftDeleteItem(ctx, itemID); err != nil {
		return model.OutcomeFailed, itemID, model.Tag(model.KindInvariant, err)
	}
	return model.OutcomeDeleted, itemID, nil
}

// fetchFailure maps a fetch error onto item and user state.
func (p *Pipeline) fetchFailure(ctx context.Context, task queue.Task, user *model.User, err error) (model.Outcome, uuid.UUID, error) {
	switch model.KindOf(err) {
	case model.KindAuth:
		p.logger.Error("suspending user after auth failure",
			"user", user.Username, "source", task.Source, "error", err)
		if suspendErr := p.store.SetUserActive(ctx, user.ID, false); suspendErr != nil {
			p.logger.Error("failed to suspend user", "user", user.Username, "error", suspendErr)
		}
		return model.OutcomeFailed, uuid.Nil, err
	case model.KindFatal:
		// The source refuses this item permanently. If a row exists,
		// park it as failed.
		if existing, getErr := p.store.GetItemBySource(ctx, task.Source, task.SourceID); getErr == nil {
			_ = p.store.SetItemStatus(ctx, existing.ID, model.ItemFailed)
			return model.OutcomeFailed, existing.ID, err
		}
		return model.OutcomeFailed, uuid.Nil, err
	default:
		return model.OutcomeFailed, uuid.Nil, err
	}
}

// processFailure maps a post-fetch error: fatal parks the row as failed,
// transient leaves it pending for the next attempt.
func (p *Pipeline) processFailure(ctx context.Context, item *model.Item, _ model.Outcome, err error) (model.Outcome, uuid.UUID, error) {
	if model.IsFatal(err) || model.IsInvariant(err) {
		if setErr := p.store.SetItemStatus(ctx, item.ID, model.ItemFailed); setErr != nil {
			p.logger.Error("failed to park item as failed", "item_id", item.ID, "error", setErr)
		}
	}
	return model.OutcomeFailed, item.ID, err
}

// enqueueLinkedDriveFiles queues ingest tasks for Drive files linked in
// a mail body, carrying the mail's project as a classification hint.
func (p *Pipeline) enqueueLinkedDriveFiles(ctx context.Context, user *model.User, item *model.Item, raw *model.RawItem) {
	ids := extractDriveIDs(raw.TextPlain, raw.TextHTML)
	for _, id := range ids {
		task := queue.Task{
			UserID:      user.ID,
			Source:      model.SourceDrive,
			SourceID:    id,
			ProjectHint: item.ProjectID,
		}
		if err := p.enqueuer.Enqueue(ctx, task); err != nil {
			p.logger.Warn("failed to enqueue linked drive file",
				"file_id", id, "mail_item", item.ID, "error", err)
			continue
		}
		p.logger.Info("queued linked drive file",
			"file_id", id, "mail_item", item.ID, "user", user.Username)
	}
}
