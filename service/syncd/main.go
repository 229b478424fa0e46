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

// syncd is the sync daemon: it polls mail, drive, and calendar for every
// active user, ingests changes through the classification and embedding
// pipeline, keeps push channels alive, and serves the search and admin
// HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tributary-ai/tributary/internal/chunker"
	"github.com/tributary-ai/tributary/internal/classifier"
	"github.com/tributary-ai/tributary/internal/embedder"
	"github.com/tributary-ai/tributary/internal/llm"
	"github.com/tributary-ai/tributary/internal/model"
	"github.com/tributary-ai/tributary/internal/pipeline"
	"github.com/tributary-ai/tributary/internal/provider"
	"github.com/tributary-ai/tributary/internal/push"
	"github.com/tributary-ai/tributary/internal/queue"
	"github.com/tributary-ai/tributary/internal/retrieval"
	"github.com/tributary-ai/tributary/internal/scheduler"
	"github.com/tributary-ai/tributary/internal/store"
	"github.com/tributary-ai/tributary/internal/vector"
	"github.com/tributary-ai/tributary/internal/watchman"
	"github.com/tributary-ai/tributary/service/syncd/server"
	"github.com/tributary-ai/tributary/utils"
	"github.com/tributary-ai/tributary/utils/logging"
	"github.com/tributary-ai/tributary/utils/metrics"
	"github.com/tributary-ai/tributary/utils/postgres"
	"github.com/tributary-ai/tributary/utils/redis"
)

const serviceName = "syncd"

func main() {
	listenAddr := flag.String("listen-addr",
		utils.GetEnv("TRIBUTARY_LISTEN_ADDR", ":8080"),
		"HTTP listen address")
	callbackURL := flag.String("callback-url",
		utils.GetEnv("TRIBUTARY_CALLBACK_URL", ""),
		"Externally reachable base URL for push callbacks (empty disables watches)")
	mailDomain := flag.String("mail-domain",
		utils.GetEnv("TRIBUTARY_MAIL_DOMAIN", "example.com"),
		"Domain for ai+<username> virtual addresses")
	pubsubTopic := flag.String("pubsub-topic",
		utils.GetEnv("TRIBUTARY_PUBSUB_TOPIC", ""),
		"Pub/Sub topic receiving mail notifications")
	pushAudience := flag.String("push-audience",
		utils.GetEnv("TRIBUTARY_PUSH_AUDIENCE", ""),
		"Expected audience of push callback tokens (empty disables verification)")
	credentialsFile := flag.String("credentials-file",
		utils.GetEnv("TRIBUTARY_CREDENTIALS_FILE", "/etc/tributary/credentials.yaml"),
		"YAML file with the OAuth client and per-user refresh tokens")
	pipelineWorkers := flag.Int("pipeline-workers",
		utils.GetEnvInt("TRIBUTARY_PIPELINE_WORKERS", 16),
		"Concurrent pipeline executions")
	pollWorkers := flag.Int("poll-workers",
		utils.GetEnvInt("TRIBUTARY_POLL_WORKERS", 8),
		"Concurrent polls")
	queueHighWater := flag.Int("queue-high-water",
		utils.GetEnvInt("TRIBUTARY_QUEUE_HIGH_WATER", 10000),
		"Ingest queue depth above which pushes are throttled and polls deferred")
	schedulerShards := flag.Int("scheduler-shards",
		utils.GetEnvInt("TRIBUTARY_SCHEDULER_SHARDS", 1),
		"Total scheduler shards across all instances")
	schedulerShardIndex := flag.Int("scheduler-shard-index",
		utils.GetEnvInt("TRIBUTARY_SCHEDULER_SHARD_INDEX", 0),
		"This instance's shard index")
	consumerName := flag.String("consumer-name",
		utils.GetEnv("TRIBUTARY_CONSUMER_NAME", ""),
		"Queue consumer name (defaults to the hostname)")
	hierarchical := flag.Bool("hierarchical-chunks",
		utils.GetEnvBool("TRIBUTARY_HIERARCHICAL_CHUNKS", false),
		"Chunk at multiple window sizes instead of single-tier")

	loggingFlags := logging.RegisterFlags()
	metricsFlags := metrics.RegisterMetricsFlags("tributary-" + serviceName)
	postgresFlags := postgres.RegisterFlags()
	redisFlags := redis.RegisterRedisFlags()
	llmFlags := llm.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := logging.InitLogger(serviceName, loggingFlags.ToConfig())

	metricsConfig := metricsFlags.ToMetricsConfig()
	if metricsConfig.Enabled {
		if err := metrics.InitMetricCreator(metricsConfig); err != nil {
			logger.Error("failed to initialize metrics, continuing without",
				slog.String("error", err.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgClient, err := postgres.NewClient(ctx, postgresFlags.ToConfig(), logger)
	if err != nil {
		logger.Error("failed to connect to postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pgClient.Close()

	redisClient, err := redis.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		logger.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(pgClient.Pool(), logger)
	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", slog.String("error", err.Error()))
		os.Exit(1)
	}
	index := vector.NewPGIndex(pgClient.Pool(), logger)

	llmClient, err := llm.NewClient(llmFlags.ToConfig())
	if err != nil {
		logger.Error("failed to build model client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	creds, err := loadCredentials(*credentialsFile)
	if err != nil {
		logger.Error("failed to load provider credentials", slog.String("error", err.Error()))
		os.Exit(1)
	}
	matcher, err := provider.NewVirtualAddressMatcher(*mailDomain)
	if err != nil {
		logger.Error("invalid mail domain", slog.String("error", err.Error()))
		os.Exit(1)
	}
	adapters := map[model.Source]provider.Adapter{
		model.SourceMail:     provider.NewMailAdapter(creds, matcher, *pubsubTopic, logger),
		model.SourceDrive:    provider.NewDriveAdapter(creds, logger),
		model.SourceCalendar: provider.NewCalendarAdapter(creds, logger),
	}

	ingestQueue := queue.New(redisClient.Client(), logger)
	name := *consumerName
	if name == "" {
		name, _ = os.Hostname()
	}
	consumer, err := queue.NewConsumer(ctx, redisClient.Client(), name, logger)
	if err != nil {
		logger.Error("failed to create queue consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tokens := chunkTokenCounter(logger)
	chk := chunker.New(llmClient, llmClient, tokens, chunker.DefaultConfig(), logger)
	var pipeChunker pipeline.Chunker = chk
	if *hierarchical {
		pipeChunker = hierarchicalChunker{chk}
	}
	cls := classifier.New(llmClient, logger)
	emb := embedder.New(llmClient, index, logger)
	pipe := pipeline.New(st, index, adapters, cls, pipeChunker, emb, ingestQueue, logger)
	runner := pipeline.NewRunner(consumer, pipe, *pipelineWorkers, logger)

	poller := scheduler.NewPoller(st, adapters, ingestQueue, logger)
	sched := scheduler.New(st, poller, ingestQueue, *pollWorkers, int64(*queueHighWater), logger)
	sched.ConfigureSharding(*schedulerShards, *schedulerShardIndex)

	var manager *watchman.Manager
	if *callbackURL != "" {
		manager = watchman.New(st, adapters, *callbackURL, logger)
	} else {
		logger.Warn("no callback URL configured, running poll-only without watches")
	}

	var verifier server.Verifier
	if *pushAudience != "" {
		verifier = push.NewVerifier(*pushAudience)
	} else {
		logger.Warn("push verification disabled, callbacks are unauthenticated")
	}
	pushHandler := push.NewHandler(st, sched, ingestQueue, int64(*queueHighWater), logger)
	searcher := retrieval.NewSearcher(index, llmClient, logger)

	var renewer server.WatchRenewer
	if manager != nil {
		renewer = manager
	}
	srv := server.New(st, sched, renewer, searcher, pushHandler, verifier, redisClient, logger)
	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("pipeline runner stopped", slog.String("error", err.Error()))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", slog.String("error", err.Error()))
		}
	}()
	if manager != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("watch manager stopped", slog.String("error", err.Error()))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("address", *listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("http server error", slog.String("error", err.Error()))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	// In-flight polls and pipeline executions run to their deadlines.
	wg.Wait()

	if mc := metrics.GetMetricCreator(); mc != nil {
		if err := mc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", slog.String("error", err.Error()))
		}
	}
	logger.Info("syncd stopped")
}

// chunkTokenCounter prefers the real tokenizer and falls back to the
// heuristic when the encoding cannot be loaded (e.g. no cache and no
// network at startup).
func chunkTokenCounter(logger *slog.Logger) chunker.TokenCounter {
	tk, err := chunker.NewTiktokenCounter()
	if err != nil {
		logger.Warn("tokenizer unavailable, using heuristic token counts",
			slog.String("error", err.Error()))
		return chunker.HeuristicCounter{}
	}
	return tk
}

// hierarchicalChunker adapts the multi-tier chunking mode to the
// pipeline's single Chunk call.
type hierarchicalChunker struct {
	c *chunker.Chunker
}

func (h hierarchicalChunker) Chunk(ctx context.Context, item *model.Item) ([]model.Chunk, error) {
	return h.c.ChunkHierarchical(ctx, item)
}
