package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"personamem/internal/api"
	"personamem/internal/app/chat"
	"personamem/internal/db/postgres"
	redisdb "personamem/internal/db/redis"
	"personamem/internal/domain/memory"
	"personamem/internal/domain/rag"
	"personamem/internal/platform/config"
	applog "personamem/internal/platform/log"
	"personamem/internal/platform/retry"
	"personamem/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	ctx := context.Background()

	db, err := postgres.Open(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		applog.Error("❌ Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := postgres.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		applog.Error("❌ Failed to ensure schema", "error", err)
		os.Exit(1)
	}

	rdb, err := redisdb.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		applog.Error("❌ Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	cache := redisdb.NewCache(rdb)
	lock := redisdb.NewSummaryLock(rdb, time.Duration(cfg.Memory.LockTTLSeconds)*time.Second)

	completer := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	})

	promptProvider := memory.NewPersonaPromptProvider(cache, store)
	summaryProvider := memory.NewCachedSummaryProvider(cache, store)

	ws := memory.NewWorkingSetStore(memory.WorkingSetConfig{
		Cache:     cache,
		Store:     store,
		Summaries: store,
		Prompt:    promptProvider,
		Summary:   summaryProvider,
		TTL:       time.Duration(cfg.Memory.WorkingSetTTLSeconds) * time.Second,
	})

	counter, err := memory.NewTiktokenCounter(cfg.Summary.Model)
	if err != nil {
		applog.Error("❌ Failed to init token counter", "error", err)
		os.Exit(1)
	}

	generator := memory.NewLLMSummaryGenerator(completer, memory.LLMSummaryConfig{
		Model:       cfg.Summary.Model,
		Temperature: cfg.Summary.Temperature,
		MaxTokens:   cfg.Summary.MaxTokens,
	})

	coordinator, err := memory.NewCoordinator(ws, store, summaryProvider, generator, lock, counter,
		memory.CoordinatorConfig{
			TurnThreshold:  cfg.Memory.TurnThreshold,
			RemainingSize:  cfg.Memory.RemainingSize,
			TokenThreshold: cfg.Memory.TokenThreshold,
			Retry:          retry.DefaultPolicy(),
		})
	if err != nil {
		applog.Error("❌ Failed to init coordinator", "error", err)
		os.Exit(1)
	}

	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.RAG.EmbeddingModel,
		Dims:    cfg.RAG.EmbeddingDims,
	})
	indexCache := rag.NewIndexCache(rag.IndexCacheConfig{
		Cache: cache,
		TTL:   time.Duration(cfg.RAG.IndexCacheTTLHours) * time.Hour,
	})
	indexer := rag.NewIndexer(rag.IndexerConfig{
		Store:      store,
		Embedder:   embedder,
		Chunker:    rag.NewTurnChunker(cfg.RAG.TurnsPerChunk, cfg.RAG.OverlapTurns),
		IndexCache: indexCache,
	})
	retriever := rag.NewRetriever(rag.RetrieverConfig{
		Store:      store,
		Embedder:   embedder,
		IndexCache: indexCache,
		TopK:       cfg.RAG.TopK,
		Threshold:  cfg.RAG.SimilarityThreshold,
	})

	tasks := chat.NewTaskRunner(chat.TaskRunnerConfig{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
	})
	defer tasks.Shutdown()

	svc := chat.NewService(chat.ServiceConfig{
		Store:       store,
		WorkingSet:  ws,
		Coordinator: coordinator,
		Indexer:     indexer,
		Retriever:   retriever,
		Tasks:       tasks,
	})

	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}, svc)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			applog.Error("❌ Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	applog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		applog.Warn("⚠️ Graceful shutdown failed", "error", err)
	}
}
