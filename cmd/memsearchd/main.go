package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observatory/memsearch/internal/auth"
	"github.com/observatory/memsearch/internal/config"
	"github.com/observatory/memsearch/internal/consumer"
	"github.com/observatory/memsearch/internal/embedder"
	"github.com/observatory/memsearch/internal/indexer"
	"github.com/observatory/memsearch/internal/llm"
	"github.com/observatory/memsearch/internal/repository"
	"github.com/observatory/memsearch/internal/repository/postgres"
	"github.com/observatory/memsearch/internal/rerank"
	"github.com/observatory/memsearch/internal/search"
	"github.com/observatory/memsearch/internal/server"
	"github.com/observatory/memsearch/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting memsearch service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Tenant registry
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")
	tenantRepo := postgres.NewTenantRepo(db)

	// Vector store
	store, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer store.Close()
	slog.Info("connected to Qdrant")

	if err := ensureCollections(ctx, store, cfg); err != nil {
		return fmt.Errorf("failed to ensure collections: %w", err)
	}

	// Embedders
	embedders := embedder.NewFactory(embedder.FactoryConfig{
		Text: embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.TextEmbeddingModel,
			Dimension: cfg.TextEmbeddingDim,
		},
		Code: embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.CodeEmbeddingModel,
			Dimension: cfg.CodeEmbeddingDim,
		},
		SparseEnabled: cfg.SparseEnabled,
		SparseWorkers: cfg.SparseWorkers,
		MultiVector: embedder.HTTPMultiVectorConfig{
			BaseURL:   cfg.MultiVectorURL,
			Dimension: cfg.MultiVectorDim,
		},
		QueryCacheSize: cfg.QueryCacheSize,
	})
	if cfg.EmbedderPreload {
		if err := embedders.Preload(ctx); err != nil {
			return fmt.Errorf("failed to preload embedders: %w", err)
		}
		slog.Info("embedders preloaded")
	}

	// LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	// Reranker router
	router := rerank.NewRouter(rerank.RouterConfig{
		Fast:               rerank.CrossEncoderConfig{BaseURL: cfg.RerankerURL, Model: cfg.FastRerankModel},
		Accurate:           rerank.CrossEncoderConfig{BaseURL: cfg.RerankerURL, Model: cfg.AccurateRerankModel},
		Code:               rerank.CrossEncoderConfig{BaseURL: cfg.RerankerURL, Model: cfg.CodeRerankModel},
		LLM:                llmClient,
		LLMModel:           cfg.OllamaLLMModel,
		MaxRequestsPerHour: cfg.RateLimitRequestsPerHour,
		MaxBudgetCents:     cfg.RateLimitBudgetCents,
	}, embedders, slog.Default())

	// Core retriever
	defaultStrategy, err := search.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return fmt.Errorf("invalid default strategy: %w", err)
	}
	retriever := search.NewRetriever(store, embedders, router, search.RetrieverConfig{
		Collection:      cfg.MemoryCollection,
		DefaultStrategy: defaultStrategy,
		MinScoreDense:   cfg.MinScoreDense,
		MinScoreSparse:  cfg.MinScoreSparse,
		RerankTimeout:   cfg.RerankerTimeout,
	}, slog.Default())

	// Indexing pipeline
	turnIndexer := indexer.New(store, embedders, cfg.TurnCollection, slog.Default())
	queue := indexer.NewBatchQueue(cfg.BatchSize, cfg.MaxQueueSize, cfg.FlushInterval, func(docs []indexer.Document) {
		indexed := turnIndexer.IndexDocuments(context.Background(), docs)
		slog.Debug("flushed batch", "queued", len(docs), "indexed", indexed)
	}, slog.Default())

	var turnConsumer *consumer.Consumer
	if cfg.NATSConsumerEnabled {
		turnConsumer = consumer.New(consumer.Config{
			URL:               cfg.NATSURL,
			Subject:           cfg.TurnSubject,
			Group:             cfg.ConsumerGroup,
			ServiceID:         fmt.Sprintf("memsearchd-%d", os.Getpid()),
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, queue, slog.Default())
		if err := turnConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	} else {
		defer queue.Stop()
	}

	// HTTP surface
	authMW := auth.NewMiddleware(auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret)), tenantRepo)
	handlers := server.NewHandlers(retriever, store, store, embedders, router, llmClient, server.HandlersConfig{
		Collections: server.Collections{
			Memories: cfg.MemoryCollection,
			Turns:    cfg.TurnCollection,
			Sessions: cfg.SessionCollection,
		},
		TextDim:        cfg.TextEmbeddingDim,
		CodeDim:        cfg.CodeEmbeddingDim,
		MultiDim:       cfg.MultiVectorDim,
		ColbertEnabled: cfg.MultiVectorURL != "",
		MultiQuery: search.MultiQueryConfig{
			NumVariations:   cfg.NumVariations,
			IncludeOriginal: cfg.IncludeOriginal,
			RRFK:            cfg.RRFK,
			Model:           cfg.OllamaLLMModel,
		},
		Session: search.SessionConfig{
			TopSessions:           cfg.TopSessions,
			TurnsPerSession:       cfg.TurnsPerSession,
			FinalTopK:             cfg.SessionFinalTopK,
			SessionCollection:     cfg.SessionCollection,
			TurnCollection:        cfg.TurnCollection,
			SessionScoreThreshold: cfg.SessionScoreThreshold,
			ParallelTurnRetrieval: cfg.ParallelTurnRetrieval,
			RerankTimeout:         cfg.RerankerTimeout,
		},
	}, slog.Default())

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
	}, authMW, handlers)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if turnConsumer != nil {
		turnConsumer.Stop()
	}

	slog.Info("stopped")
	return nil
}

// ensureCollections creates the canonical collections on first boot.
func ensureCollections(ctx context.Context, store *vectorstore.QdrantStore, cfg *config.Config) error {
	schemas := map[string]vectorstore.CollectionSchema{
		cfg.MemoryCollection:  vectorstore.MemorySchema(cfg.TextEmbeddingDim, cfg.CodeEmbeddingDim),
		cfg.TurnCollection:    vectorstore.TurnSchema(cfg.TextEmbeddingDim, cfg.MultiVectorDim, cfg.MultiVectorURL != ""),
		cfg.SessionCollection: vectorstore.SessionSchema(cfg.TextEmbeddingDim),
	}
	for name, schema := range schemas {
		if err := store.EnsureCollection(ctx, name, schema); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
		slog.Info("collection ready", "collection", name)
	}
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository = (*postgres.TenantRepo)(nil)
	_ vectorstore.Store           = (*vectorstore.QdrantStore)(nil)
	_ embedder.Dense              = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                     = (*llm.OllamaClient)(nil)
)
