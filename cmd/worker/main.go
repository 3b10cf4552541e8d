package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/docify-ai/docify-backend/internal/cache"
	"github.com/docify-ai/docify-backend/internal/config"
	"github.com/docify-ai/docify-backend/internal/fabric"
	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/repository"
	"github.com/docify-ai/docify-backend/internal/service"
)

// The worker process runs the generation queue with concurrency 1: the LLM
// and embedder collaborators are memory-heavy, so scale with processes.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.GCPProject == "" {
		return fmt.Errorf("worker: GOOGLE_CLOUD_PROJECT is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()

	pool, err := repository.NewPool(initCtx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	status, err := fabric.NewStatusStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer status.Close()
	if err := status.Ping(initCtx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	broker, err := fabric.NewPubSubBroker(initCtx, cfg.GCPProject, cfg.GenerationTopic, cfg.GenerationSub)
	if err != nil {
		return err
	}
	defer broker.Close()

	llmTimeout := time.Duration(cfg.LLMTimeoutCPUSecs) * time.Second
	if cfg.HasGPU {
		llmTimeout = time.Duration(cfg.LLMTimeoutGPUSecs) * time.Second
	}

	clients := map[llmclient.Provider]llmclient.Generator{
		llmclient.ProviderOllama: llmclient.NewOllamaClient(cfg.OllamaBaseURL, cfg.DefaultModel, llmTimeout),
	}
	if c := llmclient.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, "gpt-4o-mini", llmTimeout); c != nil {
		clients[llmclient.ProviderOpenAI] = c
	}
	if c := llmclient.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, "claude-sonnet-4-5", llmTimeout); c != nil {
		clients[llmclient.ProviderAnthropic] = c
	}
	if vc, err := llmclient.NewVertexClient(initCtx, cfg.GCPProject, cfg.VertexModel); err != nil {
		slog.Warn("vertex provider unavailable", "error", err)
	} else if vc != nil {
		clients[llmclient.ProviderVertex] = vc
	}
	llmRouter := llmclient.NewRouter(llmclient.Provider(cfg.DefaultProvider), clients)

	embedder := cache.NewCachingEmbedder(
		llmclient.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions),
		time.Duration(cfg.EmbedCacheTTLSecs)*time.Second,
	)
	defer embedder.Stop()

	chunkRepo := repository.NewChunkRepo(pool)
	resourceRepo := repository.NewResourceRepo(pool)
	messageRepo := repository.NewMessageRepo(pool)

	defaultClient, err := llmRouter.Client(llmclient.Provider(cfg.DefaultProvider))
	if err != nil {
		return err
	}
	var expander *service.QueryExpansionService
	if cfg.QueryExpansionOn {
		expander = service.NewQueryExpansionService(defaultClient, cfg.MaxQueryVariants)
	}

	generationSvc := service.NewGenerationService(
		service.NewSearchService(embedder, chunkRepo, expander),
		service.NewRerankService(defaultClient),
		service.NewContextService(resourceRepo, chunkRepo),
		service.NewPromptService(),
		service.NewVerifyService(),
		llmRouter,
		messageRepo,
	)

	worker := fabric.NewWorker(
		generationSvc,
		messageRepo,
		status,
		cfg.JobMaxAttempts,
		time.Duration(cfg.WorkerHardLimitSecs)*time.Second,
		time.Duration(cfg.WorkerSoftLimitSecs)*time.Second,
	)

	slog.Info("generation worker starting",
		"topic", cfg.GenerationTopic,
		"subscription", cfg.GenerationSub,
		"max_attempts", cfg.JobMaxAttempts,
	)

	if err := broker.Receive(ctx, worker.Handle); err != nil {
		return err
	}

	slog.Info("worker stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
