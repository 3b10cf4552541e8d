package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docify-ai/docify-backend/internal/cache"
	"github.com/docify-ai/docify-backend/internal/config"
	"github.com/docify-ai/docify-backend/internal/fabric"
	"github.com/docify-ai/docify-backend/internal/handler"
	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/middleware"
	"github.com/docify-ai/docify-backend/internal/repository"
	"github.com/docify-ai/docify-backend/internal/router"
	"github.com/docify-ai/docify-backend/internal/service"
)

const Version = "2.0.0"

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	status, err := fabric.NewStatusStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer status.Close()
	if err := status.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var broker fabric.Broker
	if cfg.GCPProject != "" {
		psBroker, err := fabric.NewPubSubBroker(ctx, cfg.GCPProject, cfg.GenerationTopic, cfg.GenerationSub)
		if err != nil {
			return err
		}
		defer psBroker.Close()
		broker = psBroker
	} else {
		slog.Warn("no GOOGLE_CLOUD_PROJECT configured; async accept path disabled")
	}

	llmRouter, err := buildLLMRouter(ctx, cfg)
	if err != nil {
		return err
	}

	embedder := cache.NewCachingEmbedder(
		llmclient.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions),
		time.Duration(cfg.EmbedCacheTTLSecs)*time.Second,
	)
	defer embedder.Stop()

	chunkRepo := repository.NewChunkRepo(pool)
	resourceRepo := repository.NewResourceRepo(pool)
	messageRepo := repository.NewMessageRepo(pool)

	expansionClient, err := llmRouter.Client(llmclient.Provider(cfg.DefaultProvider))
	if err != nil {
		return err
	}
	var expander *service.QueryExpansionService
	if cfg.QueryExpansionOn {
		expander = service.NewQueryExpansionService(expansionClient, cfg.MaxQueryVariants)
	}

	searchSvc := service.NewSearchService(embedder, chunkRepo, expander)
	rerankSvc := service.NewRerankService(expansionClient)
	contextSvc := service.NewContextService(resourceRepo, chunkRepo)
	promptSvc := service.NewPromptService()
	verifySvc := service.NewVerifyService()
	generationSvc := service.NewGenerationService(searchSvc, rerankSvc, contextSvc, promptSvc, verifySvc, llmRouter, messageRepo)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	mux := router.New(&router.Dependencies{
		DB:          pool,
		FrontendURL: cfg.FrontendURL,
		Version:     Version,
		Metrics:     metrics,
		MetricsReg:  reg,
		MessageDeps: handler.MessageDeps{
			Store:     messageRepo,
			Broker:    broker,
			Status:    status,
			Generator: generationSvc,
			Regen:     generationSvc,
		},
		StreamDeps: handler.StreamDeps{
			Store:  messageRepo,
			Status: status,
		},
		Stats: generationSvc,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("docify-backend starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func buildLLMRouter(ctx context.Context, cfg *config.Config) (*llmclient.Router, error) {
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
	if vc, err := llmclient.NewVertexClient(ctx, cfg.GCPProject, cfg.VertexModel); err != nil {
		slog.Warn("vertex provider unavailable", "error", err)
	} else if vc != nil {
		clients[llmclient.ProviderVertex] = vc
	}

	return llmclient.NewRouter(llmclient.Provider(cfg.DefaultProvider), clients), nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
