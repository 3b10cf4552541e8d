package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int
	RedisURL         string

	// Broker (generation job queue)
	GCPProject          string
	GenerationTopic     string
	GenerationSub       string
	JobMaxAttempts      int
	WorkerHardLimitSecs int
	WorkerSoftLimitSecs int

	// LLM
	OllamaBaseURL     string
	DefaultProvider   string
	DefaultModel      string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AnthropicAPIKey   string
	AnthropicBaseURL  string
	VertexModel       string
	LLMTimeoutGPUSecs int
	LLMTimeoutCPUSecs int
	HasGPU            bool

	// Embeddings
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbedCacheTTLSecs   int

	// Pipeline defaults
	DefaultTopK          int
	DefaultContextTokens int
	DefaultLLMMaxTokens  int
	DefaultTemperature   float64
	QueryExpansionOn     bool
	MaxQueryVariants     int

	FrontendURL string
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, REDIS_URL) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("config.Load: REDIS_URL is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		RedisURL:         redisURL,

		GCPProject:          envStr("GOOGLE_CLOUD_PROJECT", ""),
		GenerationTopic:     envStr("GENERATION_TOPIC", "message-generation"),
		GenerationSub:       envStr("GENERATION_SUBSCRIPTION", "message-generation-worker"),
		JobMaxAttempts:      envInt("JOB_MAX_ATTEMPTS", 3),
		WorkerHardLimitSecs: envInt("WORKER_HARD_LIMIT_SECS", 600),
		WorkerSoftLimitSecs: envInt("WORKER_SOFT_LIMIT_SECS", 540),

		OllamaBaseURL:     envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		DefaultProvider:   envStr("DEFAULT_LLM_PROVIDER", "ollama"),
		DefaultModel:      envStr("DEFAULT_MODEL", "mistral"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:  envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		VertexModel:       envStr("VERTEX_AI_MODEL", "gemini-2.0-flash"),
		LLMTimeoutGPUSecs: envInt("LLM_TIMEOUT_GPU_SECS", 300),
		LLMTimeoutCPUSecs: envInt("LLM_TIMEOUT_CPU_SECS", 600),
		HasGPU:            envBool("HAS_GPU", false),

		EmbeddingModel:      envStr("EMBEDDING_MODEL", "all-minilm:22m"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 384),
		EmbedCacheTTLSecs:   envInt("EMBEDDING_CACHE_TTL", 900),

		DefaultTopK:          envInt("DEFAULT_TOP_K", 20),
		DefaultContextTokens: envInt("DEFAULT_CONTEXT_TOKENS", 4000),
		DefaultLLMMaxTokens:  envInt("DEFAULT_LLM_MAX_TOKENS", 1500),
		DefaultTemperature:   envFloat("DEFAULT_TEMPERATURE", 0.3),
		QueryExpansionOn:     envBool("QUERY_EXPANSION", true),
		MaxQueryVariants:     envInt("MAX_QUERY_VARIANTS", 4),

		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),
	}

	// The worker needs a project for the Pub/Sub broker in non-development
	// environments; development can run the synchronous endpoints without it.
	if cfg.Environment != "development" && cfg.GCPProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
