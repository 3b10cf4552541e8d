// Package llmclient provides HTTP clients for text generation and query
// embedding. Providers are concrete types behind a small capability
// interface; the orchestrator selects one by enum — no reflection.
package llmclient

import (
	"context"
	"fmt"
)

// Provider identifies a concrete generation backend.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderVertex    Provider = "vertex"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderVertex:
		return true
	}
	return false
}

// GenerateOptions configures a single generation call.
type GenerateOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Generator produces text from a prompt. All providers implement it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	ModelName() string
}

// Embedder produces a fixed-dimension vector for a text, or nil on failure
// semantics handled by the caller (the semantic branch degrades quietly).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Router dispatches generation calls to a provider-keyed client set.
// Constructed once per process and never mutated after init.
type Router struct {
	clients         map[Provider]Generator
	defaultProvider Provider
}

// NewRouter creates a Router. Nil clients are skipped so deployments can
// run with a subset of providers configured.
func NewRouter(defaultProvider Provider, clients map[Provider]Generator) *Router {
	set := make(map[Provider]Generator, len(clients))
	for p, c := range clients {
		if c != nil {
			set[p] = c
		}
	}
	return &Router{clients: set, defaultProvider: defaultProvider}
}

// Client returns the Generator for the provider, falling back to the
// default provider when the name is empty.
func (r *Router) Client(p Provider) (Generator, error) {
	if p == "" {
		p = r.defaultProvider
	}
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("llmclient.Client: provider %q is not configured", p)
	}
	return c, nil
}

// Default returns the default provider name.
func (r *Router) Default() Provider {
	return r.defaultProvider
}
