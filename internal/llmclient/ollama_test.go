package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaGenerate_CollectsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request should stream")
		}
		if req.Options["num_predict"] != float64(100) {
			t.Errorf("num_predict = %v, want 100", req.Options["num_predict"])
		}

		enc := json.NewEncoder(w)
		enc.Encode(ollamaGenerateResponse{Response: "Hello "})
		enc.Encode(ollamaGenerateResponse{Response: "world."})
		enc.Encode(ollamaGenerateResponse{Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "mistral", 5*time.Second)
	got, err := client.Generate(context.Background(), "say hello", GenerateOptions{MaxTokens: 100, Temperature: 0.3})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if got != "Hello world." {
		t.Errorf("got %q, want %q", got, "Hello world.")
	}
}

func TestOllamaGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "mistral", 5*time.Second)
	if _, err := client.Generate(context.Background(), "hi", GenerateOptions{}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestOllamaEmbedder_DimensionCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float64, 384)
		vec[0] = 0.5
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: vec})
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(srv.URL, "all-minilm:22m", 384)
	vec, err := emb.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if vec[0] != 0.5 {
		t.Errorf("vec[0] = %v, want 0.5", vec[0])
	}
}

func TestOllamaEmbedder_WrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: make([]float64, 768)})
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(srv.URL, "all-minilm:22m", 384)
	if _, err := emb.Embed(context.Background(), "some text"); err == nil {
		t.Fatal("expected error for wrong dimensionality")
	}
}

func TestRouter_Dispatch(t *testing.T) {
	ollama := NewOllamaClient("http://localhost:11434", "mistral", time.Second)
	router := NewRouter(ProviderOllama, map[Provider]Generator{
		ProviderOllama: ollama,
	})

	c, err := router.Client("")
	if err != nil {
		t.Fatalf("default dispatch error: %v", err)
	}
	if c != Generator(ollama) {
		t.Error("empty provider should resolve to the default client")
	}

	if _, err := router.Client(ProviderOpenAI); err == nil {
		t.Fatal("unconfigured provider should error")
	}
}

func TestProviderValid(t *testing.T) {
	for _, p := range []Provider{ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderVertex} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Provider("gpt9").Valid() {
		t.Error("unknown provider should be invalid")
	}
}
