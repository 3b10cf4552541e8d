package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// countingEmbedder implements Embedder.
type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text))}, nil
}

func TestCachingEmbedder_SkipsRepeatCalls(t *testing.T) {
	inner := &countingEmbedder{}
	emb := NewCachingEmbedder(inner, time.Minute)
	defer emb.Stop()

	for i := 0; i < 3; i++ {
		vec, err := emb.Embed(context.Background(), "same query")
		if err != nil {
			t.Fatalf("Embed() error: %v", err)
		}
		if len(vec) != 1 {
			t.Fatalf("vec = %v", vec)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner embedder called %d times, want 1", inner.calls)
	}
	if emb.Len() != 1 {
		t.Errorf("Len() = %d, want 1", emb.Len())
	}
}

func TestCachingEmbedder_NormalizedKeySharing(t *testing.T) {
	inner := &countingEmbedder{}
	emb := NewCachingEmbedder(inner, time.Minute)
	defer emb.Stop()

	emb.Embed(context.Background(), "What Is Quantum Computing?")
	emb.Embed(context.Background(), "  what is quantum computing?  ")

	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1 (variants share a normalized key)", inner.calls)
	}
}

func TestCachingEmbedder_Expiry(t *testing.T) {
	inner := &countingEmbedder{}
	emb := NewCachingEmbedder(inner, 10*time.Millisecond)
	defer emb.Stop()

	emb.Embed(context.Background(), "query")
	time.Sleep(20 * time.Millisecond)
	emb.Embed(context.Background(), "query")

	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2 (entry expired)", inner.calls)
	}
}

func TestCachingEmbedder_ErrorNotCached(t *testing.T) {
	inner := &countingEmbedder{err: fmt.Errorf("down")}
	emb := NewCachingEmbedder(inner, time.Minute)
	defer emb.Stop()

	if _, err := emb.Embed(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	if _, err := emb.Embed(context.Background(), "q"); err != nil {
		t.Fatalf("Embed() after recovery: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2 (failure not cached)", inner.calls)
	}
}

func TestQueryHash_Normalizes(t *testing.T) {
	a := QueryHash("  What Is Quantum Computing?  ")
	b := QueryHash("what is quantum computing?")
	if a != b {
		t.Errorf("normalized hashes differ: %s / %s", a, b)
	}
	if a == QueryHash("something else") {
		t.Error("distinct queries should hash differently")
	}
}
