// Package cache provides an in-process embedding cache for the answer
// pipeline. Query expansion re-embeds near-identical variants and job
// retries re-embed the same query, so the embedder is wrapped in a
// TTL-bounded decorator rather than hitting the model every time.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultEmbedderTTL bounds how long a cached query vector stays valid.
const DefaultEmbedderTTL = 15 * time.Minute

// Embedder is the minimal embedding surface the decorator wraps.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type cachedVector struct {
	vec       []float32
	expiresAt time.Time
}

// CachingEmbedder decorates an Embedder with a TTL map keyed by normalized
// query hash. Failures are never cached. Thread-safe; entries expire after
// the TTL and are swept by a background goroutine.
type CachingEmbedder struct {
	inner  Embedder
	ttl    time.Duration
	stopCh chan struct{}

	mu      sync.RWMutex
	entries map[string]cachedVector
	hits    int
	misses  int
}

// NewCachingEmbedder creates a CachingEmbedder and starts its sweeper.
// A non-positive ttl falls back to DefaultEmbedderTTL.
func NewCachingEmbedder(inner Embedder, ttl time.Duration) *CachingEmbedder {
	if ttl <= 0 {
		ttl = DefaultEmbedderTTL
	}
	e := &CachingEmbedder{
		inner:   inner,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		entries: make(map[string]cachedVector),
	}
	go e.sweep()
	return e
}

// Embed returns the cached vector when present and fresh, otherwise calls
// through and caches the result.
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := QueryHash(text)
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.entries[hash]
	e.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		e.mu.Lock()
		e.hits++
		e.mu.Unlock()
		return entry.vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.entries[hash] = cachedVector{vec: vec, expiresAt: now.Add(e.ttl)}
	e.misses++
	e.mu.Unlock()

	return vec, nil
}

// Len returns the number of cached vectors, counting expired entries not
// yet swept.
func (e *CachingEmbedder) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Stop halts the background sweeper.
func (e *CachingEmbedder) Stop() {
	close(e.stopCh)
}

// sweep drops expired vectors once per TTL period and reports the hit
// ratio accumulated since the last sweep.
func (e *CachingEmbedder) sweep() {
	ticker := time.NewTicker(e.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			e.mu.Lock()
			before := len(e.entries)
			for key, entry := range e.entries {
				if !now.Before(entry.expiresAt) {
					delete(e.entries, key)
				}
			}
			removed := before - len(e.entries)
			hits, misses := e.hits, e.misses
			e.hits, e.misses = 0, 0
			e.mu.Unlock()

			if hits+misses > 0 || removed > 0 {
				slog.Info("[EMBED-CACHE] sweep",
					"removed", removed,
					"remaining", before-removed,
					"hits", hits,
					"misses", misses,
				)
			}
		case <-e.stopCh:
			return
		}
	}
}

// QueryHash returns a deterministic cache key for a query string.
// Normalizes by lowercasing and trimming whitespace before hashing.
func QueryHash(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("emb:%x", h[:16])
}
