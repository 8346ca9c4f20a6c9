package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// EmbeddingCache stores vectors keyed by model and content hash.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, model, key string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, model, key string, vec []float32) error
}

// CachedEmbedder serves repeat texts from an EmbeddingCache and forwards
// misses to the wrapped embedder. Cache failures are logged and treated as
// misses; they never fail an embedding call.
type CachedEmbedder struct {
	next   BatchEmbedder
	cache  EmbeddingCache
	model  string
	logger *slog.Logger
}

// NewCachedEmbedder wraps next. model scopes cache entries so that switching
// models never serves stale vectors.
func NewCachedEmbedder(next BatchEmbedder, cache EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, logger: slog.Default()}
}

// ContentKey returns the cache key for text.
func ContentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector for text or embeds and caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentKey(text)
	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vec)
	return vec, nil
}

// EmbedBatch embeds only the texts missing from the cache, in one batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		keys[i] = ContentKey(text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		vecs, err := c.next.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(missTexts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
		}
		for j, i := range missIdx {
			results[i] = vecs[j]
			c.store(ctx, keys[i], vecs[j])
		}
	}

	c.logger.Debug("batch embedded", "total", len(texts), "cache_hits", len(texts)-len(missTexts))
	return results, nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	vec, ok, err := c.cache.GetEmbedding(ctx, c.model, key)
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
		return nil, false
	}
	return vec, ok
}

func (c *CachedEmbedder) store(ctx context.Context, key string, vec []float32) {
	if err := c.cache.PutEmbedding(ctx, c.model, key, vec); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}
