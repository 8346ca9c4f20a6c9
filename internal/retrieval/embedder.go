package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/docqa/internal/engine"
	"golang.org/x/sync/errgroup"
)

// TextEmbedder maps text to a vector. Implementations must be deterministic
// for a fixed model.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is a TextEmbedder that can also embed many texts at once.
type BatchEmbedder interface {
	TextEmbedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// batchSize is the number of texts sent per request to engines that
// support multi-input embedding.
const batchSize = 32

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine      engine.Engine
	model       string
	concurrency int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, concurrency: 4}
}

// WithConcurrency sets the number of in-flight embedding requests.
func (e *Embedder) WithConcurrency(n int) *Embedder {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := e.engine.(engine.BatchEngine); ok {
		return e.embedChunked(ctx, be, texts)
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedChunked splits texts into batchSize requests, run concurrently.
func (e *Embedder) embedChunked(ctx context.Context, be engine.BatchEngine, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			vecs, err := be.EmbedMany(gCtx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
