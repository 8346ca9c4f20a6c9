package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/kalambet/docqa/internal/access"
)

// ChunkInput is one unit of document text supplied by ingestion.
type ChunkInput struct {
	DocumentID string
	Page       int
	Text       string
}

// Chunk is an indexed unit of text with its embedding. Immutable once built.
type Chunk struct {
	ID         string
	DocumentID string
	Page       int
	Text       string
	Vector     []float32

	norm float64
}

// SearchResult is a chunk scored against a query.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Stats describes the currently published index.
type Stats struct {
	Chunks    int       `json:"chunks"`
	Documents int       `json:"documents"`
	Dimension int       `json:"dimension"`
	BuiltAt   time.Time `json:"built_at"`
}

type snapshot struct {
	chunks    []Chunk
	documents []string
	dim       int
	builtAt   time.Time
}

// Index holds every chunk vector in memory and answers similarity queries
// restricted to an allowed document set. Readers see a published snapshot and
// never take a lock; Build swaps in a new snapshot atomically.
type Index struct {
	embedder BatchEmbedder
	current  atomic.Pointer[snapshot]
	buildMu  sync.Mutex
	logger   *slog.Logger
}

// NewIndex creates an empty Index that embeds chunks with embedder.
func NewIndex(embedder BatchEmbedder) *Index {
	return &Index{embedder: embedder, logger: slog.Default()}
}

// Build embeds inputs and publishes them as the new index. On any error the
// previously published index stays in place.
func (ix *Index) Build(ctx context.Context, inputs []ChunkInput) error {
	if len(inputs) == 0 {
		return ErrEmptyCorpus
	}

	texts := make([]string, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.DocumentID) == "" {
			return fmt.Errorf("%w: chunk %d has no document id", ErrInvalidChunk, i)
		}
		if strings.TrimSpace(in.Text) == "" || !utf8.ValidString(in.Text) {
			return fmt.Errorf("%w: chunk %d of %s has empty or non-UTF-8 text", ErrInvalidChunk, i, in.DocumentID)
		}
		texts[i] = in.Text
	}

	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	start := time.Now()
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vectors) != len(inputs) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(inputs))
	}

	dim := len(vectors[0])
	if dim == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}

	snap := &snapshot{
		chunks:  make([]Chunk, len(inputs)),
		dim:     dim,
		builtAt: time.Now().UTC(),
	}
	ordinals := make(map[string]int)
	for i, in := range inputs {
		if len(vectors[i]) != dim {
			return fmt.Errorf("%w: chunk %d of %s has %d dimensions, want %d",
				ErrDimensionMismatch, i, in.DocumentID, len(vectors[i]), dim)
		}
		n := ordinals[in.DocumentID]
		if n == 0 {
			snap.documents = append(snap.documents, in.DocumentID)
		}
		ordinals[in.DocumentID] = n + 1

		snap.chunks[i] = Chunk{
			ID:         fmt.Sprintf("%s#%d", in.DocumentID, n),
			DocumentID: in.DocumentID,
			Page:       in.Page,
			Text:       in.Text,
			Vector:     vectors[i],
			norm:       norm(vectors[i]),
		}
	}
	sort.Strings(snap.documents)

	ix.current.Store(snap)
	ix.logger.Info("index built",
		"chunks", len(snap.chunks),
		"documents", len(snap.documents),
		"dimension", dim,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Search ranks the chunks of allowed documents by cosine similarity to
// vector and returns at most topK of them. Chunks outside allowed are removed
// before ranking, so another user's documents can neither appear in nor
// displace results. Ties keep corpus order.
func (ix *Index) Search(vector []float32, allowed access.DocumentSet, topK int) ([]SearchResult, error) {
	snap := ix.current.Load()
	if snap == nil {
		return nil, ErrIndexNotBuilt
	}
	if len(allowed) == 0 || topK <= 0 {
		return nil, nil
	}
	if len(vector) != snap.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(vector), snap.dim)
	}

	type candidate struct {
		chunk *Chunk
		score float64
	}

	qNorm := norm(vector)
	var candidates []candidate
	for i := range snap.chunks {
		c := &snap.chunks[i]
		if !allowed.Contains(c.DocumentID) {
			continue
		}
		candidates = append(candidates, candidate{chunk: c, score: cosine(vector, c.Vector, qNorm, c.norm)})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = SearchResult{
			ChunkID:    c.chunk.ID,
			DocumentID: c.chunk.DocumentID,
			Page:       c.chunk.Page,
			Text:       c.chunk.Text,
			Score:      c.score,
		}
	}
	return results, nil
}

// Documents returns the sorted ids of all indexed documents.
func (ix *Index) Documents() []string {
	snap := ix.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]string, len(snap.documents))
	copy(out, snap.documents)
	return out
}

// Stats reports the size of the published index. The zero value means the
// index has not been built.
func (ix *Index) Stats() Stats {
	snap := ix.current.Load()
	if snap == nil {
		return Stats{}
	}
	return Stats{
		Chunks:    len(snap.chunks),
		Documents: len(snap.documents),
		Dimension: snap.dim,
		BuiltAt:   snap.builtAt,
	}
}
