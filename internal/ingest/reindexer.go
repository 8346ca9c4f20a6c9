package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docqa/internal/retrieval"
)

// ChunkLoader produces index input from a corpus directory.
type ChunkLoader interface {
	LoadDir(dir string) ([]retrieval.ChunkInput, error)
}

// IndexBuilder swaps in a newly built index.
type IndexBuilder interface {
	Build(ctx context.Context, inputs []retrieval.ChunkInput) error
	Stats() retrieval.Stats
	Documents() []string
}

// GrantValidator checks access grants against the indexed documents.
type GrantValidator interface {
	Validate(known []string) error
}

// Reindexer rebuilds the index from the corpus directory, either on demand
// or in response to watcher events.
type Reindexer struct {
	dir      string
	loader   ChunkLoader
	index    IndexBuilder
	grants   GrantValidator // optional
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // serializes rebuilds
	trigger chan struct{}
}

// NewReindexer creates a Reindexer for dir.
// If debounce is <= 0, it defaults to 500ms.
func NewReindexer(dir string, loader ChunkLoader, index IndexBuilder, grants GrantValidator, debounce time.Duration) *Reindexer {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Reindexer{
		dir:      dir,
		loader:   loader,
		index:    index,
		grants:   grants,
		debounce: debounce,
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
	}
}

// RunOnce loads the corpus and rebuilds the index. A failed rebuild leaves
// the previous index serving. Grants naming documents missing from the new
// index are logged, not fatal.
func (r *Reindexer) RunOnce(ctx context.Context) (retrieval.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	inputs, err := r.loader.LoadDir(r.dir)
	if err != nil {
		return retrieval.Stats{}, fmt.Errorf("loading corpus: %w", err)
	}
	if err := r.index.Build(ctx, inputs); err != nil {
		return retrieval.Stats{}, fmt.Errorf("building index: %w", err)
	}

	stats := r.index.Stats()
	if r.grants != nil {
		if err := r.grants.Validate(r.index.Documents()); err != nil {
			r.logger.Warn("access grants reference unindexed documents", "error", err)
		}
	}
	r.logger.Info("corpus reindexed",
		"chunks", stats.Chunks,
		"documents", stats.Documents,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return stats, nil
}

// Trigger requests a rebuild from a running Run loop. It never blocks.
func (r *Reindexer) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run rebuilds after bursts of events settle for the debounce interval,
// and whenever Trigger is called, until ctx is cancelled. A nil or closed
// events channel leaves only Trigger driving rebuilds.
func (r *Reindexer) Run(ctx context.Context, events <-chan Event) {
	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.logger.Debug("corpus changed", "path", ev.Path, "op", ev.Op.String())
			timer.Reset(r.debounce)
		case <-r.trigger:
			r.rebuild(ctx)
		case <-timer.C:
			r.rebuild(ctx)
		}
	}
}

func (r *Reindexer) rebuild(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reindex failed", "error", err)
	}
}
