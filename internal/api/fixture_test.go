package api

import (
	"context"
	"strings"
	"testing"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const (
	chunkA = "Company A reported revenue of 5 million dollars in the last fiscal year."
	chunkB = "Company B reported revenue of 9 million dollars with a 20 percent margin."
)

// stubEmbedder maps corpus chunks to fixed axes. Queries mentioning
// "Company B" lean toward CompanyB; everything else leans toward CompanyA.
type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if strings.Contains(text, "Company B") {
		return []float32{0.2, 1}, nil
	}
	return []float32{1, 0.2}, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == chunkB {
			out[i] = []float32{0, 1}
		} else {
			out[i] = []float32{1, 0}
		}
	}
	return out, nil
}

type testEnv struct {
	orch     *qa.Orchestrator
	table    *access.Table
	index    *retrieval.Index
	store    *storage.Store
	embedder *stubEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	emb := &stubEmbedder{}
	ix := retrieval.NewIndex(emb)
	err := ix.Build(context.Background(), []retrieval.ChunkInput{
		{DocumentID: "CompanyA", Page: 1, Text: chunkA},
		{DocumentID: "CompanyB", Page: 2, Text: chunkB},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	table, err := access.New(map[string][]string{
		"alice@example.com": {"CompanyA", "CompanyB"},
		"bob@example.com":   {"CompanyA"},
		"empty@example.com": {},
	})
	if err != nil {
		t.Fatalf("access.New: %v", err)
	}

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := qa.New(qa.Deps{
		Access:   table,
		Embedder: emb,
		Index:    ix,
		Auditor:  store,
	})
	return &testEnv{orch: orch, table: table, index: ix, store: store, embedder: emb}
}
