package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/docqa/internal/access"
)

// fakeEmbedder returns fixed vectors per text.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// unitAt returns a 2-d unit vector whose cosine with (1, 0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func buildIndex(t *testing.T, emb *fakeEmbedder, inputs []ChunkInput) *Index {
	t.Helper()
	ix := NewIndex(emb)
	if err := ix.Build(context.Background(), inputs); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ix
}

func TestBuild_EmptyCorpus(t *testing.T) {
	ix := NewIndex(&fakeEmbedder{})
	err := ix.Build(context.Background(), nil)
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Fatalf("err = %v, want ErrEmptyCorpus", err)
	}
}

func TestBuild_InvalidChunk(t *testing.T) {
	ix := NewIndex(&fakeEmbedder{})

	cases := []ChunkInput{
		{DocumentID: "", Text: "text"},
		{DocumentID: "doc", Text: "   "},
		{DocumentID: "doc", Text: string([]byte{0xff, 0xfe})},
	}
	for _, in := range cases {
		if err := ix.Build(context.Background(), []ChunkInput{in}); !errors.Is(err, ErrInvalidChunk) {
			t.Errorf("Build(%+v) err = %v, want ErrInvalidChunk", in, err)
		}
	}
}

func TestBuild_DimensionMismatch(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {1, 0, 0},
	}}
	ix := NewIndex(emb)
	err := ix.Build(context.Background(), []ChunkInput{
		{DocumentID: "doc", Text: "a"},
		{DocumentID: "doc", Text: "b"},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestBuild_EmbedFailsKeepsPreviousIndex(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "doc", Text: "a"}})

	emb.err = errors.New("connection refused")
	err := ix.Build(context.Background(), []ChunkInput{{DocumentID: "other", Text: "b"}})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}

	if got := ix.Documents(); len(got) != 1 || got[0] != "doc" {
		t.Errorf("Documents() = %v, want [doc]", got)
	}
}

func TestBuild_RebuildReplaces(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {0, 1},
	}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "docA", Text: "a"}})
	if err := ix.Build(context.Background(), []ChunkInput{{DocumentID: "docB", Text: "b"}}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet("docA", "docB"), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "docB" {
		t.Errorf("results = %+v, want only docB", results)
	}
}

func TestBuild_ChunkIDsPerDocument(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a1": {1, 0}, "a2": {1, 0}, "b1": {1, 0},
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "docA", Text: "a1"},
		{DocumentID: "docB", Text: "b1"},
		{DocumentID: "docA", Text: "a2"},
	})

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet("docA", "docB"), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"docA#0", "docB#0", "docA#1"}
	for i, w := range want {
		if results[i].ChunkID != w {
			t.Errorf("results[%d].ChunkID = %q, want %q", i, results[i].ChunkID, w)
		}
	}

	stats := ix.Stats()
	if stats.Chunks != 3 || stats.Documents != 2 || stats.Dimension != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSearch_RankingOrder(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"low":  unitAt(0.1),
		"high": unitAt(0.9),
		"mid":  unitAt(0.5),
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "doc", Text: "low"},
		{DocumentID: "doc", Text: "high"},
		{DocumentID: "doc", Text: "mid"},
	})

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet("doc"), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Text != "high" || results[1].Text != "mid" {
		t.Errorf("order = [%s %s], want [high mid]", results[0].Text, results[1].Text)
	}
	if math.Abs(results[0].Score-0.9) > 1e-5 || math.Abs(results[1].Score-0.5) > 1e-5 {
		t.Errorf("scores = [%f %f], want [0.9 0.5]", results[0].Score, results[1].Score)
	}
}

func TestSearch_FiltersBeforeTruncation(t *testing.T) {
	// docB holds the best matches; a docA-only user must still get docA's
	// chunks rather than a truncated-then-filtered empty list.
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"b1": unitAt(0.99), "b2": unitAt(0.98), "b3": unitAt(0.97),
		"a1": unitAt(0.2), "a2": unitAt(0.3),
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "docB", Text: "b1"},
		{DocumentID: "docB", Text: "b2"},
		{DocumentID: "docB", Text: "b3"},
		{DocumentID: "docA", Text: "a1"},
		{DocumentID: "docA", Text: "a2"},
	})

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet("docA"), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.DocumentID != "docA" {
			t.Errorf("result from %s leaked to docA-only user", r.DocumentID)
		}
	}
	if results[0].Text != "a2" {
		t.Errorf("first result = %s, want a2", results[0].Text)
	}
}

func TestSearch_EmptyAllowed(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "doc", Text: "a"}})

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet(), 3)
	if err != nil {
		t.Fatalf("empty allowed set must not error, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_AllowedDocumentNotIndexed(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "doc", Text: "a"}})

	results, err := ix.Search([]float32{1, 0}, access.NewDocumentSet("missing.pdf"), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_TiesKeepCorpusOrder(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"first": {1, 1}, "second": {2, 2}, "third": {3, 3},
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "doc", Text: "first"},
		{DocumentID: "doc", Text: "second"},
		{DocumentID: "doc", Text: "third"},
	})

	for i := 0; i < 20; i++ {
		results, err := ix.Search([]float32{1, 1}, access.NewDocumentSet("doc"), 3)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if results[0].Text != "first" || results[1].Text != "second" || results[2].Text != "third" {
			t.Fatalf("tie order = [%s %s %s]", results[0].Text, results[1].Text, results[2].Text)
		}
	}
}

func TestSearch_TiesAcrossMagnitudes(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 1}, "b": {2, 2}, "c": {3, 3}, "d": {0.1, 0.1}, "e": {0.7, 0.7},
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "doc", Text: "a"},
		{DocumentID: "doc", Text: "b"},
		{DocumentID: "doc", Text: "c"},
		{DocumentID: "doc", Text: "d"},
		{DocumentID: "doc", Text: "e"},
	})

	for _, query := range [][]float32{{1, 1}, {5, 5}, {0.3, 0.3}} {
		results, err := ix.Search(query, access.NewDocumentSet("doc"), 5)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		var got []string
		for _, r := range results {
			got = append(got, r.Text)
			if r.Score != results[0].Score {
				t.Errorf("query %v: score for %s = %.20f, want %.20f", query, r.Text, r.Score, results[0].Score)
			}
		}
		if strings.Join(got, ",") != "a,b,c,d,e" {
			t.Errorf("query %v: order = %v, want corpus order", query, got)
		}
	}
}

func TestSearch_EmptyAllowedIgnoresDimension(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "doc", Text: "a"}})

	results, err := ix.Search([]float32{1, 0, 0}, access.NewDocumentSet(), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_ZeroNormScoresZero(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"zero": {0, 0}, "one": {1, 0},
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "doc", Text: "zero"},
		{DocumentID: "doc", Text: "one"},
	})

	results, err := ix.Search([]float32{0, 0}, access.NewDocumentSet("doc"), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Score != 0 {
			t.Errorf("score for %s = %f, want 0", r.Text, r.Score)
		}
	}
}

func TestSearch_QueryDimensionMismatch(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}}}
	ix := buildIndex(t, emb, []ChunkInput{{DocumentID: "doc", Text: "a"}})

	_, err := ix.Search([]float32{1, 0, 0}, access.NewDocumentSet("doc"), 1)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearch_NotBuilt(t *testing.T) {
	ix := NewIndex(&fakeEmbedder{})
	_, err := ix.Search([]float32{1}, access.NewDocumentSet("doc"), 1)
	if !errors.Is(err, ErrIndexNotBuilt) {
		t.Fatalf("err = %v, want ErrIndexNotBuilt", err)
	}
}

func TestSearch_AccessInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	docs := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"}

	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	var inputs []ChunkInput
	for i := 0; i < 200; i++ {
		text := fmt.Sprintf("chunk-%d", i)
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		emb.vectors[text] = v
		inputs = append(inputs, ChunkInput{DocumentID: docs[rng.Intn(len(docs))], Text: text})
	}
	ix := buildIndex(t, emb, inputs)

	for trial := 0; trial < 100; trial++ {
		var grant []string
		for _, d := range docs {
			if rng.Intn(2) == 0 {
				grant = append(grant, d)
			}
		}
		allowed := access.NewDocumentSet(grant...)

		q := make([]float32, 8)
		for j := range q {
			q[j] = rng.Float32()*2 - 1
		}
		results, err := ix.Search(q, allowed, 1+rng.Intn(10))
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for i, r := range results {
			if !allowed.Contains(r.DocumentID) {
				t.Fatalf("trial %d: result %s not in allowed set %v", trial, r.DocumentID, grant)
			}
			if i > 0 && r.Score > results[i-1].Score {
				t.Fatalf("trial %d: scores not non-increasing at %d", trial, i)
			}
		}
	}
}

func TestSearch_ConcurrentWithRebuild(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0}, "b": {0, 1},
	}}
	ix := buildIndex(t, emb, []ChunkInput{
		{DocumentID: "docA", Text: "a"},
		{DocumentID: "docB", Text: "b"},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				results, err := ix.Search([]float32{1, 1}, access.NewDocumentSet("docA"), 5)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				for _, r := range results {
					if r.DocumentID != "docA" {
						t.Errorf("leaked %s", r.DocumentID)
						return
					}
				}
			}
		}()
	}
	for j := 0; j < 20; j++ {
		if err := ix.Build(context.Background(), []ChunkInput{
			{DocumentID: "docA", Text: "a"},
			{DocumentID: "docB", Text: "b"},
		}); err != nil {
			t.Fatalf("rebuild: %v", err)
		}
	}
	wg.Wait()
}
