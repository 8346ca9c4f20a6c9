package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations out of order: %v", versions)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_query_log.sql")
	if err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v; want 2, nil", v, err)
	}
	if _, err := parseMigrationVersion("query_log.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetEmbedding(ctx, "m", "k"); err != nil || ok {
		t.Fatalf("GetEmbedding on empty cache = ok %v, err %v", ok, err)
	}

	vec := []float32{0.25, -1.5, 3}
	if err := s.PutEmbedding(ctx, "m", "k", vec); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}
	got, ok, err := s.GetEmbedding(ctx, "m", "k")
	if err != nil || !ok {
		t.Fatalf("GetEmbedding = ok %v, err %v", ok, err)
	}
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], vec[i])
		}
	}

	if _, ok, _ := s.GetEmbedding(ctx, "other-model", "k"); ok {
		t.Error("entry leaked across models")
	}
}

func TestPutEmbedding_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutEmbedding(ctx, "m", "k", []float32{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEmbedding(ctx, "m", "k", []float32{3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.GetEmbedding(ctx, "m", "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 3 {
		t.Errorf("got %v, want [3 4 5]", got)
	}

	n, err := s.CountEmbeddings(ctx, "m")
	if err != nil || n != 1 {
		t.Errorf("CountEmbeddings = %d, %v; want 1", n, err)
	}
}

func TestPruneEmbeddings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PutEmbedding(ctx, "m", "a", []float32{1})
	s.PutEmbedding(ctx, "n", "b", []float32{1})

	removed, err := s.PruneEmbeddings(ctx, time.Now().Add(-time.Hour))
	if err != nil || removed != 0 {
		t.Errorf("prune with old cutoff removed %d, %v", removed, err)
	}
	removed, err = s.PruneEmbeddings(ctx, time.Now().Add(time.Hour))
	if err != nil || removed != 2 {
		t.Errorf("prune with future cutoff removed %d, %v; want 2", removed, err)
	}
	if n, _ := s.CountEmbeddings(ctx, ""); n != 0 {
		t.Errorf("CountEmbeddings after prune = %d", n)
	}
}

func TestDecodeFloat32s_Corrupt(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestQueryLog_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := QueryLog{
		ID:          "q-1",
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		UserID:      "alice@example.com",
		Query:       "revenue?",
		Stage:       "returned",
		Outcome:     OutcomeOK,
		ResultCount: 2,
		Documents:   []string{"CompanyA", "CompanyB"},
		ContextUsed: true,
		Duration:    42 * time.Millisecond,
	}
	if err := s.SaveQueryLog(ctx, in); err != nil {
		t.Fatalf("SaveQueryLog: %v", err)
	}

	got, err := s.GetQueryLog(ctx, "q-1")
	if err != nil {
		t.Fatalf("GetQueryLog: %v", err)
	}
	if got.UserID != in.UserID || got.Query != in.Query || got.Outcome != OutcomeOK {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
	if len(got.Documents) != 2 || got.Documents[1] != "CompanyB" {
		t.Errorf("Documents = %v", got.Documents)
	}
	if !got.ContextUsed {
		t.Error("ContextUsed = false, want true")
	}
	if got.Duration != 42*time.Millisecond {
		t.Errorf("Duration = %v", got.Duration)
	}
}

func TestQueryLog_SubSecondTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stamps := []time.Time{
		time.Date(2025, 1, 2, 3, 4, 5, 500_000_000, time.UTC),
		time.Date(2025, 1, 2, 3, 4, 5, 100_000_000, time.UTC),
		time.Date(2025, 1, 2, 3, 4, 5, 123_456_780, time.UTC),
		time.Date(2025, 1, 2, 3, 4, 5, 1, time.UTC),
	}
	for i, ts := range stamps {
		id := fmt.Sprintf("ts-%d", i)
		if err := s.SaveQueryLog(ctx, QueryLog{ID: id, CreatedAt: ts, UserID: "u", Query: "q", Stage: "returned", Outcome: OutcomeOK}); err != nil {
			t.Fatalf("SaveQueryLog(%s): %v", id, err)
		}
		got, err := s.GetQueryLog(ctx, id)
		if err != nil {
			t.Fatalf("GetQueryLog(%s): %v", id, err)
		}
		if !got.CreatedAt.Equal(ts) {
			t.Errorf("%s: CreatedAt = %v, want %v", id, got.CreatedAt, ts)
		}
	}

	logs, err := s.ListQueryLogs(ctx, QueryLogFilter{})
	if err != nil {
		t.Fatalf("ListQueryLogs: %v", err)
	}
	want := []string{"ts-0", "ts-2", "ts-1", "ts-3"}
	if got := ids(logs); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestQueryLog_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetQueryLog(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryLog_GeneratesID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveQueryLog(ctx, QueryLog{UserID: "u", Query: "q", Stage: "received", Outcome: OutcomeError, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	logs, err := s.ListQueryLogs(ctx, QueryLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].ID == "" {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].Documents == nil || len(logs[0].Documents) != 0 {
		t.Errorf("Documents = %#v, want empty slice", logs[0].Documents)
	}
}

func TestListQueryLogs_FilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	entries := []QueryLog{
		{ID: "1", CreatedAt: base, UserID: "alice", Query: "a1"},
		{ID: "2", CreatedAt: base.Add(time.Minute), UserID: "bob", Query: "b1"},
		{ID: "3", CreatedAt: base.Add(2 * time.Minute), UserID: "alice", Query: "a2"},
		{ID: "4", CreatedAt: base.Add(2*time.Minute + 500*time.Millisecond), UserID: "alice", Query: "a3"},
	}
	for _, e := range entries {
		e.Stage, e.Outcome = "returned", OutcomeOK
		if err := s.SaveQueryLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListQueryLogs(ctx, QueryLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].ID != "4" || all[3].ID != "1" {
		t.Errorf("order = %v", ids(all))
	}

	alice, _ := s.ListQueryLogs(ctx, QueryLogFilter{UserID: "alice", Limit: 2})
	if len(alice) != 2 || alice[0].ID != "4" || alice[1].ID != "3" {
		t.Errorf("alice = %v, want [4 3]", ids(alice))
	}

	recent, _ := s.ListQueryLogs(ctx, QueryLogFilter{Since: base.Add(90 * time.Second)})
	if len(recent) != 2 {
		t.Errorf("since filter = %v, want [4 3]", ids(recent))
	}
}

func ids(logs []QueryLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.ID
	}
	return out
}
