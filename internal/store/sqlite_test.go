package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcliao/memcp/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestSQLiteStoreCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	s, err := NewSQLiteStore(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected parent dir to exist: %v", err)
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	_, rec, err := s.Put(ctx, PutParams{ProjectKey: "demo", Record: model.MemoryRecord{Kind: model.KindFact, Content: "persisted"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Content != "persisted" {
		t.Errorf("expected 'persisted', got %q", got.Content)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Put(ctx, PutParams{ProjectKey: "demo", Record: model.MemoryRecord{Kind: model.KindFact, Content: "a"}})
	_, rec, _ := s.Put(ctx, PutParams{ProjectKey: "demo", Record: model.MemoryRecord{Kind: model.KindRule, Content: "b"}})
	s.Put(ctx, PutParams{ProjectKey: "other", Record: model.MemoryRecord{Kind: model.KindFact, Content: "c"}})
	s.SetEmbedding(ctx, rec.ID, []float32{1, 0})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Driver != "sqlite" || st.DBPath == "" {
		t.Errorf("unexpected header: %+v", st)
	}
	if st.Projects != 2 || st.TotalRecords != 3 || st.ActiveRecords != 3 || st.EmbeddedCount != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if len(st.ProjectDetails) != 2 {
		t.Fatalf("expected 2 project details, got %d", len(st.ProjectDetails))
	}
	demo := st.ProjectDetails[0]
	if demo.Key != "demo" || demo.Records != 2 || demo.Embedded != 1 || demo.ByKind["rule"] != 1 {
		t.Errorf("unexpected demo stats: %+v", demo)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Put(ctx, PutParams{ProjectKey: "demo", Record: model.MemoryRecord{Kind: model.KindFact, Content: "first"}})
	s.Put(ctx, PutParams{ProjectKey: "demo", Record: model.MemoryRecord{Kind: model.KindFact, Content: "second"}})
	s.Put(ctx, PutParams{ProjectKey: "other", Record: model.MemoryRecord{Kind: model.KindFact, Content: "third"}})

	all, err := Export(ctx, s, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ProjectKey != "demo" || all[0].Content != "first" || all[1].Content != "second" {
		t.Errorf("expected oldest first per project, got %+v", all[:2])
	}

	one, _ := Export(ctx, s, "other")
	if len(one) != 1 || one[0].Content != "third" {
		t.Errorf("project filter: %+v", one)
	}

	none, err := Export(ctx, s, "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown project should export nothing, got %v %v", none, err)
	}
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0.5, -1.25, 3}
	out := decodeVector(encodeVector(in))
	if len(out) != 3 || out[0] != 0.5 || out[1] != -1.25 || out[2] != 3 {
		t.Errorf("roundtrip mismatch: %v", out)
	}
	if vectorArg(nil) != nil {
		t.Error("empty vector should bind as NULL")
	}
	if decodeVector(nil) != nil {
		t.Error("NULL should decode to nil")
	}
}
