package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rcliao/memcp/internal/model"
)

// runStoreContract exercises behaviour every Store implementation shares.
// Project keys are unique per run so that shared databases stay isolated.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	key := func(name string) string { return name + "-" + suffix }

	t.Run("put creates project and record", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		proj, rec, err := s.Put(ctx, PutParams{
			ProjectKey: key("create"),
			Record: model.MemoryRecord{
				Kind:    model.KindFact,
				Content: "Use bundle exec rspec for tests",
				Scope:   []string{"spec"},
				Tags:    []string{"testing"},
				Quality: map[string]float64{"accuracy": 0.9},
				Meta:    map[string]any{"source": "cli"},
			},
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if proj.Key != key("create") || proj.Name != key("create") || proj.Path != key("create") {
			t.Errorf("project fields should default to the key, got %+v", proj)
		}
		if rec.ID == "" || rec.ProjectID != proj.ID {
			t.Fatalf("unexpected record ids: %+v", rec)
		}

		got, err := s.GetRecord(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Content != "Use bundle exec rspec for tests" || got.Kind != model.KindFact {
			t.Errorf("unexpected record: %+v", got)
		}
		if len(got.Scope) != 1 || got.Scope[0] != "spec" {
			t.Errorf("scope = %v", got.Scope)
		}
		if got.Quality["accuracy"] != 0.9 {
			t.Errorf("quality = %v", got.Quality)
		}
		if got.Meta["source"] != "cli" {
			t.Errorf("meta = %v", got.Meta)
		}
		if got.TTL != nil || got.SimHash != nil || got.HasEmbedding() {
			t.Errorf("optional fields should be empty: %+v", got)
		}

		// second put on the same key reuses the project
		proj2, _, err := s.Put(ctx, PutParams{
			ProjectKey: key("create"),
			Record:     model.MemoryRecord{Kind: model.KindRule, Content: "another"},
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if proj2.ID != proj.ID {
			t.Errorf("expected project reuse, got %s and %s", proj.ID, proj2.ID)
		}
	})

	t.Run("put updates existing record", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		sim := int64(42)
		_, rec, err := s.Put(ctx, PutParams{
			ProjectKey: key("update"),
			Record:     model.MemoryRecord{Kind: model.KindFact, Content: "v1", Tags: []string{"a"}, SimHash: &sim, MinHash: []string{"1", "2"}},
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}

		rec.Content = "v2"
		rec.Tags = []string{"a", "b"}
		_, updated, err := s.Put(ctx, PutParams{ProjectKey: key("update"), Record: *rec})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.ID != rec.ID {
			t.Errorf("update changed id: %s -> %s", rec.ID, updated.ID)
		}

		got, _ := s.GetRecord(ctx, rec.ID)
		if got.Content != "v2" || len(got.Tags) != 2 {
			t.Errorf("update not persisted: %+v", got)
		}
		if got.SimHash == nil || *got.SimHash != 42 || len(got.MinHash) != 2 {
			t.Errorf("fingerprints lost: %+v", got)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("created_at changed: %v -> %v", rec.CreatedAt, got.CreatedAt)
		}

		_, _, err = s.Put(ctx, PutParams{
			ProjectKey: key("update"),
			Record:     model.MemoryRecord{ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", Kind: model.KindFact, Content: "x"},
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown id, got %v", err)
		}
	})

	t.Run("find records filters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pk := key("filters")

		past := time.Now().Add(-time.Hour)
		future := time.Now().Add(time.Hour)
		put := func(rec model.MemoryRecord) *model.MemoryRecord {
			t.Helper()
			_, r, err := s.Put(ctx, PutParams{ProjectKey: pk, Record: rec})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			return r
		}
		put(model.MemoryRecord{Kind: model.KindFact, Content: "Services use Result objects", Scope: []string{"app/services"}, Tags: []string{"arch"}, TaskExternalID: "T-1"})
		put(model.MemoryRecord{Kind: model.KindGotcha, Content: "Redis cache must be flushed", Scope: []string{"config"}, Tags: []string{"ops"}, TTL: &future})
		put(model.MemoryRecord{Kind: model.KindFact, Content: "expired services note", Scope: []string{"app/services"}, TTL: &past})

		proj, err := s.FindProject(ctx, pk)
		if err != nil {
			t.Fatalf("find project: %v", err)
		}

		all, err := s.FindRecords(ctx, Filter{ProjectID: proj.ID})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 active records, got %d", len(all))
		}
		if all[0].Content != "Redis cache must be flushed" {
			t.Errorf("expected newest first, got %q", all[0].Content)
		}

		withExpired, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, IncludeExpired: true})
		if len(withExpired) != 3 {
			t.Errorf("expected 3 records including expired, got %d", len(withExpired))
		}

		byQuery, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Query: "SERVICES"})
		if len(byQuery) != 1 || byQuery[0].Content != "Services use Result objects" {
			t.Errorf("query filter: %+v", byQuery)
		}

		byScope, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Scope: []string{"config", "lib"}})
		if len(byScope) != 1 || byScope[0].Kind != model.KindGotcha {
			t.Errorf("scope filter: %+v", byScope)
		}

		byTags, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Tags: []string{"arch", "nope"}})
		if len(byTags) != 1 || byTags[0].TaskExternalID != "T-1" {
			t.Errorf("tags filter: %+v", byTags)
		}

		byTask, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, TaskExternalID: "T-1"})
		if len(byTask) != 1 {
			t.Errorf("task filter: %+v", byTask)
		}

		byKind, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Kind: model.KindGotcha})
		if len(byKind) != 1 {
			t.Errorf("kind filter: %+v", byKind)
		}

		limited, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Limit: 1})
		if len(limited) != 1 {
			t.Errorf("limit: got %d", len(limited))
		}

		none, _ := s.FindRecords(ctx, Filter{ProjectID: proj.ID, Query: "kubernetes"})
		if len(none) != 0 {
			t.Errorf("expected no match, got %d", len(none))
		}
	})

	t.Run("query folds non-ascii case", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pk := key("unicode")

		_, rec, err := s.Put(ctx, PutParams{ProjectKey: pk, Record: model.MemoryRecord{Kind: model.KindFact, Content: "Ошибка в КЭШЕ при старте"}})
		if err != nil {
			t.Fatalf("put: %v", err)
		}

		for _, q := range []string{"кэше", "КЭШЕ", "ошибка", "Кэше При"} {
			got, err := s.FindRecords(ctx, Filter{ProjectID: rec.ProjectID, Query: q})
			if err != nil {
				t.Fatalf("find %q: %v", q, err)
			}
			if len(got) != 1 {
				t.Errorf("query %q: expected 1 match, got %d", q, len(got))
			}
		}
	})

	t.Run("fingerprinted records", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pk := key("fingerprints")

		sim := int64(7)
		s.Put(ctx, PutParams{ProjectKey: pk, Record: model.MemoryRecord{Kind: model.KindFact, Content: "with hash", SimHash: &sim, MinHash: []string{"3"}}})
		_, _, err := s.Put(ctx, PutParams{ProjectKey: pk, Record: model.MemoryRecord{Kind: model.KindFact, Content: "ab"}})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		proj, _ := s.FindProject(ctx, pk)

		got, err := s.FingerprintedRecords(ctx, proj.ID)
		if err != nil {
			t.Fatalf("fingerprinted: %v", err)
		}
		if len(got) != 1 || got[0].Content != "with hash" {
			t.Errorf("expected only the fingerprinted record, got %+v", got)
		}
	})

	t.Run("embeddings", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pk := key("embeddings")

		var ids []string
		for _, c := range []string{"alpha", "beta", "gamma"} {
			_, r, err := s.Put(ctx, PutParams{ProjectKey: pk, Record: model.MemoryRecord{Kind: model.KindFact, Content: c}})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			ids = append(ids, r.ID)
		}

		missing, err := s.MissingEmbeddings(ctx, 0)
		if err != nil {
			t.Fatalf("missing: %v", err)
		}
		for _, id := range ids {
			if !contains(missing, id) {
				t.Errorf("expected %s to be missing an embedding", id)
			}
		}

		vecs := map[string][]float32{
			ids[0]: unitVector(0),
			ids[1]: unitVector(1),
		}
		for id, v := range vecs {
			if err := s.SetEmbedding(ctx, id, v); err != nil {
				t.Fatalf("set embedding: %v", err)
			}
		}
		if err := s.SetEmbedding(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", unitVector(0)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		got, _ := s.GetRecord(ctx, ids[1])
		if !got.HasEmbedding() || got.Embedding[1] != 1 {
			t.Errorf("embedding not stored: %v", got.Embedding)
		}

		missing, _ = s.MissingEmbeddings(ctx, 0)
		if contains(missing, ids[0]) || contains(missing, ids[1]) || !contains(missing, ids[2]) {
			t.Errorf("unexpected missing list %v", missing)
		}

		proj, _ := s.FindProject(ctx, pk)
		nn, err := s.NearestNeighbors(ctx, proj.ID, unitVector(1), 5)
		if err != nil {
			t.Fatalf("nearest: %v", err)
		}
		if len(nn) != 2 {
			t.Fatalf("expected only embedded records, got %d", len(nn))
		}
		if nn[0].ID != ids[1] {
			t.Errorf("expected closest record first, got %s", nn[0].Content)
		}

		nn, _ = s.NearestNeighbors(ctx, proj.ID, unitVector(1), 1)
		if len(nn) != 1 {
			t.Errorf("limit not applied: %d", len(nn))
		}
	})

	t.Run("projects", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if _, err := s.FindProject(ctx, key("absent")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		s.Put(ctx, PutParams{ProjectKey: key("b"), Record: model.MemoryRecord{Kind: model.KindFact, Content: "x"}})
		s.Put(ctx, PutParams{ProjectKey: key("a"), Record: model.MemoryRecord{Kind: model.KindFact, Content: "y"}})

		projects, err := s.ListProjects(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var seen []string
		for _, p := range projects {
			if p.Key == key("a") || p.Key == key("b") {
				seen = append(seen, p.Key)
			}
		}
		if len(seen) != 2 || seen[0] != key("a") {
			t.Errorf("expected projects ordered by key, got %v", seen)
		}
	})
}

func unitVector(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
