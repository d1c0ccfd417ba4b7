// Package retrieval selects the records relevant to a recall context by
// merging vector nearest neighbours with lexical, scope and tag filtering.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/memcp/internal/embedding"
	"github.com/rcliao/memcp/internal/model"
	"github.com/rcliao/memcp/internal/store"
)

const (
	// LexicalLimit caps the lexical result list.
	LexicalLimit = 50
	// VectorLimit caps the vector result list.
	VectorLimit = 30
)

// Searcher is the slice of store.Store the merger reads from.
type Searcher interface {
	FindRecords(ctx context.Context, f store.Filter) ([]model.MemoryRecord, error)
	NearestNeighbors(ctx context.Context, projectID string, vec []float32, limit int) ([]model.MemoryRecord, error)
}

// Query describes a recall context.
type Query struct {
	ProjectID      string
	TaskExternalID string
	RepoPath       string
	Query          string
	Symbols        []string // scope filter
	Signals        []string // tag filter
	Now            time.Time
}

// scope unions the repo path segments with the symbols, first-seen order.
func (q Query) scope() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(SplitPath(q.RepoPath), q.Symbols...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Merger runs the lexical and vector searches for a query.
type Merger struct {
	searcher Searcher
	embedder embedding.Embedder
	log      zerolog.Logger
}

// NewMerger creates a merger. A nil embedder disables the vector pass.
func NewMerger(s Searcher, e embedding.Embedder, log zerolog.Logger) *Merger {
	return &Merger{searcher: s, embedder: e, log: log.With().Str("component", "retrieval").Logger()}
}

// Retrieve returns vector hits followed by lexical hits not already seen.
// A lexical failure is returned; vector failures fall back to lexical only.
func (m *Merger) Retrieve(ctx context.Context, q Query) ([]model.MemoryRecord, error) {
	lexical, err := m.searcher.FindRecords(ctx, store.Filter{
		ProjectID:      q.ProjectID,
		TaskExternalID: q.TaskExternalID,
		Query:          strings.TrimSpace(q.Query),
		Scope:          q.scope(),
		Tags:           q.Signals,
		Now:            q.Now,
		Limit:          LexicalLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	if strings.TrimSpace(q.Query) == "" || m.embedder == nil {
		return lexical, nil
	}

	vector := m.vectorSearch(ctx, q)
	return Merge(vector, lexical), nil
}

func (m *Merger) vectorSearch(ctx context.Context, q Query) []model.MemoryRecord {
	vec, err := m.embedder.Embed(ctx, q.Query)
	if err != nil {
		m.log.Warn().Err(err).Str("project_id", q.ProjectID).Msg("query embedding failed, using lexical results only")
		return nil
	}
	hits, err := m.searcher.NearestNeighbors(ctx, q.ProjectID, vec, VectorLimit)
	if err != nil {
		m.log.Warn().Err(err).Str("project_id", q.ProjectID).Msg("vector search failed, using lexical results only")
		return nil
	}
	return hits
}

// Merge appends vector then lexical records, dropping repeated ids.
// Each list keeps its own order.
func Merge(vector, lexical []model.MemoryRecord) []model.MemoryRecord {
	seen := make(map[string]bool, len(vector)+len(lexical))
	out := make([]model.MemoryRecord, 0, len(vector)+len(lexical))
	for _, list := range [][]model.MemoryRecord{vector, lexical} {
		for _, r := range list {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// SplitPath splits a repository path into its non-empty segments.
func SplitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
