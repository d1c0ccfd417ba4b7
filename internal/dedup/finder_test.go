package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memcp/internal/model"
)

type fakeSource struct {
	records []model.MemoryRecord
	err     error
	calls   int
}

func (f *fakeSource) FingerprintedRecords(ctx context.Context, projectID string) ([]model.MemoryRecord, error) {
	f.calls++
	return f.records, f.err
}

func fingerprinted(id, content string, updated time.Time) model.MemoryRecord {
	fp := Compute(content)
	return model.MemoryRecord{
		ID:        id,
		Content:   content,
		SimHash:   &fp.SimHash,
		MinHash:   fp.MinHash,
		UpdatedAt: updated,
	}
}

func TestFindSimilar(t *testing.T) {
	ctx := context.Background()
	base := longContent()
	now := time.Now()
	src := &fakeSource{records: []model.MemoryRecord{
		fingerprinted("unrelated", "Prefer table-driven tests for parsers and keep fixtures small.", now),
		fingerprinted("dup", base, now),
	}}

	matches, err := NewFinder(src).FindSimilar(ctx, base+"and the cache was warmed", "p1", DefaultThreshold)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "dup", matches[0].Record.ID)
	assert.GreaterOrEqual(t, matches[0].Similarity, DefaultThreshold)
}

func TestFindSimilarEmptyCorpus(t *testing.T) {
	matches, err := NewFinder(&fakeSource{}).FindSimilar(context.Background(), longContent(), "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindSimilarDegenerateQuery(t *testing.T) {
	src := &fakeSource{records: []model.MemoryRecord{fingerprinted("a", longContent(), time.Now())}}

	matches, err := NewFinder(src).FindSimilar(context.Background(), "ok", "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Zero(t, src.calls, "degenerate content never reaches the store")
}

func TestFindSimilarSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}

	_, err := NewFinder(src).FindSimilar(context.Background(), longContent(), "p1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRankOrdering(t *testing.T) {
	content := longContent()
	fp := Compute(content)
	older := fingerprinted("older", content, time.Now().Add(-time.Hour))
	newer := fingerprinted("newer", content, time.Now())
	noHash := model.MemoryRecord{ID: "nohash", Content: content}

	matches := Rank(fp, []model.MemoryRecord{older, noHash, newer}, DefaultThreshold)
	require.Len(t, matches, 2)
	assert.Equal(t, "newer", matches[0].Record.ID, "equal similarity prefers the most recently updated")
	assert.Equal(t, "older", matches[1].Record.ID)
	assert.Equal(t, 1.0, matches[0].Similarity)
	assert.Zero(t, matches[0].Distance)
}
