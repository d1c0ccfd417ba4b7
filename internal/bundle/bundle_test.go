package bundle

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memcp/internal/model"
)

var now = time.Date(2025, 11, 16, 12, 0, 0, 0, time.UTC)

func rec(id string, kind model.Kind, content string) model.MemoryRecord {
	return model.MemoryRecord{ID: id, Kind: kind, Content: content}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 20, EstimateTokens(strings.Repeat("A", 80)))
	assert.Equal(t, 1, EstimateTokens("éééé"), "counts runes, not bytes")
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0.0},
		{1, 0.5},
		{5, 0.5},
		{7, 0.7},
		{10, 1.0},
		{42, 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.n), 1e-9, "n=%d", tt.n)
	}
}

func TestAssembleEmpty(t *testing.T) {
	b := Assemble(nil, 0, now)
	assert.Empty(t, b.Facts)
	assert.Empty(t, b.FewShots)
	assert.Empty(t, b.Links)
	assert.Equal(t, 0.0, b.Confidence)

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"facts":[],"few_shots":[],"links":[],"confidence":0}`, string(data))
}

func TestAssembleRoutesKinds(t *testing.T) {
	fs := rec("01FS", model.KindFewShot, "step one\n\n  \nstep two\n")
	fs.Meta = map[string]any{"patch_sha": "abc123"}
	fs.Tags = []string{"rspec"}

	link := rec("01LK", model.KindADRLink, "ADR 7: use postgres")
	link.Meta = map[string]any{"url": "https://example.com/adr/7"}
	link.Scope = []string{"db"}

	records := []model.MemoryRecord{
		rec("01FA", model.KindFact, "fact text"),
		rec("01PA", model.KindPattern, "pattern text"),
		rec("01GO", model.KindGotcha, "gotcha text"),
		rec("01RU", model.KindRule, "rule text"),
		fs,
		link,
	}

	b := Assemble(records, 2000, now)
	require.Len(t, b.Facts, 4)
	assert.Equal(t, "fact text", b.Facts[0].Text)
	assert.Equal(t, []string{}, b.Facts[0].Scope)
	assert.Equal(t, "rule text", b.Facts[3].Text)

	require.Len(t, b.FewShots, 1)
	assert.Equal(t, "Few-shot 01FS", b.FewShots[0].Title)
	assert.Equal(t, []string{"step one", "step two"}, b.FewShots[0].Steps)
	require.NotNil(t, b.FewShots[0].PatchRef)
	assert.Equal(t, "abc123", *b.FewShots[0].PatchRef)
	assert.Equal(t, []string{"rspec"}, b.FewShots[0].Tags)

	require.Len(t, b.Links, 1)
	assert.Equal(t, "ADR 7: use postgres", b.Links[0].Title)
	assert.Equal(t, "https://example.com/adr/7", b.Links[0].URL)
	assert.Equal(t, []string{"db"}, b.Links[0].Scope)

	assert.InDelta(t, 0.6, b.Confidence, 1e-9)
}

func TestAssembleMetaTitles(t *testing.T) {
	fs := rec("01FS", model.KindFewShot, "only step")
	fs.Meta = map[string]any{"title": "Add a service"}

	long := rec("01LK", model.KindLink, strings.Repeat("x", 150))

	b := Assemble([]model.MemoryRecord{fs, long}, 0, now)
	assert.Equal(t, "Add a service", b.FewShots[0].Title)
	assert.Nil(t, b.FewShots[0].PatchRef)
	assert.Len(t, []rune(b.Links[0].Title), 101)
	assert.Equal(t, "", b.Links[0].URL)
}

func TestAssembleSkipsExpired(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	expired := rec("01EX", model.KindFact, "stale")
	expired.TTL = &past
	fresh := rec("01FR", model.KindFact, "fresh")
	fresh.TTL = &future
	expiredLink := rec("01EL", model.KindLink, "old link")
	expiredLink.TTL = &past

	b := Assemble([]model.MemoryRecord{expired, fresh, expiredLink}, 0, now)
	require.Len(t, b.Facts, 1)
	assert.Equal(t, "fresh", b.Facts[0].Text)
	assert.Empty(t, b.Links)
	assert.Equal(t, 0.5, b.Confidence, "confidence counts every candidate")
}

func TestAssembleBudgetStopsAfterFirstFact(t *testing.T) {
	content := strings.Repeat("A", 80)
	records := []model.MemoryRecord{
		rec("01A", model.KindFact, content),
		rec("01B", model.KindFact, content),
	}

	b := Assemble(records, 20, now)
	assert.Len(t, b.Facts, 1)
	assert.Equal(t, 20, b.Tokens)
}

func TestAssembleBudgetCheckedBeforeAppend(t *testing.T) {
	records := []model.MemoryRecord{
		rec("01A", model.KindFact, strings.Repeat("a", 40)), // 10 tokens
		rec("01B", model.KindFact, strings.Repeat("b", 60)), // 15 tokens, does not fit
		rec("01C", model.KindFact, strings.Repeat("c", 20)), // 5 tokens, fits
	}

	b := Assemble(records, 16, now)
	require.Len(t, b.Facts, 2)
	assert.Equal(t, strings.Repeat("c", 20), b.Facts[1].Text)
	assert.LessOrEqual(t, b.Tokens, 16)
}

func TestAssembleEarlyExitDropsLaterLinks(t *testing.T) {
	records := []model.MemoryRecord{
		rec("01A", model.KindFact, strings.Repeat("a", 40)),
		rec("01L", model.KindLink, "never reached"),
	}

	b := Assemble(records, 10, now)
	assert.Len(t, b.Facts, 1)
	assert.Empty(t, b.Links, "iteration stops once the budget is reached")
}

func TestAssembleCapsFewShots(t *testing.T) {
	var records []model.MemoryRecord
	for _, id := range []string{"01A", "01B", "01C", "01D", "01E"} {
		records = append(records, rec(id, model.KindFewShot, "do the thing"))
	}

	b := Assemble(records, 0, now)
	assert.Len(t, b.FewShots, MaxFewShots)
	assert.Equal(t, "Few-shot 01C", b.FewShots[2].Title)
}

func TestAssembleLinksAreNotBudgeted(t *testing.T) {
	records := []model.MemoryRecord{
		rec("01L", model.KindLink, strings.Repeat("l", 400)),
		rec("01A", model.KindFact, strings.Repeat("a", 36)),
	}

	b := Assemble(records, 10, now)
	assert.Len(t, b.Links, 1)
	assert.Len(t, b.Facts, 1)
	assert.Equal(t, 9, b.Tokens)
}

func TestAssembleUsesAnyNonNilMeta(t *testing.T) {
	fs := rec("01FS", model.KindFewShot, "step")
	fs.Meta = map[string]any{"title": "", "patch_sha": 1234.0}

	link := rec("01LK", model.KindLink, "ADR 9")
	link.Meta = map[string]any{"title": nil, "url": "https://example.com/adr/9"}

	b := Assemble([]model.MemoryRecord{fs, link}, 0, now)
	require.Len(t, b.FewShots, 1)
	assert.Equal(t, "", b.FewShots[0].Title)
	require.NotNil(t, b.FewShots[0].PatchRef)
	assert.Equal(t, "1234", *b.FewShots[0].PatchRef)

	require.Len(t, b.Links, 1)
	assert.Equal(t, "ADR 9", b.Links[0].Title)
}
