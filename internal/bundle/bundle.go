// Package bundle packs ranked memory records into the token-bounded response
// returned by recall.
package bundle

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rcliao/memcp/internal/model"
)

const (
	// DefaultLimitTokens applies when the caller passes a non-positive limit.
	DefaultLimitTokens = 2000
	// MaxFewShots caps the few-shot category.
	MaxFewShots = 3
	// linkTitleRunes is the length of a link title derived from content.
	linkTitleRunes = 101
	charsPerToken  = 4
)

// Fact is a fact-like record (fact, pattern, gotcha or rule).
type Fact struct {
	Text  string   `json:"text"`
	Scope []string `json:"scope"`
	Tags  []string `json:"tags"`
}

// FewShot is a worked example split into steps.
type FewShot struct {
	Title    string   `json:"title"`
	Steps    []string `json:"steps"`
	PatchRef *string  `json:"patch_ref"`
	Tags     []string `json:"tags"`
}

// Link points at an ADR or other external document.
type Link struct {
	Title string   `json:"title"`
	URL   string   `json:"url"`
	Scope []string `json:"scope"`
}

// Bundle is the categorized recall response.
type Bundle struct {
	Facts      []Fact    `json:"facts"`
	FewShots   []FewShot `json:"few_shots"`
	Links      []Link    `json:"links"`
	Confidence float64   `json:"confidence"`
	// Tokens is the estimated size of the facts and few-shots included.
	Tokens int `json:"-"`
}

// Empty returns a bundle with no entries and zero confidence.
func Empty() *Bundle {
	return &Bundle{Facts: []Fact{}, FewShots: []FewShot{}, Links: []Link{}}
}

// EstimateTokens approximates the token count of text as runes/4.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// Confidence is 0 for no candidates, otherwise n/10 clamped to [0.5, 1].
func Confidence(n int) float64 {
	if n <= 0 {
		return 0.0
	}
	c := float64(n) / 10.0
	if c > 1.0 {
		c = 1.0
	}
	if c < 0.5 {
		c = 0.5
	}
	return c
}

// Assemble walks records in rank order and fills the bundle until the token
// budget is reached. Records expired at now are skipped. Links are never
// budgeted but are still cut off once the budget is exhausted.
func Assemble(records []model.MemoryRecord, limitTokens int, now time.Time) *Bundle {
	if limitTokens <= 0 {
		limitTokens = DefaultLimitTokens
	}
	b := Empty()
	b.Confidence = Confidence(len(records))

	total := 0
	for i := range records {
		r := &records[i]
		if r.Expired(now) {
			continue
		}

		switch {
		case r.Kind.IsFact():
			est := EstimateTokens(r.Content)
			if total+est <= limitTokens {
				b.Facts = append(b.Facts, Fact{
					Text:  r.Content,
					Scope: orEmpty(r.Scope),
					Tags:  orEmpty(r.Tags),
				})
				total += est
			}
		case r.Kind == model.KindFewShot:
			est := EstimateTokens(r.Content)
			if total+est <= limitTokens && len(b.FewShots) < MaxFewShots {
				b.FewShots = append(b.FewShots, newFewShot(r))
				total += est
			}
		case r.Kind.IsLink():
			b.Links = append(b.Links, newLink(r))
		}

		if total >= limitTokens {
			break
		}
	}

	b.Tokens = total
	return b
}

func newFewShot(r *model.MemoryRecord) FewShot {
	title, ok := r.MetaString("title")
	if !ok {
		title = fmt.Sprintf("Few-shot %s", r.ID)
	}
	fs := FewShot{
		Title: title,
		Steps: steps(r.Content),
		Tags:  orEmpty(r.Tags),
	}
	if ref, ok := r.MetaString("patch_sha"); ok {
		fs.PatchRef = &ref
	}
	return fs
}

func newLink(r *model.MemoryRecord) Link {
	title, ok := r.MetaString("title")
	if !ok {
		title = truncateRunes(r.Content, linkTitleRunes)
	}
	url, _ := r.MetaString("url")
	return Link{Title: title, URL: url, Scope: orEmpty(r.Scope)}
}

// steps splits content into lines and drops blank ones.
func steps(content string) []string {
	out := []string{}
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
