// Package chunker splits long markdown notes into pieces small enough to be
// saved and recalled as separate memories.
package chunker

import (
	"strings"

	"github.com/rcliao/memcp/internal/bundle"
)

const (
	DefaultTargetTokens = 100
	DefaultMaxTokens    = 150
)

// Options bounds chunk sizes in estimated tokens.
type Options struct {
	TargetTokens int
	MaxTokens    int
}

// DefaultOptions returns the sizes used by save --split.
func DefaultOptions() Options {
	return Options{TargetTokens: DefaultTargetTokens, MaxTokens: DefaultMaxTokens}
}

// Chunk is a piece of the input with its 1-based line span.
type Chunk struct {
	Text      string `json:"text"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func tokens(s string) int { return bundle.EstimateTokens(s) }

// Split cuts text at headings and paragraph breaks, packs neighbouring
// paragraphs up to the target size and breaks oversized ones on lines.
// Text within MaxTokens comes back as a single chunk.
func Split(text string, opts Options) []Chunk {
	if opts.TargetTokens <= 0 || opts.MaxTokens <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxTokens < opts.TargetTokens {
		opts.MaxTokens = opts.TargetTokens
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	sections := sections(lines)
	if len(sections) == 0 {
		return nil
	}

	whole := joinSpan(lines, sections[0].start, sections[len(sections)-1].end)
	if tokens(whole) <= opts.MaxTokens {
		return []Chunk{{Text: whole, StartLine: sections[0].start + 1, EndLine: sections[len(sections)-1].end + 1}}
	}
	return pack(lines, sections, opts)
}

// span is an inclusive 0-based line range.
type span struct{ start, end int }

// sections finds non-blank paragraphs; a heading always starts a new one.
func sections(lines []string) []span {
	var out []span
	cur := span{start: -1}
	flush := func() {
		if cur.start >= 0 {
			out = append(out, cur)
		}
		cur = span{start: -1}
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "#"):
			flush()
			cur = span{start: i, end: i}
		case cur.start < 0:
			cur = span{start: i, end: i}
		default:
			cur.end = i
		}
	}
	flush()
	return out
}

func joinSpan(lines []string, start, end int) string {
	return strings.TrimSpace(strings.Join(lines[start:end+1], "\n"))
}

func pack(lines []string, secs []span, opts Options) []Chunk {
	var out []Chunk
	acc := span{start: -1}

	flush := func() {
		if acc.start < 0 {
			return
		}
		if text := joinSpan(lines, acc.start, acc.end); tokens(text) > opts.MaxTokens {
			out = append(out, splitLines(lines, acc, opts)...)
		} else {
			out = append(out, Chunk{Text: text, StartLine: acc.start + 1, EndLine: acc.end + 1})
		}
		acc = span{start: -1}
	}

	for _, s := range secs {
		if acc.start < 0 {
			acc = s
			continue
		}
		if tokens(joinSpan(lines, acc.start, s.end)) <= opts.TargetTokens {
			acc.end = s.end
			continue
		}
		flush()
		acc = s
	}
	flush()
	return out
}

// splitLines breaks an oversized span on line boundaries near the target.
func splitLines(lines []string, s span, opts Options) []Chunk {
	var out []Chunk
	start := s.start
	for i := s.start + 1; i <= s.end; i++ {
		if tokens(joinSpan(lines, start, i)) > opts.TargetTokens {
			if text := joinSpan(lines, start, i-1); text != "" {
				out = append(out, Chunk{Text: text, StartLine: start + 1, EndLine: i})
			}
			start = i
		}
	}
	if text := joinSpan(lines, start, s.end); text != "" {
		out = append(out, Chunk{Text: text, StartLine: start + 1, EndLine: s.end + 1})
	}
	return out
}
