package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rcliao/memcp/internal/model"
)

// DefaultThreshold is the Jaccard similarity at which two contents count as
// the same memory.
const DefaultThreshold = 0.85

// CandidateSource lists the active records of a project that carry a simhash.
type CandidateSource interface {
	FingerprintedRecords(ctx context.Context, projectID string) ([]model.MemoryRecord, error)
}

// Match is a candidate that passed both similarity stages.
type Match struct {
	Record     model.MemoryRecord
	Distance   int
	Similarity float64
}

// Finder looks up near-duplicates of new content within a project.
type Finder struct {
	src CandidateSource
}

// NewFinder creates a Finder reading candidates from src.
func NewFinder(src CandidateSource) *Finder {
	return &Finder{src: src}
}

// MaxDistance maps a similarity threshold onto the SimHash pre-filter:
// ceil((1 - threshold) * 64) differing bits.
func MaxDistance(threshold float64) int {
	return int(math.Ceil((1 - threshold) * 64))
}

// FindSimilar returns the project's records whose content is a near-duplicate
// of content, most similar first. A threshold <= 0 uses DefaultThreshold.
func (f *Finder) FindSimilar(ctx context.Context, content, projectID string, threshold float64) ([]Match, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	fp := Compute(content)
	if fp.Degenerate() {
		return nil, nil
	}

	records, err := f.src.FingerprintedRecords(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	return Rank(fp, records, threshold), nil
}

// Rank filters records against fp in two stages and sorts the survivors by
// descending similarity.
func Rank(fp Fingerprint, records []model.MemoryRecord, threshold float64) []Match {
	if fp.Degenerate() || len(records) == 0 {
		return nil
	}
	maxDist := MaxDistance(threshold)

	var matches []Match
	for _, r := range records {
		if r.SimHash == nil {
			continue
		}
		dist := HammingDistance(fp.SimHash, *r.SimHash)
		if dist > maxDist {
			continue
		}
		sim := JaccardSimilarity(fp.MinHash, r.MinHash)
		if sim < threshold {
			continue
		}
		matches = append(matches, Match{Record: r, Distance: dist, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.UpdatedAt.After(matches[j].Record.UpdatedAt)
	})
	return matches
}
