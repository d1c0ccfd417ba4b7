// Package dedup fingerprints memory content for near-duplicate detection.
//
// Two sketches are computed over the distinct character trigrams of the
// normalized text: a 63-bit SimHash, compared by Hamming distance as a cheap
// pre-filter, and a 128-value MinHash signature, compared by Jaccard
// similarity to confirm a match.
package dedup

import (
	"math/bits"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	NGramSize   = 3
	MinHashSize = 128

	// minHashPrime is the modulus of the linear MinHash family.
	minHashPrime = 2_147_483_647
	// simHashBits stays below 64 so the fingerprint fits a signed bigint column.
	simHashBits = 63
)

// Fingerprint holds both sketches of a piece of content.
type Fingerprint struct {
	SimHash int64
	MinHash []string
}

// Degenerate reports whether the content was too short to fingerprint.
func (f Fingerprint) Degenerate() bool {
	return f.SimHash == 0 || len(f.MinHash) == 0
}

// Compute normalizes text and returns its fingerprint.
func Compute(text string) Fingerprint {
	norm := Normalize(text)
	grams := NGrams(norm, NGramSize)
	return Fingerprint{
		SimHash: simHash(grams),
		MinHash: minHash(grams, MinHashSize),
	}
}

// Normalize lowercases text, turns every rune that is not a letter or number
// into a space, collapses runs of whitespace and trims the result.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// NGrams returns the distinct rune n-grams of text in first-seen order.
func NGrams(text string, n int) []string {
	runes := []rune(text)
	if n <= 0 || len(runes) < n {
		return nil
	}
	seen := make(map[string]bool, len(runes))
	var out []string
	for i := 0; i+n <= len(runes); i++ {
		g := string(runes[i : i+n])
		if seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}

// SimHash returns the 63-bit SimHash of the already-normalized text.
func SimHash(text string) int64 {
	return simHash(NGrams(text, NGramSize))
}

// MinHash returns the k-value MinHash signature of the already-normalized text.
func MinHash(text string, k int) []string {
	return minHash(NGrams(text, NGramSize), k)
}

func simHash(grams []string) int64 {
	if len(grams) == 0 {
		return 0
	}
	var acc [64]int
	for _, g := range grams {
		h := xxhash.Sum64String(g)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				acc[i]++
			} else {
				acc[i]--
			}
		}
	}
	var out int64
	for i := 0; i < simHashBits; i++ {
		if acc[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

func minHash(grams []string, k int) []string {
	if len(grams) == 0 || k <= 0 {
		return nil
	}
	values := make([]uint64, len(grams))
	for i, g := range grams {
		values[i] = absHash(xxhash.Sum64String(g))
	}

	sig := make([]string, k)
	for i := 0; i < k; i++ {
		a := uint64(31 + i*7)
		b := uint64(17 + i*3)
		min := uint64(minHashPrime)
		for _, x := range values {
			if h := linearHash(a, b, x); h < min {
				min = h
			}
		}
		sig[i] = strconv.FormatUint(min, 10)
	}
	return sig
}

// absHash reads h as a signed 64-bit value and returns its magnitude.
func absHash(h uint64) uint64 {
	v := int64(h)
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// linearHash computes (a*x + b) mod P without overflowing 64 bits.
func linearHash(a, b, x uint64) uint64 {
	hi, lo := bits.Mul64(a, x)
	lo, carry := bits.Add64(lo, b, 0)
	hi += carry
	return bits.Rem64(hi, lo, minHashPrime)
}

// HammingDistance counts the differing bits of a and b.
func HammingDistance(a, b int64) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// JaccardSimilarity treats each signature as a set of its values.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		setB[v] = struct{}{}
	}

	inter := 0
	for v := range setA {
		if _, ok := setB[v]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
