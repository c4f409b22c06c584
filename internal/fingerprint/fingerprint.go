// Package fingerprint computes the two content digests used for
// deduplication: an exact digest over normalized text and a structural
// simhash that survives boilerplate and date churn.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math/bits"
	"strings"
)

// shingleSize is the word window used for the structural digest.
const shingleSize = 4

// nearThreshold is the maximum Hamming distance at which two structural
// digests are considered the same document.
const nearThreshold = 3

// Pair holds both digests for one document.
type Pair struct {
	Exact      string
	Structural uint64
}

// Comparison is the result of comparing two fingerprint pairs.
type Comparison struct {
	Identical bool
	Similar   bool
}

// Normalize collapses all whitespace runs to single spaces, preserving
// case. The exact digest operates on normalized text so that
// formatting-only changes never produce a new candidate.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// New computes both digests for text.
func New(text string) Pair {
	return Pair{Exact: Exact(text), Structural: Structural(text)}
}

// Compare reports whether two pairs denote identical or near-identical
// content. Identical implies Similar.
func Compare(a, b Pair) Comparison {
	identical := a.Exact == b.Exact
	return Comparison{
		Identical: identical,
		Similar:   identical || Near(a.Structural, b.Structural),
	}
}

// Exact returns the sha256 hex digest of the whitespace-normalized,
// case-preserved text. Any byte-level content difference changes it.
func Exact(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Structural returns a 64-bit simhash over lowercased word shingles.
// Documents that differ only in headers, footers, or retrieval dates
// land within a small Hamming distance of each other.
func Structural(text string) uint64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}

	var weights [64]int
	addShingle := func(shingle string) {
		h := fnv.New64a()
		h.Write([]byte(shingle))
		v := h.Sum64()
		for i := 0; i < 64; i++ {
			if v&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}

	if len(words) < shingleSize {
		addShingle(strings.Join(words, " "))
	} else {
		for i := 0; i+shingleSize <= len(words); i++ {
			addShingle(strings.Join(words[i:i+shingleSize], " "))
		}
	}

	var sig uint64
	for i := 0; i < 64; i++ {
		if weights[i] > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// Distance returns the Hamming distance between two structural digests.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Near reports whether two structural digests are close enough to be
// treated as the same document.
func Near(a, b uint64) bool {
	return Distance(a, b) <= nearThreshold
}
