package search

import (
	"slices"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// BM25 parameters baked into stored term weights. The collection's sparse
// vector uses the IDF modifier, so the server-side dot product of a query's
// unit weights with these values is the Okapi BM25 score.
const (
	bm25K1     = 1.2
	bm25B      = 0.75
	bm25AvgLen = 256.0
)

// tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func termIndex(term string) uint32 {
	return uint32(xxhash.Sum64String(term)) //nolint:gosec // truncation is the hashing trick
}

// documentVector encodes text as sparse BM25 term weights, indices ascending.
func documentVector(text string) ([]uint32, []float32) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	tf := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		tf[termIndex(t)]++
	}
	norm := bm25K1 * (1 - bm25B + bm25B*float64(len(tokens))/bm25AvgLen)

	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	values := make([]float32, len(indices))
	for i, idx := range indices {
		f := tf[idx]
		values[i] = float32(f * (bm25K1 + 1) / (f + norm))
	}
	return indices, values
}

// queryVector encodes the distinct query terms with unit weight, indices ascending.
func queryVector(text string) ([]uint32, []float32) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	indices := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		indices = append(indices, termIndex(t))
	}
	slices.Sort(indices)
	indices = slices.Compact(indices)
	values := make([]float32, len(indices))
	for i := range values {
		values[i] = 1
	}
	return indices, values
}
