package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/perculacms/pagecontext/internal/model"
)

func hit(id string, score float64, s model.Strategy) model.RetrievalHit {
	return model.RetrievalHit{SourceType: "page", SourceID: id, Title: id + "-" + string(s), Score: score, Strategy: s}
}

func ids(hits []model.RetrievalHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.SourceID
	}
	return out
}

func TestFuse(t *testing.T) {
	sem, kw := model.StrategySemantic, model.StrategyKeyword

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Fuse(nil, nil))
	})

	t.Run("single hit normalizes to one", func(t *testing.T) {
		out := Fuse([]StrategyResult{{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.3, sem)}}}, nil)
		require.Len(t, out, 1)
		assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	})

	t.Run("disjoint union keeps everything", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.9, sem), hit("b", 0.5, sem), hit("c", 0.1, sem)}},
			{Strategy: kw, Hits: []model.RetrievalHit{hit("d", 12, kw), hit("e", 3, kw)}},
		}, nil)
		assert.Equal(t, []string{"a", "d", "b", "c", "e"}, ids(out))
		assert.InDelta(t, 0.5, out[0].Score, 1e-9)
		assert.InDelta(t, 0.25, out[2].Score, 1e-9)
	})

	t.Run("overlap sums and keeps best metadata", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.9, sem), hit("b", 0.1, sem)}},
			{Strategy: kw, Hits: []model.RetrievalHit{hit("b", 10, kw), hit("a", 5, kw)}},
		}, nil)
		require.Equal(t, []string{"a", "b"}, ids(out))
		assert.Equal(t, sem, out[0].Strategy)
		assert.Equal(t, "b-keyword", out[1].Title)
		assert.Equal(t, kw, out[1].Strategy)
	})

	t.Run("configured weights", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.9, sem), hit("b", 0.1, sem)}},
			{Strategy: kw, Hits: []model.RetrievalHit{hit("b", 10, kw), hit("a", 5, kw)}},
		}, map[model.Strategy]float64{sem: 0.8, kw: 0.2})
		require.Equal(t, []string{"a", "b"}, ids(out))
		assert.InDelta(t, 0.8, out[0].Score, 1e-9)
		assert.InDelta(t, 0.2, out[1].Score, 1e-9)
	})

	t.Run("missing weight falls back to equal share", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.9, sem)}},
			{Strategy: kw, Hits: []model.RetrievalHit{hit("b", 10, kw)}},
		}, map[model.Strategy]float64{sem: 1.0})
		require.Equal(t, []string{"a", "b"}, ids(out))
		assert.InDelta(t, 0.5, out[1].Score, 1e-9)
	})

	t.Run("ties break by strategy order then source id", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: kw, Hits: []model.RetrievalHit{hit("z", 1, kw), hit("y", 1, kw)}},
			{Strategy: sem, Hits: []model.RetrievalHit{hit("b", 1, sem), hit("a", 1, sem)}},
		}, nil)
		assert.Equal(t, []string{"y", "z", "a", "b"}, ids(out))
	})

	t.Run("duplicate within a strategy counts once", func(t *testing.T) {
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 1, sem), hit("a", 1, sem)}},
		}, nil)
		require.Len(t, out, 1)
		assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	})

	t.Run("same id under different source types stays distinct", func(t *testing.T) {
		media := hit("a", 0.5, kw)
		media.SourceType = "media"
		out := Fuse([]StrategyResult{
			{Strategy: sem, Hits: []model.RetrievalHit{hit("a", 0.9, sem)}},
			{Strategy: kw, Hits: []model.RetrievalHit{media}},
		}, nil)
		require.Len(t, out, 2)
		assert.Equal(t, "page", out[0].SourceType)
		assert.Equal(t, "media", out[1].SourceType)
	})
}

func genStrategyResults(t *rapid.T) []StrategyResult {
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var out []StrategyResult
	for _, s := range []model.Strategy{model.StrategySemantic, model.StrategyKeyword} {
		n := rapid.IntRange(0, 8).Draw(t, string(s)+"-n")
		hits := make([]model.RetrievalHit, n)
		for i := range hits {
			id := rapid.SampledFrom(keys).Draw(t, string(s)+"-id")
			score := rapid.Float64Range(0, 100).Draw(t, string(s)+"-score")
			hits[i] = hit(id, score, s)
		}
		out = append(out, StrategyResult{Strategy: s, Hits: hits})
	}
	return out
}

func TestFuseProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := genStrategyResults(t)
		weights := map[model.Strategy]float64{
			model.StrategySemantic: rapid.Float64Range(0, 1).Draw(t, "w-sem"),
			model.StrategyKeyword:  rapid.Float64Range(0, 1).Draw(t, "w-kw"),
		}

		first := Fuse(in, weights)
		second := Fuse(in, weights)
		if !assert.ObjectsAreEqual(first, second) {
			t.Fatalf("fusion is not deterministic: %v vs %v", ids(first), ids(second))
		}

		want := map[string]bool{}
		for _, sr := range in {
			for _, h := range sr.Hits {
				want[h.SourceID] = true
			}
		}
		seen := map[string]bool{}
		for i, h := range first {
			if seen[h.SourceID] {
				t.Fatalf("duplicate key %q in output", h.SourceID)
			}
			seen[h.SourceID] = true
			if i > 0 && first[i-1].Score < h.Score {
				t.Fatalf("output not sorted at %d: %f < %f", i, first[i-1].Score, h.Score)
			}
		}
		if len(seen) != len(want) {
			t.Fatalf("output has %d keys, want %d", len(seen), len(want))
		}
	})
}
