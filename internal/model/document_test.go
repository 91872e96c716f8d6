package model

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		wantErr bool
	}{
		{name: "valid", doc: Document{SourceType: "page", SourceID: "42"}},
		{name: "missing type", doc: Document{SourceID: "42"}, wantErr: true},
		{name: "blank id", doc: Document{SourceType: "page", SourceID: "  "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNormalizedTags(t *testing.T) {
	d := Document{Tags: []string{"news", " ", "blog", "news", " blog "}}
	assert.Equal(t, []string{"blog", "news"}, d.NormalizedTags())
}

func TestPreview(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Preview(short))

	long := strings.Repeat("a", 1500)
	assert.Len(t, Preview(long), MaxPreviewChars)

	// Multi-byte runes count as one character each.
	wide := strings.Repeat("é", 1200)
	p := Preview(wide)
	assert.Equal(t, MaxPreviewChars, len([]rune(p)))
	assert.True(t, strings.HasPrefix(wide, p))
}

func TestHitBody(t *testing.T) {
	assert.Equal(t, "full", RetrievalHit{Text: "full", TextPreview: "fu"}.Body())
	assert.Equal(t, "fu", RetrievalHit{TextPreview: "fu"}.Body())
}

func TestValidateWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[Strategy]float64
		wantErr bool
	}{
		{name: "nil", weights: nil},
		{name: "zero and positive", weights: map[Strategy]float64{StrategySemantic: 0, StrategyKeyword: 2.5}},
		{name: "negative", weights: map[Strategy]float64{StrategyKeyword: -0.1}, wantErr: true},
		{name: "nan", weights: map[Strategy]float64{StrategySemantic: math.NaN()}, wantErr: true},
		{name: "infinite", weights: map[Strategy]float64{StrategySemantic: math.Inf(1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWeights(tt.weights)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}
