package model

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// MaxPreviewChars bounds RetrievalHit.TextPreview.
const MaxPreviewChars = 1000

// Strategy identifies a retrieval strategy.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyKeyword  Strategy = "keyword"
)

// ValidateWeights rejects fusion weights that are negative or not finite.
// A nil or empty map is valid and selects the defaults.
func ValidateWeights(weights map[Strategy]float64) error {
	for s, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: weight for %q must be a finite number >= 0", ErrValidation, s)
		}
	}
	return nil
}

// Document is a unit of indexable content supplied by an external collaborator
// (a page, a media item, a newsletter). Its identity is the pair
// (SourceType, SourceID); the store never assigns its own key.
type Document struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags,omitempty"`
	URL        string    `json:"url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// Validate rejects documents without a usable source key.
func (d Document) Validate() error {
	if strings.TrimSpace(d.SourceType) == "" {
		return fmt.Errorf("%w: source_type is required", ErrValidation)
	}
	if strings.TrimSpace(d.SourceID) == "" {
		return fmt.Errorf("%w: source_id is required", ErrValidation)
	}
	return nil
}

// NormalizedTags returns the tag set sorted and deduplicated, with blank
// entries removed.
func (d Document) NormalizedTags() []string {
	out := make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RetrievalHit is one ranked result from a retrieval strategy or from fusion.
type RetrievalHit struct {
	SourceType  string   `json:"source_type"`
	SourceID    string   `json:"source_id"`
	Title       string   `json:"title"`
	Score       float64  `json:"score"`
	TextPreview string   `json:"text_preview"`
	URL         string   `json:"url,omitempty"`
	Strategy    Strategy `json:"strategy"`

	// Text is the full stored body. It feeds context assembly and is never
	// serialized to clients.
	Text string `json:"-"`
}

// Body returns the full text when known, else the preview.
func (h RetrievalHit) Body() string {
	if h.Text != "" {
		return h.Text
	}
	return h.TextPreview
}

// Preview truncates s to MaxPreviewChars characters without splitting a rune.
func Preview(s string) string {
	n := 0
	for i := range s {
		if n == MaxPreviewChars {
			return s[:i]
		}
		n++
	}
	return s
}

// Citation identifies a document that contributed to a generated answer.
type Citation struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
}
