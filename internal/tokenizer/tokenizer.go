// Package tokenizer counts tokens for context budgeting.
package tokenizer

import (
	"log/slog"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Counter reports the number of model tokens in a text.
type Counter interface {
	Count(text string) int
}

// Estimator approximates token counts without a vocabulary: one token per
// Han, Hiragana, Katakana or Hangul rune, and one per four other runes.
type Estimator struct{}

// Count implements Counter.
func (Estimator) Count(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
			continue
		}
		other++
	}
	return cjk + (other+3)/4
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// Tiktoken counts tokens with the BPE vocabulary of a model. The vocabulary
// is loaded on first use; if it cannot be loaded, counts fall back to the
// Estimator.
type Tiktoken struct {
	model  string
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New returns a Counter for the given model. An empty model yields the
// Estimator.
func New(model string, logger *slog.Logger) Counter {
	if model == "" {
		return Estimator{}
	}
	return &Tiktoken{model: model, logger: logger}
}

func (t *Tiktoken) load() {
	enc, err := tiktoken.EncodingForModel(t.model)
	if err != nil {
		t.logger.Warn("tokenizer: vocabulary unavailable, using estimator",
			"model", t.model, "error", err)
		return
	}
	t.enc = enc
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(t.load)
	if t.enc == nil {
		return Estimator{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
